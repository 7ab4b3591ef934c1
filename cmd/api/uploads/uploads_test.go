package uploads

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
)

func newUploadApp(t *testing.T) (*app.App, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	store := &app.FsObjectStore{Base: dir}
	a := app.NewApp(app.Config{Env: "test", UploadBucket: "uploads"}, nil, nil, store, nil)
	a.R.POST("/api/upload/image", Image(a))
	a.R.POST("/api/upload/images", Images(a))
	a.R.GET("/uploads/:filename", Serve(a))
	return a, dir
}

// imagePart attaches a file part with an explicit image content type;
// CreateFormFile would label it application/octet-stream.
func imagePart(t *testing.T, w *multipart.Writer, field, filename string, body []byte) {
	t.Helper()
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(body); err != nil {
		t.Fatalf("write part: %v", err)
	}
}

func TestImageUpload(t *testing.T) {
	a, dir := newUploadApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	imagePart(t, w, "image", "cat photo.png", []byte("png-bytes"))
	w.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var ref Reference
	if err := json.Unmarshal(rr.Body.Bytes(), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.OriginalName != "cat photo.png" {
		t.Fatalf("unexpected original name: %q", ref.OriginalName)
	}
	if !strings.HasPrefix(ref.URL, "/uploads/") || !strings.HasSuffix(ref.Filename, "-cat photo.png") {
		t.Fatalf("unexpected reference: %+v", ref)
	}
	b, err := os.ReadFile(filepath.Join(dir, "uploads", ref.Filename))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(b) != "png-bytes" {
		t.Fatalf("stored content mismatch: %q", b)
	}
}

func TestImageUploadRejectsNonImages(t *testing.T) {
	a, _ := newUploadApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="image"; filename="run.sh"`)
	h.Set("Content-Type", "application/x-sh")
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte("#!/bin/sh"))
	w.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var env app.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Code != app.CodeValidation {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestImageUploadMissingFile(t *testing.T) {
	a, _ := newUploadApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestImagesUpload(t *testing.T) {
	a, _ := newUploadApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	imagePart(t, w, "images", "one.png", []byte("one"))
	imagePart(t, w, "images", "two.png", []byte("two"))
	w.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/images", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var refs []Reference
	if err := json.Unmarshal(rr.Body.Bytes(), &refs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(refs) != 2 || refs[0].OriginalName != "one.png" || refs[1].OriginalName != "two.png" {
		t.Fatalf("unexpected references: %+v", refs)
	}
}

func TestImagesUploadBatchLimit(t *testing.T) {
	a, _ := newUploadApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i := 0; i < MaxBatch+1; i++ {
		imagePart(t, w, "images", "img.png", []byte("x"))
	}
	w.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/images", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var env app.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.FieldErrors["images"] == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestServe(t *testing.T) {
	a, dir := newUploadApp(t)
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "uploads", "pic.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/uploads/pic.png", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "png-bytes" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestServeMissing(t *testing.T) {
	a, _ := newUploadApp(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/uploads/nope.png", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"photo.png", "photo.png"},
		{"../../etc/passwd", "passwd"},
		{"sp ace & sym?.png", "sp ace _ sym_.png"},
		{".hidden", "hidden"},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
