// Package uploads stores ticket/comment images and hands back stable URL
// references usable as `images` entries.
package uploads

import (
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	"github.com/supportdeskhq/supportdesk/cmd/api/metrics"
)

// MaxBatch bounds a multi-image upload.
const MaxBatch = 5

// Reference is the stored-image descriptor returned to clients.
type Reference struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	URL          string `json:"url"`
}

// Image accepts a single multipart image under the "image" field.
func Image(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("image")
		if err != nil {
			app.AbortValidation(c, "no image file provided", nil)
			return
		}
		ref, ok := store(c, a, fh)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, ref)
	}
}

// Images accepts up to MaxBatch images under the "images" field.
func Images(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil || len(form.File["images"]) == 0 {
			app.AbortValidation(c, "no image files provided", nil)
			return
		}
		files := form.File["images"]
		if len(files) > MaxBatch {
			app.AbortValidation(c, "too many images", map[string]string{"images": "at most 5 per upload"})
			return
		}
		out := make([]Reference, 0, len(files))
		for _, fh := range files {
			ref, ok := store(c, a, fh)
			if !ok {
				return
			}
			out = append(out, ref)
		}
		c.JSON(http.StatusOK, out)
	}
}

// store writes one file to the object store. On failure it aborts the
// request and returns ok=false.
func store(c *gin.Context, a *app.App, fh *multipart.FileHeader) (Reference, bool) {
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(fh.Filename))
	}
	if !strings.HasPrefix(ct, "image/") {
		app.AbortValidation(c, "only image uploads are allowed", map[string]string{"content_type": ct})
		return Reference{}, false
	}
	f, err := fh.Open()
	if err != nil {
		app.AbortStoreError(c, err)
		return Reference{}, false
	}
	defer f.Close()

	safe := sanitizeFilename(fh.Filename)
	if safe == "" {
		safe = "image"
	}
	key := uuid.New().String() + "-" + safe
	_, err = a.M.PutObject(c.Request.Context(), a.Cfg.UploadBucket, key, f, fh.Size,
		minio.PutObjectOptions{ContentType: ct})
	if err != nil {
		app.AbortStoreError(c, err)
		return Reference{}, false
	}
	metrics.ImagesUploaded.Inc()
	return Reference{Filename: key, OriginalName: fh.Filename, URL: "/uploads/" + key}, true
}

// Serve returns a stored image when the filesystem store is in use. With
// MinIO the bucket is fronted directly and this endpoint is not wired.
func Serve(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		fs, ok := a.M.(*app.FsObjectStore)
		if !ok {
			app.AbortError(c, http.StatusNotFound, app.CodeNotFound, "not found", nil)
			return
		}
		name := sanitizeFilename(c.Param("filename"))
		root := filepath.Join(fs.Base, a.Cfg.UploadBucket)
		path := filepath.Clean(filepath.Join(root, name))
		if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
			app.AbortValidation(c, "invalid path", nil)
			return
		}
		b, err := os.ReadFile(path)
		if err != nil {
			app.AbortError(c, http.StatusNotFound, app.CodeNotFound, "not found", nil)
			return
		}
		c.Data(http.StatusOK, mime.TypeByExtension(filepath.Ext(name)), b)
	}
}

// sanitizeFilename removes path separators and dot segments and restricts to
// a conservative character set, preserving the extension when possible.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "")
	b := strings.Builder{}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	return out
}
