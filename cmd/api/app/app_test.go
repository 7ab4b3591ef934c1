package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
)

// Test that the RequestID middleware sets a header and context value.
func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Env: "test"}
	a := NewApp(cfg, nil, nil, nil, nil)
	a.R.GET("/ping", func(c *gin.Context) {
		id, _ := c.Get("request_id")
		if id == "" {
			t.Errorf("missing request_id in context")
		}
		c.JSON(200, gin.H{"ok": true})
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

// Test that the rate limiter blocks excessive requests.
func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Env: "test", RateLimitRPS: 1, RateLimitBurst: 1}
	a := NewApp(cfg, nil, nil, nil, nil)
	a.R.GET("/", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

// Test that the rate limiter is disabled when no configuration is provided.
func TestRateLimitDisabledByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Env: "test"}
	a := NewApp(cfg, nil, nil, nil, nil)
	a.R.GET("/", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		a.R.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
}

// Errors recorded via AbortError render as a structured envelope.
func TestErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Env: "test"}
	a := NewApp(cfg, nil, nil, nil, nil)
	a.R.GET("/boom", func(c *gin.Context) {
		AbortError(c, http.StatusNotFound, CodeNotFound, "ticket not found", nil)
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Code != CodeNotFound || env.Error.Message != "ticket not found" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestIsPgError(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: PgUniqueViolation})
	if !IsPgError(err, PgUniqueViolation) {
		t.Fatalf("wrapped pg error not matched")
	}
	if IsPgError(err, PgInvalidText) {
		t.Fatalf("matched the wrong SQLSTATE")
	}
	if IsPgError(errors.New("plain"), PgUniqueViolation) {
		t.Fatalf("matched a non-pg error")
	}
}

// Validation envelopes include per-field errors.
func TestValidationEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Env: "test"}
	a := NewApp(cfg, nil, nil, nil, nil)
	a.R.POST("/v", func(c *gin.Context) {
		AbortValidation(c, "invalid", map[string]string{"title": "required"})
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.FieldErrors["title"] != "required" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
