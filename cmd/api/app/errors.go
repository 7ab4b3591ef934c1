package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// SQLSTATE codes the handlers map to client errors.
const (
	PgInvalidText     = "22P02"
	PgUniqueViolation = "23505"
)

// IsPgError reports whether err is a Postgres error with the given SQLSTATE.
func IsPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Error codes returned in the response envelope.
const (
	CodeValidation         = "validation_error"
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeRateLimited        = "rate_limited"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// Error represents a structured error response.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Envelope wraps successful data or an error.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// AbortError records an error and aborts the handler. The response is
// rendered by the Errors middleware.
func AbortError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.Set("app_error", &Error{Code: code, Message: message, FieldErrors: fields})
	c.AbortWithStatus(status)
}

// AbortStoreError maps a store failure to timeout or internal. The underlying
// error is logged, never echoed to the caller.
func AbortStoreError(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		log.Ctx(c.Request.Context()).Error().Err(err).Msg("store timeout")
		AbortError(c, http.StatusGatewayTimeout, CodeTimeout, "store timeout", nil)
		return
	}
	log.Ctx(c.Request.Context()).Error().Err(err).Msg("store failure")
	AbortError(c, http.StatusInternalServerError, CodeInternal, "internal error", nil)
}

// FieldErrors flattens binding failures into a field->tag map for the error
// envelope. Non-validator errors produce an empty map.
func FieldErrors(err error) map[string]string {
	fields := map[string]string{}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return fields
}

// AbortValidation records a validation_error with per-field details.
func AbortValidation(c *gin.Context, message string, fields map[string]string) {
	AbortError(c, http.StatusBadRequest, CodeValidation, message, fields)
}

// Errors emits a JSON error envelope and structured log entry when an error
// was recorded via AbortError.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		v, ok := c.Get("app_error")
		if !ok {
			return
		}
		err, ok := v.(*Error)
		if !ok {
			return
		}
		status := c.Writer.Status()
		logger := log.Ctx(c.Request.Context()).Warn().Str("code", err.Code).Int("status", status)
		if err.FieldErrors != nil {
			for k, v := range err.FieldErrors {
				logger = logger.Str("field_"+k, v)
			}
		}
		logger.Msg(err.Message)
		c.JSON(status, Envelope{Error: err})
	}
}
