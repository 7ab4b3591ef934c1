package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
	"github.com/supportdeskhq/supportdesk/cmd/api/metrics"
)

// UserSummary is the safe subset of a user embedded in auth responses.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type session struct {
	Token string      `json:"token"`
	User  UserSummary `json:"user"`
}

type registerReq struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role" binding:"omitempty,oneof=customer agent admin"`
}

// Register creates a user and returns a session token. Duplicate emails
// (case-insensitive) conflict.
func Register(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in registerReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid registration", app.FieldErrors(err))
			return
		}
		if in.Role == "" {
			in.Role = authz.RoleCustomer
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where lower(email)=lower($1))`, in.Email).Scan(&exists); err != nil {
			app.AbortStoreError(c, err)
			return
		}
		if exists {
			app.AbortError(c, http.StatusConflict, app.CodeConflict, "user already exists", nil)
			return
		}
		hash, err := HashPassword(in.Password)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		u := UserSummary{Name: in.Name, Email: strings.ToLower(in.Email), Role: in.Role}
		err = a.DB.QueryRow(ctx,
			`insert into users (name, email, password_hash, role) values ($1, lower($2), $3, $4) returning id::text`,
			in.Name, in.Email, hash, in.Role).Scan(&u.ID)
		if err != nil {
			// The unique index backstops registrations racing past the
			// exists check.
			if app.IsPgError(err, app.PgUniqueViolation) {
				app.AbortError(c, http.StatusConflict, app.CodeConflict, "user already exists", nil)
				return
			}
			app.AbortStoreError(c, err)
			return
		}
		token, err := SignToken(a.Cfg.JWTSecret, Claims{UserID: u.ID, Role: u.Role}, tokenTTL(a))
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		log.Ctx(c.Request.Context()).Info().Str("user_id", u.ID).Str("role", u.Role).Msg("user registered")
		c.JSON(http.StatusCreated, session{Token: token, User: u})
	}
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges credentials for a session token. Unknown email, inactive
// account, and wrong password all return the same generic error.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid login", app.FieldErrors(err))
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		var u UserSummary
		var hash string
		var active bool
		err := a.DB.QueryRow(ctx,
			`select id::text, name, email, role, password_hash, is_active from users where lower(email)=lower($1)`,
			in.Email).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &hash, &active)
		if err != nil || !active || !CheckPassword(hash, in.Password) {
			app.AbortError(c, http.StatusBadRequest, app.CodeInvalidCredentials, "invalid credentials", nil)
			return
		}
		token, err := SignToken(a.Cfg.JWTSecret, Claims{UserID: u.ID, Role: u.Role}, tokenTTL(a))
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		metrics.Logins.Inc()
		log.Ctx(c.Request.Context()).Info().Str("user_id", u.ID).Msg("login")
		c.JSON(http.StatusOK, session{Token: token, User: u})
	}
}

// Profile returns the current user's summary along with the presented token,
// mirroring the login response shape.
func Profile(c *gin.Context) {
	u, ok := CurrentUser(c)
	if !ok {
		app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	c.JSON(http.StatusOK, session{
		Token: token,
		User:  UserSummary{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role},
	})
}

func tokenTTL(a *app.App) time.Duration {
	h := a.Cfg.JWTTTLHours
	if h <= 0 {
		h = 7 * 24
	}
	return time.Duration(h) * time.Hour
}
