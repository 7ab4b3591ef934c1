package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
)

// AuthUser represents the authenticated user, refreshed from the store on
// every request so role changes and deactivation take effect immediately.
type AuthUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Identity converts the user into the shape the authz predicates consume.
func (u AuthUser) Identity() authz.Identity {
	return authz.Identity{ID: u.ID, Role: u.Role}
}

// CurrentUser returns the authenticated user set by Middleware.
func CurrentUser(c *gin.Context) (AuthUser, bool) {
	v, ok := c.Get("user")
	if !ok {
		return AuthUser{}, false
	}
	u, ok := v.(AuthUser)
	return u, ok
}

// Middleware validates the bearer token and loads the user. The distinct
// failure kinds (missing token, expired, invalid, unknown user) are logged
// separately but all surface to the caller as a uniform 401.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			if _, ok := c.Get("user"); !ok {
				c.Set("user", AuthUser{ID: "test-user", Name: "Test User", Email: "test@example.com", Role: authz.RoleAgent})
			}
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			log.Ctx(c.Request.Context()).Debug().Msg("auth: no bearer token")
			abortUnauthorized(c)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		var userID string
		if a.Cfg.AuthMode == "oidc" {
			id, ok := verifyOIDC(c, a, tokenStr)
			if !ok {
				return
			}
			userID = id
		} else {
			claims, err := ParseToken(a.Cfg.JWTSecret, tokenStr)
			if err != nil {
				log.Ctx(c.Request.Context()).Debug().Err(err).Msg("auth: token rejected")
				abortUnauthorized(c)
				return
			}
			userID = claims.UserID
		}

		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()
		var u AuthUser
		var active bool
		err := a.DB.QueryRow(ctx,
			`select id::text, name, email, role, is_active from users where id=$1`,
			userID).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &active)
		if err != nil || !active {
			log.Ctx(c.Request.Context()).Debug().Err(err).Str("user_id", userID).Msg("auth: user missing or inactive")
			abortUnauthorized(c)
			return
		}
		c.Set("user", u)
		c.Next()
	}
}

// verifyOIDC checks an IdP-minted token against the configured JWKS and
// resolves the user by the email claim, provisioning a customer row on first
// sight. Returns the user id and whether the request may proceed.
func verifyOIDC(c *gin.Context, a *app.App, tokenStr string) (string, bool) {
	if a.Keyf == nil {
		app.AbortError(c, http.StatusInternalServerError, app.CodeInternal, "jwks not configured", nil)
		return "", false
	}
	token, err := jwt.Parse(tokenStr, a.Keyf)
	if err != nil || !token.Valid {
		log.Ctx(c.Request.Context()).Debug().Err(err).Msg("auth: oidc token rejected")
		abortUnauthorized(c)
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		abortUnauthorized(c)
		return "", false
	}
	if iss, ok := claims["iss"].(string); ok && a.Cfg.OIDCIssuer != "" && iss != a.Cfg.OIDCIssuer {
		log.Ctx(c.Request.Context()).Debug().Str("iss", iss).Msg("auth: issuer mismatch")
		abortUnauthorized(c)
		return "", false
	}
	email, _ := claims["email"].(string)
	if email == "" {
		abortUnauthorized(c)
		return "", false
	}
	name, _ := claims["name"].(string)
	ctx, cancel := a.DBCtx(c.Request.Context())
	defer cancel()
	var id string
	err = a.DB.QueryRow(ctx, `select id::text from users where lower(email)=lower($1)`, email).Scan(&id)
	if err != nil {
		err = a.DB.QueryRow(ctx,
			`insert into users (name, email, password_hash, role) values ($1, lower($2), '', $3) returning id::text`,
			name, email, authz.RoleCustomer).Scan(&id)
		if err != nil {
			app.AbortStoreError(c, err)
			return "", false
		}
	}
	return id, true
}

func abortUnauthorized(c *gin.Context) {
	app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
}

// RequireRole guards a route group. The 403 message names the allowed roles
// and the actual one for diagnosability.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !authz.HasRole(u.Identity(), roles...) {
			app.AbortError(c, http.StatusForbidden, app.CodeForbidden,
				"requires role "+strings.Join(roles, " or ")+", have "+u.Role, nil)
			return
		}
		c.Next()
	}
}
