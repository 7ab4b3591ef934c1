package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
)

// User is the wire representation; the password hash never leaves the store.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Agents returns active staff (agents and admins) for assignment pickers.
func Agents(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()
		const q = `
select id::text, name, email, role
from users
where role in ($1, $2) and is_active
order by name`
		rows, err := a.DB.Query(ctx, q, authz.RoleAgent, authz.RoleAdmin)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		defer rows.Close()
		out := []User{}
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
				app.AbortStoreError(c, err)
				return
			}
			u.IsActive = true
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			app.AbortStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// List returns every user. Admin only (enforced at the route).
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()
		const q = `select id::text, name, email, role, is_active, created_at::text from users order by created_at desc`
		rows, err := a.DB.Query(ctx, q)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		defer rows.Close()
		out := []User{}
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
				app.AbortStoreError(c, err)
				return
			}
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			app.AbortStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

type setRoleReq struct {
	Role string `json:"role" binding:"required"`
}

// SetRole changes a user's role. Admin only; the endpoint intentionally
// allows an admin to change their own role, including away from admin.
func SetRole(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in setRoleReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid role change", app.FieldErrors(err))
			return
		}
		if !authz.ValidRole(in.Role) {
			app.AbortValidation(c, "invalid role change", map[string]string{"role": "must be customer, agent or admin"})
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		var u User
		err := a.DB.QueryRow(ctx,
			`update users set role=$1, updated_at=now() where id=$2 returning id::text, name, email, role, is_active`,
			in.Role, c.Param("id")).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.IsActive)
		if err != nil {
			// A malformed id cannot match any row.
			if errors.Is(err, pgx.ErrNoRows) || app.IsPgError(err, app.PgInvalidText) {
				app.AbortError(c, http.StatusNotFound, app.CodeNotFound, "user not found", nil)
				return
			}
			app.AbortStoreError(c, err)
			return
		}
		log.Ctx(c.Request.Context()).Info().Str("user_id", u.ID).Str("role", u.Role).Msg("role changed")
		c.JSON(http.StatusOK, u)
	}
}
