// Package comments appends entries to a ticket's append-only comment log.
// Each comment is its own row, so concurrent commenters never overwrite one
// another and ordering follows the insert sequence.
package comments

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	authpkg "github.com/supportdeskhq/supportdesk/cmd/api/auth"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
	eventspkg "github.com/supportdeskhq/supportdesk/cmd/api/events"
	"github.com/supportdeskhq/supportdesk/cmd/api/metrics"
	ticketspkg "github.com/supportdeskhq/supportdesk/cmd/api/tickets"

	"github.com/microcosm-cc/bluemonday"
)

var sanitize = bluemonday.StrictPolicy()

type addReq struct {
	Message string   `json:"message" binding:"required"`
	Images  []string `json:"images"`
}

// Add appends a comment authored by the caller and returns the fully
// expanded ticket. Read access implies comment access.
func Add(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		var in addReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid comment", app.FieldErrors(err))
			return
		}
		in.Message = strings.TrimSpace(sanitize.Sanitize(in.Message))
		if in.Message == "" {
			app.AbortValidation(c, "invalid comment", map[string]string{"message": "required"})
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		id := c.Param("id")
		refs, err := ticketspkg.Refs(ctx, a.DB, id)
		if err != nil {
			// Reuse the ticket package's 404/5xx mapping.
			ticketspkg.AbortLoadError(c, err)
			return
		}
		if !authz.CanReadTicket(u.Identity(), refs) {
			app.AbortError(c, http.StatusForbidden, app.CodeForbidden, "not authorized for this ticket", nil)
			return
		}

		const q = `insert into ticket_comments (ticket_id, author_id, message, images) values ($1, $2, $3, $4)`
		if _, err := a.DB.Exec(ctx, q, id, u.ID, in.Message, ticketspkg.EncodeImages(in.Images)); err != nil {
			app.AbortStoreError(c, err)
			return
		}

		t, err := ticketspkg.Load(ctx, a.DB, id)
		if err != nil {
			ticketspkg.AbortLoadError(c, err)
			return
		}
		metrics.CommentsAdded.Inc()
		eventspkg.Emit(c.Request.Context(), a, eventspkg.Event{
			Type: eventspkg.CommentAdded, TicketID: t.ID, CreatorID: t.Creator.ID,
			Data: map[string]any{"id": t.ID, "comments": len(t.Comments)},
		})
		c.JSON(http.StatusCreated, t)
	}
}
