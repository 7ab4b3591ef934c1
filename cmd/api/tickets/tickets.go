// Package tickets implements the ticket lifecycle: create, role-scoped
// listing, retrieval with expanded references, and partial update.
//
// Status transitions are deliberately unconstrained: any authorized writer
// may set any of the four statuses in any order. Field updates are
// last-write-wins; only comment appends are conflict-free by construction.
package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/microcosm-cc/bluemonday"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	authpkg "github.com/supportdeskhq/supportdesk/cmd/api/auth"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
	eventspkg "github.com/supportdeskhq/supportdesk/cmd/api/events"
	"github.com/supportdeskhq/supportdesk/cmd/api/metrics"
)

// Ticket categories and priorities.
const (
	CategoryTechnical = "technical"
	CategoryBilling   = "billing"
	CategoryGeneral   = "general"
	CategoryBug       = "bug"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// UserSummary is the expanded form of a user reference.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Comment is an append-only entry on a ticket, returned in creation order.
type Comment struct {
	ID        string      `json:"id"`
	Author    UserSummary `json:"author"`
	Message   string      `json:"message"`
	Images    []string    `json:"images"`
	CreatedAt time.Time   `json:"created_at"`
}

// Ticket is the full wire representation with creator/assignee expanded.
type Ticket struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Priority    string       `json:"priority"`
	Status      string       `json:"status"`
	Images      []string     `json:"images"`
	Creator     UserSummary  `json:"creator"`
	AssignedTo  *UserSummary `json:"assigned_to,omitempty"`
	Comments    []Comment    `json:"comments"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// sanitize strips HTML from user-provided text before storage.
var sanitize = bluemonday.StrictPolicy()

// selectTicket is the base query joining the creator and optional assignee.
const selectTicket = `
select t.id::text, t.title, t.description, t.category, t.priority, t.status, t.images,
       t.created_at, t.updated_at,
       cu.id::text, cu.name, cu.email, cu.role,
       au.id::text, au.name, au.email, au.role
from tickets t
join users cu on cu.id = t.creator_id
left join users au on au.id = t.assignee_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTicket reads one row of selectTicket. Comments are loaded separately.
func scanTicket(row rowScanner) (Ticket, error) {
	var t Ticket
	var images []byte
	var aID, aName, aEmail, aRole *string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.Priority, &t.Status, &images,
		&t.CreatedAt, &t.UpdatedAt,
		&t.Creator.ID, &t.Creator.Name, &t.Creator.Email, &t.Creator.Role,
		&aID, &aName, &aEmail, &aRole)
	if err != nil {
		return Ticket{}, err
	}
	t.Images = decodeImages(images)
	if aID != nil {
		t.AssignedTo = &UserSummary{ID: *aID}
		if aName != nil {
			t.AssignedTo.Name = *aName
		}
		if aEmail != nil {
			t.AssignedTo.Email = *aEmail
		}
		if aRole != nil {
			t.AssignedTo.Role = *aRole
		}
	}
	t.Comments = []Comment{}
	return t, nil
}

func decodeImages(raw []byte) []string {
	out := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

// EncodeImages serializes an attachment reference list for storage.
func EncodeImages(images []string) []byte {
	if images == nil {
		images = []string{}
	}
	b, _ := json.Marshal(images)
	return b
}

// Load fetches a single ticket with comments expanded. Returns pgx.ErrNoRows
// if it does not exist.
func Load(ctx context.Context, db app.DB, id string) (Ticket, error) {
	t, err := scanTicket(db.QueryRow(ctx, selectTicket+" where t.id=$1", id))
	if err != nil {
		return Ticket{}, err
	}
	byTicket, err := LoadComments(ctx, db, []string{t.ID})
	if err != nil {
		return Ticket{}, err
	}
	if cs, ok := byTicket[t.ID]; ok {
		t.Comments = cs
	}
	return t, nil
}

// LoadComments returns the comments for the given tickets keyed by ticket id,
// each list in creation order with authors expanded.
func LoadComments(ctx context.Context, db app.DB, ticketIDs []string) (map[string][]Comment, error) {
	if len(ticketIDs) == 0 {
		return map[string][]Comment{}, nil
	}
	const q = `
select c.ticket_id::text, c.id::text, c.message, c.images, c.created_at,
       u.id::text, u.name, u.email, u.role
from ticket_comments c
join users u on u.id = c.author_id
where c.ticket_id = any($1::uuid[])
order by c.seq asc`
	rows, err := db.Query(ctx, q, ticketIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]Comment{}
	for rows.Next() {
		var tid string
		var cm Comment
		var images []byte
		if err := rows.Scan(&tid, &cm.ID, &cm.Message, &images, &cm.CreatedAt,
			&cm.Author.ID, &cm.Author.Name, &cm.Author.Email, &cm.Author.Role); err != nil {
			return nil, err
		}
		cm.Images = decodeImages(images)
		out[tid] = append(out[tid], cm)
	}
	return out, rows.Err()
}

// Refs fetches just the ownership fields used by access-control decisions.
func Refs(ctx context.Context, db app.DB, id string) (authz.TicketRefs, error) {
	var refs authz.TicketRefs
	err := db.QueryRow(ctx, `select creator_id::text, assignee_id::text from tickets where id=$1`, id).
		Scan(&refs.CreatorID, &refs.AssigneeID)
	return refs, err
}

type createReq struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Category    string   `json:"category" binding:"required,oneof=technical billing general bug"`
	Priority    string   `json:"priority" binding:"required,oneof=low medium high urgent"`
	Images      []string `json:"images"`
}

// Create inserts a ticket owned by the caller, status open, unassigned.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid ticket", app.FieldErrors(err))
			return
		}
		in.Title = strings.TrimSpace(sanitize.Sanitize(in.Title))
		in.Description = strings.TrimSpace(sanitize.Sanitize(in.Description))
		if in.Title == "" || in.Description == "" {
			app.AbortValidation(c, "invalid ticket", map[string]string{"title": "required", "description": "required"})
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		const q = `
insert into tickets (title, description, category, priority, status, images, creator_id)
values ($1, $2, $3, $4, $5, $6, $7)
returning id::text, created_at, updated_at`
		var t Ticket
		err := a.DB.QueryRow(ctx, q, in.Title, in.Description, in.Category, in.Priority, StatusOpen,
			EncodeImages(in.Images), u.ID).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		t.Title = in.Title
		t.Description = in.Description
		t.Category = in.Category
		t.Priority = in.Priority
		t.Status = StatusOpen
		t.Images = decodeImages(EncodeImages(in.Images))
		t.Creator = UserSummary{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
		t.Comments = []Comment{}

		metrics.TicketsCreated.Inc()
		eventspkg.Emit(c.Request.Context(), a, eventspkg.Event{
			Type: eventspkg.TicketCreated, TicketID: t.ID, CreatorID: u.ID,
			Data: map[string]any{"id": t.ID, "title": t.Title},
		})
		c.JSON(http.StatusCreated, t)
	}
}

// List returns tickets visible to the caller, newest first. Customers see
// only tickets they created.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		q := selectTicket
		args := []any{}
		if !authz.Staff(u.Identity()) {
			q += " where t.creator_id=$1"
			args = append(args, u.ID)
		}
		q += " order by t.created_at desc"
		out, err := queryTickets(ctx, a.DB, q, args...)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// queryTickets runs a selectTicket-shaped query and attaches comments.
func queryTickets(ctx context.Context, db app.DB, q string, args ...any) ([]Ticket, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Ticket{}
	ids := []string{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	byTicket, err := LoadComments(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if cs, ok := byTicket[out[i].ID]; ok {
			out[i].Comments = cs
		}
	}
	return out, nil
}

// Get returns a single expanded ticket. 404 when absent, 403 when the caller
// may not read it.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		t, err := Load(ctx, a.DB, c.Param("id"))
		if err != nil {
			AbortLoadError(c, err)
			return
		}
		if !authz.CanReadTicket(u.Identity(), authz.TicketRefs{CreatorID: t.Creator.ID}) {
			app.AbortError(c, http.StatusForbidden, app.CodeForbidden, "not authorized for this ticket", nil)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type updateReq struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category" binding:"omitempty,oneof=technical billing general bug"`
	Priority    *string `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	Status      *string `json:"status" binding:"omitempty,oneof=open in-progress resolved closed"`
	AssignedTo  *string `json:"assigned_to"`
}

// Update applies only the provided fields. The creator is immutable;
// assignment must target an active agent or admin; an empty assigned_to
// clears the assignment.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortValidation(c, "invalid update", app.FieldErrors(err))
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()

		id := c.Param("id")
		refs, err := Refs(ctx, a.DB, id)
		if err != nil {
			AbortLoadError(c, err)
			return
		}
		if !authz.CanEditTicket(u.Identity(), refs) {
			app.AbortError(c, http.StatusForbidden, app.CodeForbidden, "not authorized for this ticket", nil)
			return
		}

		set := []string{}
		args := []any{}
		add := func(col string, v any) {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
		}
		if in.Title != nil {
			title := strings.TrimSpace(sanitize.Sanitize(*in.Title))
			if title == "" {
				app.AbortValidation(c, "invalid update", map[string]string{"title": "required"})
				return
			}
			add("title", title)
		}
		if in.Description != nil {
			desc := strings.TrimSpace(sanitize.Sanitize(*in.Description))
			if desc == "" {
				app.AbortValidation(c, "invalid update", map[string]string{"description": "required"})
				return
			}
			add("description", desc)
		}
		if in.Category != nil {
			add("category", *in.Category)
		}
		if in.Priority != nil {
			add("priority", *in.Priority)
		}
		if in.Status != nil {
			add("status", *in.Status)
		}
		if in.AssignedTo != nil {
			if *in.AssignedTo == "" {
				set = append(set, "assignee_id=null")
			} else {
				var role string
				var active bool
				err := a.DB.QueryRow(ctx, `select role, is_active from users where id=$1`, *in.AssignedTo).Scan(&role, &active)
				if err != nil || !authz.Assignable(role, active) {
					app.AbortValidation(c, "invalid update", map[string]string{"assigned_to": "must be an active agent or admin"})
					return
				}
				add("assignee_id", *in.AssignedTo)
			}
		}
		if len(set) == 0 {
			app.AbortValidation(c, "no fields to update", nil)
			return
		}
		args = append(args, id)
		q := fmt.Sprintf("update tickets set %s, updated_at=now() where id=$%d", strings.Join(set, ", "), len(args))
		if _, err := a.DB.Exec(ctx, q, args...); err != nil {
			app.AbortStoreError(c, err)
			return
		}

		t, err := Load(ctx, a.DB, id)
		if err != nil {
			AbortLoadError(c, err)
			return
		}
		eventspkg.Emit(c.Request.Context(), a, eventspkg.Event{
			Type: eventspkg.TicketUpdated, TicketID: t.ID, CreatorID: t.Creator.ID,
			Data: map[string]any{"id": t.ID, "status": t.Status},
		})
		c.JSON(http.StatusOK, t)
	}
}

// AbortLoadError distinguishes a missing row from store failures. A malformed
// id cannot match any row, so it reads the same as a missing one.
func AbortLoadError(c *gin.Context, err error) {
	if errors.Is(err, pgx.ErrNoRows) || app.IsPgError(err, app.PgInvalidText) {
		app.AbortError(c, http.StatusNotFound, app.CodeNotFound, "ticket not found", nil)
		return
	}
	app.AbortStoreError(c, err)
}
