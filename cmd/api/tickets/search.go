package tickets

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	authpkg "github.com/supportdeskhq/supportdesk/cmd/api/auth"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
)

// Unassigned is the sentinel value for the assigned_to filter matching
// tickets with no assignee.
const Unassigned = "unassigned"

const dateLayout = "2006-01-02"

// searchParams are the structured filters accepted by the search endpoint.
type searchParams struct {
	Search     string
	Priority   string
	Category   string
	AssignedTo string
	DateFrom   string
	DateTo     string
	SortBy     string
}

// buildSearch turns the caller's visibility and filters into a single SQL
// query. Structured filters AND together; the free-text term ORs across
// title, description, creator name and comment messages.
func buildSearch(id authz.Identity, p searchParams) (string, []any, map[string]string) {
	where := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	fields := map[string]string{}
	if !authz.Staff(id) {
		where = append(where, "t.creator_id="+arg(id.ID))
	}
	if p.Priority != "" {
		where = append(where, "t.priority="+arg(p.Priority))
	}
	if p.Category != "" {
		where = append(where, "t.category="+arg(p.Category))
	}
	if p.AssignedTo == Unassigned {
		where = append(where, "t.assignee_id is null")
	} else if p.AssignedTo != "" {
		if _, err := uuid.Parse(p.AssignedTo); err != nil {
			fields["assigned_to"] = "must be a user id"
		} else {
			where = append(where, "t.assignee_id="+arg(p.AssignedTo))
		}
	}

	if p.DateFrom != "" {
		from, err := time.Parse(dateLayout, p.DateFrom)
		if err != nil {
			fields["date_from"] = "must be YYYY-MM-DD"
		} else {
			where = append(where, "t.created_at >= "+arg(from))
		}
	}
	if p.DateTo != "" {
		to, err := time.Parse(dateLayout, p.DateTo)
		if err != nil {
			fields["date_to"] = "must be YYYY-MM-DD"
		} else {
			// Inclusive through end-of-day.
			where = append(where, "t.created_at < "+arg(to.AddDate(0, 0, 1)))
		}
	}
	if len(fields) > 0 {
		return "", nil, fields
	}

	if p.Search != "" {
		term := arg("%" + p.Search + "%")
		where = append(where, fmt.Sprintf(
			"(t.title ilike %[1]s or t.description ilike %[1]s or cu.name ilike %[1]s or exists(select 1 from ticket_comments sc where sc.ticket_id=t.id and sc.message ilike %[1]s))",
			term))
	}

	q := selectTicket
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by " + sortClause(p.SortBy)
	return q, args, nil
}

// sortClause maps a sort key to its ordering; unknown keys fall back to
// latest. Rank orders and tie-breaks follow the product contract: priority
// urgent>high>medium>low descending, status open<in-progress<resolved<closed
// ascending, comments by count descending, all tied on newest first.
func sortClause(sortBy string) string {
	switch sortBy {
	case "oldest":
		return "t.created_at asc"
	case "priority":
		return "case t.priority when 'urgent' then 4 when 'high' then 3 when 'medium' then 2 else 1 end desc, t.created_at desc"
	case "status":
		return "case t.status when 'open' then 1 when 'in-progress' then 2 when 'resolved' then 3 else 4 end asc, t.created_at desc"
	case "comments":
		return "(select count(*) from ticket_comments cc where cc.ticket_id=t.id) desc, t.created_at desc"
	default:
		return "t.created_at desc"
	}
}

// Search filters, scopes and sorts tickets. An empty result is a valid
// response, not an error.
func Search(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeUnauthorized, "not authorized", nil)
			return
		}
		p := searchParams{
			Search:     strings.TrimSpace(c.Query("search")),
			Priority:   strings.TrimSpace(c.Query("priority")),
			Category:   strings.TrimSpace(c.Query("category")),
			AssignedTo: strings.TrimSpace(c.Query("assignedTo")),
			DateFrom:   strings.TrimSpace(c.Query("dateFrom")),
			DateTo:     strings.TrimSpace(c.Query("dateTo")),
			SortBy:     strings.TrimSpace(c.Query("sortBy")),
		}
		q, args, fields := buildSearch(u.Identity(), p)
		if len(fields) > 0 {
			app.AbortValidation(c, "invalid search", fields)
			return
		}
		ctx, cancel := a.DBCtx(c.Request.Context())
		defer cancel()
		out, err := queryTickets(ctx, a.DB, q, args...)
		if err != nil {
			app.AbortStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
