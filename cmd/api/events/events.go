// Package events records the ticket audit trail and fans updates out to
// live subscribers.
package events

import (
	"context"
	"encoding/json"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
)

// Event types emitted by the ticket handlers.
const (
	TicketCreated = "ticket_created"
	TicketUpdated = "ticket_updated"
	CommentAdded  = "comment_added"
)

// Event is one entry in the ticket audit trail. CreatorID is the ticket
// owner; the websocket hub uses it to scope what customers receive.
type Event struct {
	Type      string      `json:"type"`
	TicketID  string      `json:"ticket_id"`
	CreatorID string      `json:"creator_id"`
	Data      interface{} `json:"data,omitempty"`
}

// Emit records the event in the database and publishes it to the live feed.
// Best effort; failures are ignored so they never fail the request.
func Emit(ctx context.Context, a *app.App, ev Event) {
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	ctx, cancel := a.DBCtx(ctx)
	defer cancel()
	if a.DB != nil {
		const q = `insert into ticket_events (ticket_id, event_type, payload) values ($1, $2, $3)`
		_, _ = a.DB.Exec(ctx, q, ev.TicketID, ev.Type, b)
	}
	if a.Q != nil {
		if msg, err := json.Marshal(ev); err == nil {
			_ = a.Q.Publish(ctx, Channel, msg).Err()
		}
		return
	}
	if feed := localFeed; feed != nil {
		feed(ev)
	}
}

// localFeed carries events to in-process subscribers when no Redis relay is
// configured, so the live feed works in single-process deployments.
var localFeed func(Event)

// SetLocalFeed registers the in-process subscriber. Call during startup,
// before handlers run.
func SetLocalFeed(fn func(Event)) { localFeed = fn }

// Channel is the Redis pub/sub channel carrying live ticket events.
const Channel = "ticket_events"
