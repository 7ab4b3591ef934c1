// Package ws pushes ticket events to connected clients. Visibility follows
// the REST rules: staff see every event, customers only events for tickets
// they created.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	authpkg "github.com/supportdeskhq/supportdesk/cmd/api/auth"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
	eventspkg "github.com/supportdeskhq/supportdesk/cmd/api/events"
)

var wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ws_clients",
	Help: "Number of connected WebSocket clients",
})

func init() { prometheus.MustRegister(wsClients) }

// Hub maintains the set of active clients and fans ticket events out to
// them. With a Redis client it also relays events published by other
// processes, so the feed works behind a load balancer.
type Hub struct {
	rdb        *redis.Client
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	broadcast  chan eventspkg.Event
}

// NewHub constructs a Hub. rdb may be nil to disable cross-process relay.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:        rdb,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan eventspkg.Event, 16),
	}
}

// Run starts the hub loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	var ch <-chan *redis.Message
	if h.rdb != nil {
		sub := h.rdb.Subscribe(ctx, eventspkg.Channel)
		ch = sub.Channel()
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if ok && msg != nil {
				var ev eventspkg.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					h.Broadcast(ev)
				}
			}
		case c := <-h.register:
			h.clients[c] = true
			wsClients.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				wsClients.Dec()
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				if !c.mayReceive(ev) {
					continue
				}
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
					wsClients.Dec()
				}
			}
		}
	}
}

// Broadcast enqueues an event for all eligible clients.
func (h *Hub) Broadcast(ev eventspkg.Event) { h.broadcast <- ev }

// Client represents one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan eventspkg.Event
	userID string
	role   string
}

// mayReceive applies the same visibility rule as the ticket list.
func (c *Client) mayReceive(ev eventspkg.Event) bool {
	id := authz.Identity{ID: c.userID, Role: c.role}
	return authz.CanReadTicket(id, authz.TicketRefs{CreatorID: ev.CreatorID})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// upgrader relies on bearer-token auth rather than origin checks.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Serve upgrades the connection and streams events to the caller.
func Serve(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Ctx(c.Request.Context()).Debug().Err(err).Msg("ws upgrade failed")
			return
		}
		client := &Client{hub: h, conn: conn, send: make(chan eventspkg.Event, 8), userID: u.ID, role: u.Role}
		h.register <- client
		go client.writePump(c.Request.Context())
		client.readPump()
	}
}
