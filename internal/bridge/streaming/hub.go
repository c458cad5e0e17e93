// Package streaming implements the SSE hub (spec.md §4.8): per-sourceId
// event routing and reconnect-time reconciliation, built on the same
// register/unregister/broadcast channel loop as the teacher's WebSocket hub
// (internal/orchestrator/streaming/hub.go), adapted from task-keyed
// WebSocket clients to sourceId-keyed SSE clients.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

const (
	recentCapacity = 20
	recentTTL      = 5 * time.Minute
)

// Event is one SSE frame. Type selects the SSE `event:` line; Data is
// marshaled to JSON for the `data:` line.
type Event struct {
	Type     string
	SourceID string
	JobID    string
	Data     any
}

// Client is one open /events connection.
type Client struct {
	id       string
	sourceID string
	send     chan []byte
	hub      *Hub
}

func newClient(id, sourceID string, hub *Hub) *Client {
	return &Client{id: id, sourceID: sourceID, send: make(chan []byte, 256), hub: hub}
}

// Send returns the channel of pre-formatted SSE frames for the handler
// goroutine to write to the response.
func (c *Client) Send() <-chan []byte {
	return c.send
}

type recentEvent struct {
	at       time.Time
	sourceID string
	frame    []byte
}

// routes reports whether an event tagged with eventSourceID should reach a
// client registered under clientSourceID, per spec.md §4.8: an event with no
// sourceId is global and reaches everyone; a client with no sourceId is
// legacy and receives everything; otherwise the ids must match exactly.
func routes(clientSourceID, eventSourceID string) bool {
	return eventSourceID == "" || clientSourceID == "" || clientSourceID == eventSourceID
}

// Hub routes job events to every connection whose sourceId matches the
// event's (spec.md §4.8's routing rule) and keeps a short-lived ring buffer
// so a client that reconnects mid-job can catch up.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	mu     sync.RWMutex
	recent []recentEvent // global ring buffer, filtered per-client on replay

	log *logger.Logger
}

// New creates a Hub. Call Run in its own goroutine before Register.
func New(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		log:        log.WithFields(zap.String("component", "sse_hub")),
	}
}

// Run is the hub's single-writer event loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			backlog := h.replayLocked(c.sourceID)
			h.mu.Unlock()

			c.send <- formatFrame(Event{Type: "connected", SourceID: c.sourceID})
			for _, frame := range backlog {
				c.send <- frame
			}

		case c := <-h.unregister:
			h.removeClientLocked(c)

		case ev := <-h.broadcast:
			frame := formatFrame(ev)

			h.mu.Lock()
			h.rememberLocked(ev.SourceID, frame)
			var targets []*Client
			for c := range h.clients {
				if routes(c.sourceID, ev.SourceID) {
					targets = append(targets, c)
				}
			}
			h.mu.Unlock()

			for _, c := range targets {
				select {
				case c.send <- frame:
				default:
					h.log.Warn("sse client backpressure, dropping connection", zap.String("client_id", c.id))
					h.removeClientLocked(c)
				}
			}
		}
	}
}

// removeClientLocked unregisters c, closing its send channel. Despite the
// name it takes h.mu itself; the suffix marks it as a mutator of hub state
// callable only from the Run goroutine.
func (h *Hub) removeClientLocked(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// rememberLocked appends frame to the global ring buffer, evicting the
// oldest entry once recentCapacity is exceeded. Caller must hold h.mu.
func (h *Hub) rememberLocked(sourceID string, frame []byte) {
	buf := append(h.recent, recentEvent{at: time.Now(), sourceID: sourceID, frame: frame})
	if len(buf) > recentCapacity {
		buf = buf[len(buf)-recentCapacity:]
	}
	h.recent = buf
}

// replayLocked returns the not-yet-expired buffered frames routable to a
// client registered under sourceID. Caller must hold h.mu.
func (h *Hub) replayLocked(sourceID string) [][]byte {
	buf := h.recent
	cutoff := time.Now().Add(-recentTTL)
	out := make([][]byte, 0, len(buf))
	for _, e := range buf {
		if e.at.Before(cutoff) || !routes(sourceID, e.sourceID) {
			continue
		}
		out = append(out, e.frame)
	}
	return out
}

func formatFrame(ev Event) []byte {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte(`{}`)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))
}

// Connect registers a new client for sourceID and returns it. Callers must
// Disconnect when the underlying HTTP connection closes.
func (h *Hub) Connect(id, sourceID string) *Client {
	c := newClient(id, sourceID, h)
	h.register <- c
	return c
}

// Disconnect unregisters a client.
func (h *Hub) Disconnect(c *Client) {
	h.unregister <- c
}

// Broadcast publishes ev to every currently registered client that routes
// accepts for its sourceId.
func (h *Hub) Broadcast(ev Event) {
	h.broadcast <- ev
}
