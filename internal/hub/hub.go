// Package hub is the in-process realtime core: it tracks live connections,
// their identities, and room memberships, and fans events out to rooms.
// Room keys are opaque strings; authorization lives with the callers.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/observability"
)

// Publisher is the capability handed to components that only emit events.
// A broker-backed implementation would slot in here if fan-out ever needs to
// span server instances.
type Publisher interface {
	Publish(room, event string, payload any)
}

// Transport is the write side of one live connection. *websocket.Conn
// satisfies it.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// envelope is the wire shape of every outbound event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	At    int64  `json:"at"`
}

// session serializes writes to one transport; concurrent broadcasts to the
// same connection must not interleave frames.
type session struct {
	id string
	t  Transport
	mu sync.Mutex
}

func (s *session) send(env envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.WriteJSON(env)
}

type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*session
	identities  map[string]string              // connID -> userID
	rooms       map[string]map[string]struct{} // roomKey -> connIDs
	memberships map[string]map[string]struct{} // connID -> roomKeys
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		sessions:    make(map[string]*session),
		identities:  make(map[string]string),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Add registers a freshly opened transport under connID.
func (h *Hub) Add(connID string, t Transport) {
	h.mu.Lock()
	h.sessions[connID] = &session{id: connID, t: t}
	h.mu.Unlock()
	observability.ConnectionsActive.Inc()
}

// Identify binds the connection to a user and joins the user's personal
// room. Multiple connections may identify as the same user; user-room
// broadcasts reach all of them.
func (h *Hub) Identify(connID, userID string) {
	h.mu.Lock()
	h.identities[connID] = userID
	h.mu.Unlock()
	h.Join(connID, models.UserRoom(userID))
}

// UserFor reverse-looks-up the identity bound to a connection.
func (h *Hub) UserFor(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	userID, ok := h.identities[connID]
	return userID, ok
}

// Join subscribes the connection to a room, creating the room implicitly.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[connID]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	if h.memberships[connID] == nil {
		h.memberships[connID] = make(map[string]struct{})
	}
	h.memberships[connID][room] = struct{}{}
}

// Leave unsubscribes the connection; empty rooms are dropped.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.memberships[connID]; ok {
		delete(rooms, room)
	}
}

// Disconnect releases every membership and the identity mapping.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	s, had := h.sessions[connID]
	for room := range h.memberships[connID] {
		h.leaveLocked(connID, room)
	}
	delete(h.memberships, connID)
	delete(h.identities, connID)
	delete(h.sessions, connID)
	h.mu.Unlock()
	if had {
		_ = s.t.Close()
		observability.ConnectionsActive.Dec()
	}
}

// Publish broadcasts to every member of the room. Zero subscribers is a
// silent no-op.
func (h *Hub) Publish(room, event string, payload any) {
	h.PublishExcept(room, event, payload, "")
}

// PublishExcept broadcasts to the room, skipping excludeConnID when set.
// Delivery is best-effort: a failed write is logged, not retried.
func (h *Hub) PublishExcept(room, event string, payload any, excludeConnID string) {
	env := envelope{Event: event, Data: payload, At: time.Now().UnixMilli()}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.rooms[room]))
	for connID := range h.rooms[room] {
		if connID == excludeConnID {
			continue
		}
		if s, ok := h.sessions[connID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(env); err != nil {
			h.logger.Warn("broadcast write failed", "room", room, "event", event, "conn", s.id, "error", err)
			continue
		}
		observability.EventsBroadcast.Inc()
	}
}

// SendTo delivers an event to a single connection, used for error replies.
func (h *Hub) SendTo(connID, event string, payload any) {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(envelope{Event: event, Data: payload, At: time.Now().UnixMilli()}); err != nil {
		h.logger.Warn("direct write failed", "event", event, "conn", connID, "error", err)
	}
}

// RoomSize is exposed for diagnostics and tests.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
