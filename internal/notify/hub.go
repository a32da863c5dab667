// Package notify fans committed transition events out to connected
// dispatcher consoles and driver devices. Delivery is best-effort: a
// slow or dead subscriber is dropped, never waited on, and a missed
// event is recovered by re-fetching current state over HTTP.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/observability"
)

const writeWait = 5 * time.Second

// Session is one authenticated websocket connection. Writes are
// serialized with a per-session mutex.
type Session struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	UserID string
	Role   models.Role
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub tracks connected sessions by user id. Dispatcher-role sessions
// form the operations room and receive every event; a driver session
// only receives events for rides it is attached to.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]*Session), logger: logger}
}

// Add registers a session, replacing any previous connection for the
// same user. The replaced connection is closed.
func (h *Hub) Add(userID string, role models.Role, conn *websocket.Conn) *Session {
	s := &Session{conn: conn, UserID: userID, Role: role}
	h.mu.Lock()
	prev := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	} else {
		observability.SessionsConnected.WithLabelValues(roomClass(role)).Inc()
	}
	return s
}

func (h *Hub) Remove(userID string) {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	if ok {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
		observability.SessionsConnected.WithLabelValues(roomClass(s.Role)).Dec()
	}
}

// Publish delivers the event to every dispatcher session plus the
// attached driver's session. Implements the arbiter's Notifier.
func (h *Hub) Publish(ev models.TransitionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "ride_id", ev.RideID, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.Role.Dispatcher() || (ev.DriverID != "" && s.UserID == ev.DriverID) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(payload); err != nil {
			observability.NotificationsTotal.WithLabelValues("ws", "error").Inc()
			h.logger.Warn("ws send failed, dropping session", "user_id", s.UserID, "error", err)
			h.Remove(s.UserID)
			continue
		}
		observability.NotificationsTotal.WithLabelValues("ws", "ok").Inc()
	}
}

func roomClass(r models.Role) string {
	if r.Dispatcher() {
		return "operations"
	}
	return "driver"
}
