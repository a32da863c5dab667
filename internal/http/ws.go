package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/jetci/EMS-sub006/internal/models"
)

var upgrader = websocket.Upgrader{}

// handleWS upgrades a dispatcher console or driver device connection
// and parks it in the hub. The socket is receive-only from the client's
// point of view; reads here only service close/ping frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	role := models.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get("X-Actor-Role"))))
	if id == "" || role == "" {
		// browsers cannot set headers on websocket dials, allow query params
		id = r.URL.Query().Get("actor_id")
		role = models.Role(strings.ToUpper(r.URL.Query().Get("actor_role")))
	}
	if id == "" || role == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "actor identity required", 0))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Hub.Add(id, role, conn)

	go func() {
		defer s.Hub.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
