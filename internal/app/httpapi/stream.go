package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var auditUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamAudit upgrades to a websocket connection and streams audit events:
// first the retained backlog, then live events as the executor records them.
// Grounded on the C5 audit.Hub ring-buffer/subscribe pair.
func (h *handler) streamAudit(w http.ResponseWriter, r *http.Request) {
	conn, err := auditUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("error", err).Warn("audit stream upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.audit.Subscribe()
	defer cancel()

	for _, ev := range h.audit.Recent(0) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
