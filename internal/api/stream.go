package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/roundtable/internal/events"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsPingPeriod      = 30 * time.Second
)

// typeSnapshot is the first message on every stream.
const typeSnapshot = "session.snapshot"

// stream handles GET /collaboration/stream/:sessionId. Lookup errors are
// reported as plain HTTP responses before the upgrade.
func (h *handlers) stream(c *gin.Context) {
	id := c.Param("sessionId")
	ch, cancel, snap, err := h.orch.Subscribe(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	// Reader: drain control frames and notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	first := events.Event{
		Type:      typeSnapshot,
		SessionID: snap.ID,
		Status:    string(snap.Status),
		Phase:     snap.Phase,
		Data:      snap,
		Timestamp: time.Now().UTC(),
	}
	if err := writeEvent(conn, first); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"), deadline)
				return
			}
			if err := writeEvent(conn, evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, evt events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(evt)
}

// originAllowed accepts requests without an Origin header, any origin when
// the allow list is empty, and otherwise exact matches or "*".
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, "*") || slices.ContainsFunc(allowed, func(a string) bool {
		return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(origin, "/"))
	})
}
