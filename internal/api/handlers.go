package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/zulandar/roundtable/internal/collab"
	"github.com/zulandar/roundtable/internal/session"
)

func init() {
	binding.EnableDecoderDisallowUnknownFields = true
}

type handlers struct {
	orch           *collab.Orchestrator
	log            *slog.Logger
	maxBodyBytes   int64
	allowedOrigins []string
}

type startData struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	Phase     string         `json:"currentPhase"`
}

type responseMeta struct {
	ProcessingTime int64     `json:"processingTime"` // milliseconds
	Timestamp      time.Time `json:"timestamp"`
}

type startResponse struct {
	Success  bool         `json:"success"`
	Data     startData    `json:"data"`
	Metadata responseMeta `json:"metadata"`
}

type healthData struct {
	Status                string `json:"status"`
	ActiveSessions        int    `json:"activeSessions"`
	MaxConcurrentSessions int    `json:"maxConcurrentSessions"`
	Provider              string `json:"provider"`
	ProviderConfigured    bool   `json:"providerConfigured"`
	ProviderCircuit       string `json:"providerCircuit,omitempty"`
	Persistence           bool   `json:"persistence"`
	Realtime              bool   `json:"realtime"`
	Notifications         bool   `json:"notifications"`
}

// start handles POST /collaboration/start.
func (h *handlers) start(c *gin.Context) {
	began := time.Now()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	var req session.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		status, msg, field := decodeError(err)
		writeError(c, status, msg, field)
		return
	}

	handle, err := h.orch.Start(c.Request.Context(), req)
	if err != nil {
		h.writeErr(c, err)
		return
	}

	c.JSON(http.StatusOK, startResponse{
		Success: true,
		Data: startData{
			SessionID: handle.SessionID,
			Status:    handle.Status,
			Phase:     handle.Phase,
		},
		Metadata: responseMeta{
			ProcessingTime: time.Since(began).Milliseconds(),
			Timestamp:      time.Now().UTC(),
		},
	})
}

// health handles GET /collaboration/start.
func (h *handlers) health(c *gin.Context) {
	hl := h.orch.Health()
	status := "ok"
	if hl.ShuttingDown {
		status = "shutting_down"
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": healthData{
			Status:                status,
			ActiveSessions:        hl.ActiveSessions,
			MaxConcurrentSessions: hl.MaxConcurrentSessions,
			Provider:              hl.Provider,
			ProviderConfigured:    hl.Provider != "" && hl.Provider != "heuristic",
			ProviderCircuit:       hl.ProviderCircuit,
			Persistence:           hl.Persistence,
			Realtime:              hl.Realtime,
			Notifications:         hl.Notifications,
		},
	})
}

// status handles GET /collaboration/status/:sessionId.
func (h *handlers) status(c *gin.Context) {
	id := strings.TrimSpace(c.Param("sessionId"))
	if id == "" {
		writeError(c, http.StatusBadRequest, "session id is required", "sessionId")
		return
	}
	s, err := h.orch.Status(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s})
}

// decodeError turns a request body decoding failure into a status, message
// and offending field.
func decodeError(err error) (int, string, string) {
	var (
		maxErr    *http.MaxBytesError
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "request body too large", ""
	case errors.Is(err, io.EOF):
		return http.StatusBadRequest, "request body is required", ""
	case errors.As(err, &typeErr):
		return http.StatusBadRequest, "expected " + typeErr.Type.String(), typeErr.Field
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return http.StatusBadRequest, "malformed JSON", ""
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		field := strings.Trim(name, `"`)
		return http.StatusBadRequest, "unknown field", field
	}
	return http.StatusBadRequest, "invalid request body", ""
}
