package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundtable/internal/collab"
	"github.com/zulandar/roundtable/internal/session"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 30

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return "invalid_request"
}

// statusForError maps orchestrator errors onto HTTP status codes.
func statusForError(err error) int {
	var (
		ve *session.ValidationError
		ce *collab.CapacityError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce), errors.Is(err, collab.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrRealtimeDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError aborts the request with the standard error envelope.
func writeError(c *gin.Context, status int, message, field string) {
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, errorBody{
		Error: errorDetail{
			Code:    errorCodeForStatus(status),
			Message: message,
			Field:   field,
		},
	})
}

// writeErr maps err and writes it. Internal errors are logged and replaced
// with a generic message.
func (h *handlers) writeErr(c *gin.Context, err error) {
	status := statusForError(err)
	var ve *session.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(c, status, ve.Reason, ve.Field)
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		c.Error(err)
		writeError(c, status, "internal error", "")
	default:
		writeError(c, status, err.Error(), "")
	}
}
