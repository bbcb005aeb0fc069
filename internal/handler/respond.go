package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"livethread/internal/chat"
	"livethread/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "Too many requests")
}

// writeServiceError maps service and store errors onto HTTP statuses
func (h *Handler) writeServiceError(w http.ResponseWriter, route string, err error) {
	status, msg := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		status, msg = http.StatusBadRequest, "content is required"
	case errors.Is(err, chat.ErrContentTooLong):
		status, msg = http.StatusBadRequest, "content is too long"
	case errors.Is(err, chat.ErrInvalidMessageType):
		status, msg = http.StatusBadRequest, "invalid message type"
	case errors.Is(err, store.ErrInvalidParticipants):
		status, msg = http.StatusBadRequest, "at least one other participant is required"
	case errors.Is(err, store.ErrNotAParticipant):
		status, msg = http.StatusForbidden, "Forbidden"
	case errors.Is(err, store.ErrConversationNotFound):
		status, msg = http.StatusNotFound, "Conversation not found"
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error(route+" ❌ Store error", zap.Error(err))
	} else {
		h.Logger.Info(route+" ❌ Rejected", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, msg)
}

// decodeBody limits the request body to 1MB and decodes it into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
