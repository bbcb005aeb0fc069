package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"livethread/internal/chat"
	"livethread/internal/model"
)

type sendRequest struct {
	Content  string            `json:"content"`
	Type     model.MessageType `json:"type"`
	ClientID string            `json:"clientId"`
}

// SendMessage handles POST /conversations/{id}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	const route = "[POST /conversations/{id}/messages]"
	convID := mux.Vars(r)["id"]
	userID := UserID(r.Context())

	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.Logger.Info(route+" ❌ Bad Request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.Service.Send(r.Context(), chat.SendInput{
		ConversationID: convID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           req.Type,
		ClientID:       req.ClientID,
	})
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}

	h.Logger.Debug(route+" ✅ Created message",
		zap.Int64("message_id", msg.ID),
		zap.String("conversation_id", convID),
		zap.String("user_id", userID),
	)
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessages handles GET /conversations/{id}/messages?before=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	const route = "[GET /conversations/{id}/messages]"
	convID := mux.Vars(r)["id"]
	q := r.URL.Query()

	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = n
	}

	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	page, err := h.Service.Page(r.Context(), convID, UserID(r.Context()), before, limit)
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// MarkRead handles POST /conversations/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	const route = "[POST /conversations/{id}/read]"
	convID := mux.Vars(r)["id"]

	if _, err := h.Service.MarkRead(r.Context(), convID, UserID(r.Context())); err != nil {
		h.writeServiceError(w, route, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FirstUnread handles GET /conversations/{id}/first-unread
func (h *Handler) FirstUnread(w http.ResponseWriter, r *http.Request) {
	const route = "[GET /conversations/{id}/first-unread]"
	convID := mux.Vars(r)["id"]

	id, ok, err := h.Service.FirstUnread(r.Context(), convID, UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}

	resp := map[string]any{"messageId": nil}
	if ok {
		resp["messageId"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}
