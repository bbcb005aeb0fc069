package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"livethread/internal/chat"
)

type startRequest struct {
	Participants   []string `json:"participants"`
	Topic          string   `json:"topic"`
	InitialMessage string   `json:"initialMessage"`
	ClientID       string   `json:"clientId"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// ListConversations handles GET /conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	const route = "[GET /conversations]"

	list, err := h.Service.ListConversations(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// StartConversation handles POST /conversations
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	const route = "[POST /conversations]"
	userID := UserID(r.Context())

	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.Logger.Info(route+" ❌ Bad Request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.Service.StartConversation(r.Context(), chat.StartInput{
		CreatorID:      userID,
		Participants:   req.Participants,
		Topic:          req.Topic,
		InitialMessage: req.InitialMessage,
		ClientID:       req.ClientID,
	})
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// Typing handles POST /conversations/{id}/typing
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	const route = "[POST /conversations/{id}/typing]"
	convID := mux.Vars(r)["id"]

	var req typingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.Service.SetTyping(r.Context(), convID, UserID(r.Context()), req.IsTyping); err != nil {
		h.writeServiceError(w, route, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unread handles GET /unread
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	const route = "[GET /unread]"

	sum, err := h.Service.UnreadSummary(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, route, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Heartbeat handles POST /presence/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.Service.Heartbeat(UserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// GetPresence handles GET /presence/{userId}
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Presence(mux.Vars(r)["userId"]))
}
