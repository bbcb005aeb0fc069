package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"livethread/internal/auth"
	"livethread/internal/broker"
	"livethread/internal/chat"
	"livethread/internal/config"
	"livethread/internal/logger"
	"livethread/internal/metrics"
	"livethread/internal/ratelimit"
)

// Handler holds application dependencies
type Handler struct {
	Service *chat.Service
	Broker  *broker.Broker
	Auth    *auth.Verifier
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
	Config  config.Config
	Logger  *zap.Logger
}

// New creates a new Handler with the given dependencies
func New(svc *chat.Service, b *broker.Broker, verifier *auth.Verifier, limiter ratelimit.Limiter, m *metrics.Metrics, cfg config.Config, log *zap.Logger) *Handler {
	return &Handler{
		Service: svc,
		Broker:  b,
		Auth:    verifier,
		Limiter: limiter,
		Metrics: m,
		Config:  cfg,
		Logger:  logger.OrNop(log),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// 会話
	r.HandleFunc("/conversations", h.authed(ratelimit.ProfileConversations, h.ListConversations)).Methods("GET")
	r.HandleFunc("/conversations", h.authed(ratelimit.ProfileStart, h.StartConversation)).Methods("POST")
	r.HandleFunc("/conversations/{id}/messages", h.authed(ratelimit.ProfileConversations, h.GetMessages)).Methods("GET")
	r.HandleFunc("/conversations/{id}/messages", h.authed(ratelimit.ProfileSend, h.SendMessage)).Methods("POST")
	r.HandleFunc("/conversations/{id}/read", h.authed(ratelimit.ProfileRead, h.MarkRead)).Methods("POST")
	r.HandleFunc("/conversations/{id}/typing", h.authed(ratelimit.ProfileTyping, h.Typing)).Methods("POST")
	r.HandleFunc("/conversations/{id}/first-unread", h.authed(ratelimit.ProfileUnread, h.FirstUnread)).Methods("GET")
	r.HandleFunc("/unread", h.authed(ratelimit.ProfileUnread, h.Unread)).Methods("GET")

	// プレゼンス
	r.HandleFunc("/presence/heartbeat", h.authed(ratelimit.ProfileHeartbeat, h.Heartbeat)).Methods("POST")
	r.HandleFunc("/presence/{userId}", h.authed(ratelimit.ProfileHeartbeat, h.GetPresence)).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	// 運用
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")
	}

	return r
}

type userKey struct{}

// UserID returns the authenticated caller stored by authed
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(userKey{}).(string)
	return uid
}

// authed authenticates the caller and applies the profile's rate limit.
// Typing pings over the limit are swallowed with 204.
func (h *Handler) authed(profile ratelimit.Profile, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.Auth.Authenticate(r)
		if err != nil {
			h.Logger.Info("❌ Unauthorized",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if h.Limiter != nil {
			d, err := h.Limiter.Allow(r.Context(), profile, userID)
			if err != nil {
				// リミッター障害時は通す
				h.Logger.Warn("rate limiter unavailable", zap.String("profile", string(profile)), zap.Error(err))
			} else if !d.Allowed {
				if profile == ratelimit.ProfileTyping {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				writeRateLimited(w, d.RetryAfter)
				return
			}
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Ping(r.Context()); err != nil {
		h.Logger.Error("[GET /healthz] ❌ Store unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.Broker.Count(),
	})
}
