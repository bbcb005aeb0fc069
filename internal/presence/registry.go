// Package presence tracks who is online and who is typing. Nothing here is
// persisted; a restart simply forgets every signal.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"livethread/internal/logger"
	"livethread/internal/model"
)

const (
	DefaultOnlineWindow  = 5 * time.Minute
	DefaultTypingTTL     = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// Publisher receives typing transitions
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

type Options struct {
	OnlineWindow  time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration
}

type Registry struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	// conversationID -> userID -> expiry
	typing map[string]map[string]time.Time

	opts      Options
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates a registry; zero options take the defaults
func NewRegistry(opts Options, publisher Publisher, log *zap.Logger) *Registry {
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		lastSeen:  make(map[string]time.Time),
		typing:    make(map[string]map[string]time.Time),
		opts:      opts,
		publisher: publisher,
		logger:    logger.OrNop(log),
		now:       time.Now,
	}
}

// Heartbeat records that userID is alive
func (r *Registry) Heartbeat(userID string) {
	r.mu.Lock()
	r.lastSeen[userID] = r.now()
	r.mu.Unlock()
}

// Online reports whether userID has sent a heartbeat within the window
func (r *Registry) Online(userID string) bool {
	return r.Presence(userID).Online
}

func (r *Registry) Presence(userID string) model.Presence {
	r.mu.Lock()
	seen, ok := r.lastSeen[userID]
	r.mu.Unlock()

	p := model.Presence{UserID: userID}
	if ok {
		p.LastSeen = seen
		p.Online = r.now().Sub(seen) < r.opts.OnlineWindow
	}
	return p
}

// SetTyping upserts or clears a typing signal. Repeating "started" only
// extends the TTL; events go out on transitions.
func (r *Registry) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	now := r.now()

	r.mu.Lock()
	r.lastSeen[userID] = now
	users := r.typing[conversationID]
	_, active := users[userID]

	changed := false
	if isTyping {
		if users == nil {
			users = make(map[string]time.Time)
			r.typing[conversationID] = users
		}
		users[userID] = now.Add(r.opts.TypingTTL)
		changed = !active
	} else if active {
		r.remove(conversationID, userID)
		changed = true
	}
	r.mu.Unlock()

	if changed && r.publisher != nil {
		r.publisher.Publish(ctx, model.NewTypingEvent(conversationID, userID, isTyping, now))
	}
}

// remove drops a signal; r.mu must be held
func (r *Registry) remove(conversationID, userID string) {
	users := r.typing[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(r.typing, conversationID)
	}
}

// Typing lists the live typing signals in a conversation
func (r *Registry) Typing(conversationID string) []model.TypingSignal {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.TypingSignal
	for uid, exp := range r.typing[conversationID] {
		if exp.After(now) {
			out = append(out, model.TypingSignal{ConversationID: conversationID, UserID: uid, ExpiresAt: exp})
		}
	}
	slices.SortFunc(out, func(a, b model.TypingSignal) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	return out
}

// Sweep evicts expired typing signals and publishes their removal.
// It returns the number evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	var expired []model.TypingSignal
	r.mu.Lock()
	for convID, users := range r.typing {
		for uid, exp := range users {
			if !exp.After(now) {
				expired = append(expired, model.TypingSignal{ConversationID: convID, UserID: uid, ExpiresAt: exp})
			}
		}
	}
	for _, sig := range expired {
		r.remove(sig.ConversationID, sig.UserID)
	}
	r.mu.Unlock()

	for _, sig := range expired {
		r.logger.Debug("typing signal expired",
			zap.String("conversation_id", sig.ConversationID),
			zap.String("user_id", sig.UserID),
		)
		if r.publisher != nil {
			r.publisher.Publish(ctx, model.NewTypingEvent(sig.ConversationID, sig.UserID, false, now))
		}
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
