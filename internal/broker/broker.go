// Package broker fans events out to the live sessions of a conversation's
// participants. It owns the session index; nothing outside reaches into it.
package broker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"livethread/internal/logger"
	"livethread/internal/metrics"
	"livethread/internal/model"
)

const (
	shardCount = 64

	DefaultQueueSize        = 256
	DefaultHeartbeatTimeout = 150 * time.Second
	DefaultCacheSize        = 4096
)

// Directory resolves conversation membership
type Directory interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
}

type Options struct {
	QueueSize        int
	HeartbeatTimeout time.Duration
	// ReapInterval defaults to a third of HeartbeatTimeout
	ReapInterval time.Duration
	CacheSize    int
}

type bucket struct {
	sync.RWMutex
	users map[string]map[string]*Session
}

type Broker struct {
	shards [shardCount]*bucket

	dir          Directory
	participants *lru.Cache
	opts         Options
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a broker resolving membership through dir
func New(dir Directory, opts Options, m *metrics.Metrics, log *zap.Logger) (*Broker, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.HeartbeatTimeout / 3
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("participant cache: %w", err)
	}

	b := &Broker{
		dir:          dir,
		participants: cache,
		opts:         opts,
		metrics:      m,
		logger:       logger.OrNop(log),
		now:          time.Now,
	}
	for i := range b.shards {
		b.shards[i] = &bucket{users: make(map[string]map[string]*Session)}
	}
	return b, nil
}

func getShard(userID string) uint32 {
	if userID == "" {
		return 0
	}
	h := sha1.Sum([]byte(userID))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

// Subscribe registers a new session for userID. The session starts with a
// ready event queued and is open when returned.
func (b *Broker) Subscribe(userID string) *Session {
	now := b.now()
	s := newSession(uuid.NewString(), userID, b.opts.QueueSize, now)
	s.enqueue(model.NewReadyEvent(s.id, now))

	sh := b.shards[getShard(userID)]
	sh.Lock()
	sessions, ok := sh.users[userID]
	if !ok {
		sessions = make(map[string]*Session)
		sh.users[userID] = sessions
	}
	sessions[s.id] = s
	sh.Unlock()

	s.open()
	b.metrics.SessionOpened()
	b.logger.Info("session opened",
		zap.String("session_id", s.id),
		zap.String("user_id", userID),
	)
	return s
}

// Unsubscribe closes and removes the session. Calling it again is a no-op.
func (b *Broker) Unsubscribe(s *Session) {
	if s == nil {
		return
	}
	s.close(ReasonClient)
	if b.remove(s) {
		b.logger.Info("session closed",
			zap.String("session_id", s.id),
			zap.String("user_id", s.userID),
		)
	}
}

// remove reports whether s was still indexed
func (b *Broker) remove(s *Session) bool {
	sh := b.shards[getShard(s.userID)]
	sh.Lock()
	defer sh.Unlock()

	sessions, ok := sh.users[s.userID]
	if !ok {
		return false
	}
	if _, ok := sessions[s.id]; !ok {
		return false
	}
	delete(sessions, s.id)
	if len(sessions) == 0 {
		delete(sh.users, s.userID)
	}
	b.metrics.SessionClosed()
	return true
}

// Sessions returns a snapshot of userID's open sessions
func (b *Broker) Sessions(userID string) []*Session {
	sh := b.shards[getShard(userID)]
	sh.RLock()
	defer sh.RUnlock()

	out := make([]*Session, 0, len(sh.users[userID]))
	for _, s := range sh.users[userID] {
		out = append(out, s)
	}
	return out
}

// Count returns the number of open sessions
func (b *Broker) Count() int {
	n := 0
	for _, sh := range b.shards {
		sh.RLock()
		for _, sessions := range sh.users {
			n += len(sessions)
		}
		sh.RUnlock()
	}
	return n
}

// FocusedOn reports whether any of userID's sessions is viewing the conversation
func (b *Broker) FocusedOn(userID, conversationID string) bool {
	for _, s := range b.Sessions(userID) {
		if s.Focused() == conversationID {
			return true
		}
	}
	return false
}

// Remember caches a conversation's membership, which never changes
func (b *Broker) Remember(conv model.Conversation) {
	b.participants.Add(conv.ID, append([]string(nil), conv.Participants...))
}

func (b *Broker) participantsOf(ctx context.Context, conversationID string) ([]string, error) {
	if v, ok := b.participants.Get(conversationID); ok {
		return v.([]string), nil
	}
	conv, err := b.dir.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b.Remember(conv)
	return conv.Participants, nil
}

// Publish enqueues ev on every session of every participant of its
// conversation. It never blocks on a session and never fails the caller;
// problems are logged and counted.
func (b *Broker) Publish(ctx context.Context, ev model.Event) {
	convID := ev.ConversationID()
	if convID == "" {
		b.logger.Warn("event without conversation dropped", zap.String("kind", string(ev.Kind())))
		return
	}

	participants, err := b.participantsOf(ctx, convID)
	if err != nil {
		b.logger.Warn("fan-out skipped: participant lookup failed",
			zap.String("conversation_id", convID),
			zap.String("kind", string(ev.Kind())),
			zap.Error(err),
		)
		return
	}

	for _, uid := range participants {
		for _, s := range b.Sessions(uid) {
			b.deliver(s, ev)
		}
	}
}

func (b *Broker) deliver(s *Session, ev model.Event) {
	switch s.enqueue(ev) {
	case enqueued:
		b.metrics.Published(ev.Kind())
	case enqueuedDroppedTyping:
		b.metrics.Published(ev.Kind())
		b.metrics.Dropped(model.KindTyping)
	case droppedIncoming:
		b.metrics.Dropped(ev.Kind())
	case overflow:
		b.metrics.Dropped(ev.Kind())
		b.metrics.ForcedReconnect()
		b.remove(s)
		b.logger.Warn("session queue overflow, forcing reconnect",
			zap.String("session_id", s.id),
			zap.String("user_id", s.userID),
			zap.String("kind", string(ev.Kind())),
		)
	case sessionClosed:
		// closed between snapshot and enqueue
	}
}

// Reap closes sessions that have not sent a heartbeat within the timeout
// and returns how many it evicted.
func (b *Broker) Reap() int {
	now := b.now()

	var stale []*Session
	for _, sh := range b.shards {
		sh.RLock()
		for _, sessions := range sh.users {
			for _, s := range sessions {
				if s.silentSince(now) > b.opts.HeartbeatTimeout {
					stale = append(stale, s)
				}
			}
		}
		sh.RUnlock()
	}

	evicted := 0
	for _, s := range stale {
		if s.close(ReasonEvicted) {
			evicted++
			b.remove(s)
			b.metrics.Evicted()
			b.logger.Info("session evicted",
				zap.String("session_id", s.id),
				zap.String("user_id", s.userID),
				zap.Duration("silent_for", s.silentSince(now)),
			)
		}
	}
	return evicted
}

// Run reaps silent sessions until ctx is done, then closes every session
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return nil
		case <-ticker.C:
			b.Reap()
		}
	}
}

// Close ends every session so clients reconnect elsewhere
func (b *Broker) Close() {
	var all []*Session
	for _, sh := range b.shards {
		sh.RLock()
		for _, sessions := range sh.users {
			for _, s := range sessions {
				all = append(all, s)
			}
		}
		sh.RUnlock()
	}
	for _, s := range all {
		s.close(ReasonShutdown)
		b.remove(s)
	}
}
