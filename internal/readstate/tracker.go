// Package readstate keeps per-user read cursors and unread counts in memory.
//
// Each (user, conversation) entry holds the cursor and the ascending ids of
// messages from others past it, so the unread count is the length of that
// list and every update is an idempotent set operation: inserting an id
// already present, or advancing to a cursor already passed, changes nothing.
// That makes replays and hydration merges safe in any order.
package readstate

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"livethread/internal/logger"
	"livethread/internal/model"
)

const shardCount = 32

// Source seeds a user's state the first time the tracker touches them
type Source interface {
	UnreadStates(ctx context.Context, userID string) (map[string]model.UnreadState, error)
}

type Tracker struct {
	shards [shardCount]*shard
	source Source
	group  singleflight.Group
	logger *zap.Logger
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	convs  map[string]*entry
	total  int
	loaded bool
}

type entry struct {
	cursor int64
	unread []int64
}

// New creates a tracker that hydrates users from source on first use
func New(source Source, log *zap.Logger) *Tracker {
	t := &Tracker{
		source: source,
		logger: logger.OrNop(log),
	}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[string]*userState)}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

func (s *shard) state(userID string) *userState {
	st, ok := s.users[userID]
	if !ok {
		st = &userState{convs: make(map[string]*entry)}
		s.users[userID] = st
	}
	return st
}

func (st *userState) entry(conversationID string) *entry {
	e, ok := st.convs[conversationID]
	if !ok {
		e = &entry{}
		st.convs[conversationID] = e
	}
	return e
}

// insert adds id to the unread list, reporting whether it was new
func (e *entry) insert(id int64) bool {
	if id <= e.cursor {
		return false
	}
	n := len(e.unread)
	if n == 0 || e.unread[n-1] < id {
		e.unread = append(e.unread, id)
		return true
	}
	i, found := slices.BinarySearch(e.unread, id)
	if found {
		return false
	}
	e.unread = slices.Insert(e.unread, i, id)
	return true
}

// advance moves the cursor forward and drops covered ids
func (e *entry) advance(cursor int64) int {
	if cursor <= e.cursor {
		return 0
	}
	e.cursor = cursor
	i, found := slices.BinarySearch(e.unread, cursor)
	if found {
		i++
	}
	e.unread = slices.Clone(e.unread[i:])
	return i
}

// Appended counts msg as unread for every participant except its sender.
// It returns the recipients whose count grew.
func (t *Tracker) Appended(msg model.Message, participants []string) []string {
	var grew []string
	for _, uid := range participants {
		if uid == msg.SenderID {
			continue
		}
		s := t.shardFor(uid)
		s.mu.Lock()
		st := s.state(uid)
		if st.entry(msg.ConversationID).insert(msg.ID) {
			st.total++
			grew = append(grew, uid)
		}
		s.mu.Unlock()
	}
	return grew
}

// Advance moves userID's cursor forward to cursor and returns how many
// unread messages it covered. Cursors never move backwards.
func (t *Tracker) Advance(userID, conversationID string, cursor int64) int {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(userID)
	covered := st.entry(conversationID).advance(cursor)
	st.total -= covered
	return covered
}

// Cursor returns userID's current read position in the conversation
func (t *Tracker) Cursor(userID, conversationID string) int64 {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.state(userID).convs[conversationID]; ok {
		return e.cursor
	}
	return 0
}

// UnreadCount returns the unread messages for userID in one conversation
func (t *Tracker) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	if err := t.ensureLoaded(ctx, userID); err != nil {
		return 0, err
	}

	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.state(userID).convs[conversationID]; ok {
		return len(e.unread), nil
	}
	return 0, nil
}

// TotalUnread returns the unread messages for userID across conversations
func (t *Tracker) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := t.ensureLoaded(ctx, userID); err != nil {
		return 0, err
	}

	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(userID).total, nil
}

// Summary returns the badge data for userID; conversations with nothing
// unread are omitted.
func (t *Tracker) Summary(ctx context.Context, userID string) (model.UnreadSummary, error) {
	if err := t.ensureLoaded(ctx, userID); err != nil {
		return model.UnreadSummary{}, err
	}

	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(userID)
	sum := model.UnreadSummary{
		Total:           st.total,
		PerConversation: make(map[string]int),
		Newest:          make(map[string]int64),
	}
	for id, e := range st.convs {
		if n := len(e.unread); n > 0 {
			sum.PerConversation[id] = n
			sum.Newest[id] = e.unread[n-1]
		}
	}
	return sum, nil
}

// FirstUnread returns the oldest unread message id, if any
func (t *Tracker) FirstUnread(ctx context.Context, userID, conversationID string) (int64, bool, error) {
	if err := t.ensureLoaded(ctx, userID); err != nil {
		return 0, false, err
	}

	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.state(userID).convs[conversationID]; ok && len(e.unread) > 0 {
		return e.unread[0], true, nil
	}
	return 0, false, nil
}

// ensureLoaded merges the stored state for userID once. Concurrent callers
// share one fetch.
func (t *Tracker) ensureLoaded(ctx context.Context, userID string) error {
	s := t.shardFor(userID)
	s.mu.Lock()
	loaded := s.state(userID).loaded
	s.mu.Unlock()
	if loaded || t.source == nil {
		return nil
	}

	_, err, _ := t.group.Do(userID, func() (any, error) {
		states, err := t.source.UnreadStates(ctx, userID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		st := s.state(userID)
		if st.loaded {
			return nil, nil
		}
		for convID, snap := range states {
			e := st.entry(convID)
			e.advance(snap.Cursor)
			for _, id := range snap.Unread {
				e.insert(id)
			}
		}
		st.total = 0
		for _, e := range st.convs {
			st.total += len(e.unread)
		}
		st.loaded = true

		t.logger.Debug("read state hydrated",
			zap.String("user_id", userID),
			zap.Int("conversations", len(states)),
			zap.Int("unread_total", st.total),
		)
		return nil, nil
	})
	return err
}
