package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"livethread/internal/model"
)

// Memory is an in-process Store used in development and tests
type Memory struct {
	mu            sync.RWMutex
	nextID        int64
	conversations map[string]*memConversation
	byKey         map[string]string
	now           func() time.Time
	last          time.Time
}

type memConversation struct {
	conv     model.Conversation
	messages []model.Message
	cursors  map[string]int64
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*memConversation),
		byKey:         make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateConversation(ctx context.Context, participants []string, topic string) (model.Conversation, bool, error) {
	ids, err := NormalizeParticipants(participants)
	if err != nil {
		return model.Conversation{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := participantKey(ids) + "#" + topic
	if id, ok := m.byKey[key]; ok {
		return m.snapshot(m.conversations[id]), false, nil
	}

	now := m.stamp()
	c := &memConversation{
		conv: model.Conversation{
			ID:           uuid.NewString(),
			Participants: ids,
			Topic:        topic,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		cursors: make(map[string]int64),
	}
	m.conversations[c.conv.ID] = c
	m.byKey[key] = c.conv.ID

	return m.snapshot(c), true, nil
}

func (m *Memory) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return model.Conversation{}, ErrConversationNotFound
	}
	return m.snapshot(c), nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Conversation
	for _, c := range m.conversations {
		if c.conv.HasParticipant(userID) {
			out = append(out, m.snapshot(c))
		}
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.member(conversationID, senderID)
	if err != nil {
		return model.Message{}, err
	}

	m.nextID++
	now := m.stamp()
	msg := model.Message{
		ID:             m.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      now,
		ReadBy:         []string{},
	}
	c.messages = append(c.messages, msg)
	c.conv.UpdatedAt = now

	return cloneMessage(msg), nil
}

func (m *Memory) Page(ctx context.Context, conversationID string, before int64, limit int) (model.Page, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return model.Page{}, ErrConversationNotFound
	}

	// messages are in id order, so the cut point is a binary search
	end := len(c.messages)
	if before > 0 {
		end, _ = slices.BinarySearchFunc(c.messages, before, func(msg model.Message, id int64) int {
			return cmp.Compare(msg.ID, id)
		})
	}
	start := max(0, end-limit)

	page := model.Page{Messages: make([]model.Message, 0, end-start)}
	for _, msg := range c.messages[start:end] {
		page.Messages = append(page.Messages, cloneMessage(msg))
	}
	if start > 0 {
		page.HasMore = true
		page.NextCursor = c.messages[start].ID
	}
	return page, nil
}

func (m *Memory) MarkRead(ctx context.Context, conversationID, readerID string) (model.ReadReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.member(conversationID, readerID)
	if err != nil {
		return model.ReadReceipt{}, err
	}

	cursor := c.cursors[readerID]
	if len(c.messages) == 0 {
		return model.ReadReceipt{Cursor: cursor}, nil
	}
	head := c.messages[len(c.messages)-1].ID
	if head <= cursor {
		return model.ReadReceipt{Cursor: cursor}, nil
	}

	count := 0
	for i := range c.messages {
		msg := &c.messages[i]
		if msg.ID <= cursor || msg.SenderID == readerID {
			continue
		}
		if !msg.IsReadBy(readerID) {
			msg.ReadBy = append(msg.ReadBy, readerID)
		}
		count++
	}
	c.cursors[readerID] = head

	return model.ReadReceipt{Cursor: head, Count: count}, nil
}

func (m *Memory) UnreadStates(ctx context.Context, userID string) (map[string]model.UnreadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.UnreadState)
	for id, c := range m.conversations {
		if !c.conv.HasParticipant(userID) {
			continue
		}
		st := model.UnreadState{Cursor: c.cursors[userID]}
		for _, msg := range c.messages {
			if msg.ID > st.Cursor && msg.SenderID != userID {
				st.Unread = append(st.Unread, msg.ID)
			}
		}
		out[id] = st
	}
	return out, nil
}

// stamp returns a strictly increasing timestamp so activity order is total
func (m *Memory) stamp() time.Time {
	now := m.now()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func (m *Memory) member(conversationID, userID string) (*memConversation, error) {
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !c.conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotAParticipant, userID, conversationID)
	}
	return c, nil
}

func (m *Memory) snapshot(c *memConversation) model.Conversation {
	conv := c.conv
	conv.Participants = slices.Clone(c.conv.Participants)
	if n := len(c.messages); n > 0 {
		last := cloneMessage(c.messages[n-1])
		conv.LastMessage = &last
	}
	return conv
}

func cloneMessage(msg model.Message) model.Message {
	msg.ReadBy = slices.Clone(msg.ReadBy)
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return msg
}
