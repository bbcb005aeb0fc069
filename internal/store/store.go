// Package store holds the durable message log contract and its
// implementations. The store is the only writer of message content.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"livethread/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotAParticipant      = errors.New("not a participant")
	ErrInvalidParticipants  = errors.New("a conversation needs at least two distinct participants")
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// MessageStore is the append-only per-conversation log
type MessageStore interface {
	Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (model.Message, error)
	// Page returns up to limit messages older than before (0 = newest), oldest first.
	Page(ctx context.Context, conversationID string, before int64, limit int) (model.Page, error)
	// MarkRead moves readerID's cursor to the newest message and reports how
	// many messages from others it newly covers.
	MarkRead(ctx context.Context, conversationID, readerID string) (model.ReadReceipt, error)
}

// Directory resolves conversations and their fixed membership
type Directory interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	// CreateConversation returns the existing conversation with the same
	// members and topic, or creates it. created reports which happened.
	CreateConversation(ctx context.Context, participants []string, topic string) (conv model.Conversation, created bool, err error)
	ListConversations(ctx context.Context, userID string, limit int) ([]model.Conversation, error)
}

// ReadStateSource seeds the read-state tracker for one user
type ReadStateSource interface {
	UnreadStates(ctx context.Context, userID string) (map[string]model.UnreadState, error)
}

// Store is everything the service needs from persistence
type Store interface {
	MessageStore
	Directory
	ReadStateSource
	Ping(ctx context.Context) error
}

// ClampLimit keeps a page size within [1, MaxPageSize]
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// NormalizeParticipants de-duplicates ids, keeping first-seen order, and
// rejects sets with fewer than two members.
func NormalizeParticipants(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	if len(out) < 2 {
		return nil, ErrInvalidParticipants
	}
	return out, nil
}

// participantKey identifies a member set regardless of order
func participantKey(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return strings.Join(sorted, "|")
}
