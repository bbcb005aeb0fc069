package model

import (
	"slices"
	"time"
)

// Conversation is a fixed-membership thread between two or more users
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	Topic        string    `json:"topic,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
}

// HasParticipant reports whether userID is a member of the conversation
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Others returns every participant except userID
func (c Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// ConversationSummary is a conversation as listed for one user
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unreadCount"`
}

// ReadCursor points at the newest message a user has acknowledged
type ReadCursor struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ReadReceipt is the durable outcome of a mark-read
type ReadReceipt struct {
	Cursor int64 `json:"cursor"`
	Count  int   `json:"count"`
}

// UnreadState is a user's stored read position in one conversation along
// with the ids of messages from others past that position, ascending.
type UnreadState struct {
	Cursor int64
	Unread []int64
}

// UnreadSummary is the unread badge data for one user
type UnreadSummary struct {
	Total           int              `json:"total"`
	PerConversation map[string]int   `json:"perConversation"`
	// Newest is the latest unread message id per conversation
	Newest          map[string]int64 `json:"newest,omitempty"`
}

// TypingSignal is an ephemeral "user is typing" marker
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// LiveSession describes one open push connection
type LiveSession struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Presence is the liveness view of a user
type Presence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}
