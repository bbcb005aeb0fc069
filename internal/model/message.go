package model

import (
	"slices"
	"time"
)

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Valid reports whether t is one of the accepted message types
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage
}

// Message represents a chat message in a conversation.
// ID is assigned by the store and increases with insertion order.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadBy         []string    `json:"readBy"`

	// ClientID echoes the sender's temporary id so the sender's other
	// sessions can match the event against their optimistic placeholder.
	ClientID string `json:"clientId,omitempty"`
}

// IsReadBy reports whether userID has acknowledged the message
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Page is one slice of a conversation's history, oldest first.
// NextCursor is the id to pass as "before" to fetch the preceding page.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor int64     `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}
