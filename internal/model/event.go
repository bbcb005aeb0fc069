package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrUnknownFrame = errors.New("unknown client frame")
)

// EventKind names an event on the live stream
type EventKind string

const (
	KindReady             EventKind = "ready"
	KindMessage           EventKind = "message"
	KindRead              EventKind = "read"
	KindTyping            EventKind = "typing"
	KindConversationStart EventKind = "conversation-start"
)

// Critical events must reach the session or force it to reconnect.
// Typing is the only kind that may be dropped under pressure.
func (k EventKind) Critical() bool {
	return k != KindTyping
}

// Payload is implemented only by the event types in this package
type Payload interface {
	Kind() EventKind
	ConversationRef() string
	isPayload()
}

// Ready is sent once when a live session opens
type Ready struct {
	SessionID  string    `json:"sessionId"`
	ServerTime time.Time `json:"serverTime"`
}

// MessageAppended announces a new message in a conversation
type MessageAppended struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ReadUpdated announces that a reader's cursor moved forward
type ReadUpdated struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	Cursor         int64     `json:"cursor"`
	ReadAt         time.Time `json:"readAt"`
}

// TypingChanged announces a typing start or stop
type TypingChanged struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	At             time.Time `json:"at"`
}

// ConversationStarted announces a conversation involving the receiver
type ConversationStarted struct {
	ConversationID string       `json:"conversationId"`
	Conversation   Conversation `json:"conversation"`
}

func (Ready) Kind() EventKind               { return KindReady }
func (MessageAppended) Kind() EventKind     { return KindMessage }
func (ReadUpdated) Kind() EventKind         { return KindRead }
func (TypingChanged) Kind() EventKind       { return KindTyping }
func (ConversationStarted) Kind() EventKind { return KindConversationStart }

func (Ready) ConversationRef() string                 { return "" }
func (p MessageAppended) ConversationRef() string     { return p.ConversationID }
func (p ReadUpdated) ConversationRef() string         { return p.ConversationID }
func (p TypingChanged) ConversationRef() string       { return p.ConversationID }
func (p ConversationStarted) ConversationRef() string { return p.ConversationID }

func (Ready) isPayload()               {}
func (MessageAppended) isPayload()     {}
func (ReadUpdated) isPayload()         {}
func (TypingChanged) isPayload()       {}
func (ConversationStarted) isPayload() {}

// Event is one item of a session's stream
type Event struct {
	Payload Payload
}

// Kind returns the event kind, empty for a zero Event
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// ConversationID returns the conversation the event belongs to
func (e Event) ConversationID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.ConversationRef()
}

func NewReadyEvent(sessionID string, now time.Time) Event {
	return Event{Payload: Ready{SessionID: sessionID, ServerTime: now}}
}

func NewMessageEvent(msg Message) Event {
	return Event{Payload: MessageAppended{ConversationID: msg.ConversationID, Message: msg}}
}

func NewReadEvent(conversationID, readerID string, cursor int64, at time.Time) Event {
	return Event{Payload: ReadUpdated{ConversationID: conversationID, ReaderID: readerID, Cursor: cursor, ReadAt: at}}
}

func NewTypingEvent(conversationID, userID string, isTyping bool, at time.Time) Event {
	return Event{Payload: TypingChanged{ConversationID: conversationID, UserID: userID, IsTyping: isTyping, At: at}}
}

func NewConversationStartEvent(conv Conversation) Event {
	return Event{Payload: ConversationStarted{ConversationID: conv.ID, Conversation: conv}}
}

// Envelope is the wire shape of an event
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as an Envelope
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrUnknownEvent
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Payload.Kind(), Data: data})
}

// UnmarshalJSON decodes an Envelope, rejecting kinds it does not know
func (e *Event) UnmarshalJSON(b []byte) error {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var p Payload
	var err error
	switch env.Event {
	case KindReady:
		p, err = decodePayload[Ready](env.Data)
	case KindMessage:
		p, err = decodePayload[MessageAppended](env.Data)
	case KindRead:
		p, err = decodePayload[ReadUpdated](env.Data)
	case KindTyping:
		p, err = decodePayload[TypingChanged](env.Data)
	case KindConversationStart:
		p, err = decodePayload[ConversationStarted](env.Data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}

	e.Payload = p
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// ClientFrameType names a frame sent by the client on the live stream
type ClientFrameType string

const (
	FrameHeartbeat ClientFrameType = "heartbeat"
	FrameFocus     ClientFrameType = "focus"
	FrameBlur      ClientFrameType = "blur"
)

// ClientFrame is a client-to-server message on the live stream
type ClientFrame struct {
	Type           ClientFrameType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// Validate rejects unknown frame types and focus frames without a target
func (f ClientFrame) Validate() error {
	switch f.Type {
	case FrameHeartbeat, FrameBlur:
		return nil
	case FrameFocus:
		if f.ConversationID == "" {
			return fmt.Errorf("%w: focus requires conversationId", ErrUnknownFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}
