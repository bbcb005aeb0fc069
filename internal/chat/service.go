// Package chat orchestrates a conversation action: the store first, then
// read state, then fan-out. Store errors reach the caller; fan-out never
// does.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"livethread/internal/logger"
	"livethread/internal/metrics"
	"livethread/internal/model"
	"livethread/internal/presence"
	"livethread/internal/readstate"
	"livethread/internal/store"
)

var (
	ErrEmptyContent       = errors.New("message content is empty")
	ErrContentTooLong     = errors.New("message content is too long")
	ErrInvalidMessageType = errors.New("invalid message type")
)

const (
	DefaultMaxContentLength = 1000
	conversationListLimit   = 50
)

// Broker is the fan-out the service publishes to
type Broker interface {
	Publish(ctx context.Context, ev model.Event)
	FocusedOn(userID, conversationID string) bool
	Remember(conv model.Conversation)
}

type Service struct {
	store    store.Store
	tracker  *readstate.Tracker
	presence *presence.Registry
	broker   Broker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	maxContentLength int
	now              func() time.Time
}

type Deps struct {
	Store            store.Store
	Tracker          *readstate.Tracker
	Presence         *presence.Registry
	Broker           Broker
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	MaxContentLength int
}

func NewService(d Deps) *Service {
	if d.MaxContentLength <= 0 {
		d.MaxContentLength = DefaultMaxContentLength
	}
	return &Service{
		store:            d.Store,
		tracker:          d.Tracker,
		presence:         d.Presence,
		broker:           d.Broker,
		metrics:          d.Metrics,
		logger:           logger.OrNop(d.Logger),
		maxContentLength: d.MaxContentLength,
		now:              time.Now,
	}
}

// SendInput is a message as submitted by a client
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           model.MessageType
	ClientID       string
}

// validate normalizes content and type before anything reaches the store
func (s *Service) validate(content string, typ model.MessageType) (string, model.MessageType, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.maxContentLength {
		return "", "", fmt.Errorf("%w: max %d characters", ErrContentTooLong, s.maxContentLength)
	}
	if typ == "" {
		typ = model.MessageText
	}
	if !typ.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidMessageType, typ)
	}
	return content, typ, nil
}

// member loads the conversation and checks userID belongs to it
func (s *Service) member(ctx context.Context, conversationID, userID string) (model.Conversation, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return model.Conversation{}, fmt.Errorf("%w: %s in %s", store.ErrNotAParticipant, userID, conversationID)
	}
	return conv, nil
}

// Send appends a message and notifies the conversation. Recipients
// currently viewing the conversation have it acknowledged on their behalf.
func (s *Service) Send(ctx context.Context, in SendInput) (model.Message, error) {
	content, typ, err := s.validate(in.Content, in.Type)
	if err != nil {
		return model.Message{}, err
	}

	conv, err := s.member(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return model.Message{}, err
	}
	s.broker.Remember(conv)

	msg, err := s.store.Append(ctx, in.ConversationID, in.SenderID, content, typ)
	if err != nil {
		return model.Message{}, err
	}
	msg.ClientID = in.ClientID

	grew := s.tracker.Appended(msg, conv.Participants)
	s.metrics.UnreadChanged(len(grew))

	s.presence.Heartbeat(in.SenderID)
	s.presence.SetTyping(ctx, in.ConversationID, in.SenderID, false)
	s.broker.Publish(ctx, model.NewMessageEvent(msg))

	for _, uid := range grew {
		if !s.broker.FocusedOn(uid, in.ConversationID) {
			continue
		}
		if _, err := s.MarkRead(ctx, in.ConversationID, uid); err != nil {
			s.logger.Warn("auto mark read failed",
				zap.String("conversation_id", in.ConversationID),
				zap.String("user_id", uid),
				zap.Error(err),
			)
		}
	}

	return msg, nil
}

// MarkRead acknowledges everything in the conversation for readerID.
// Repeating it is harmless.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (model.ReadReceipt, error) {
	receipt, err := s.store.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return model.ReadReceipt{}, err
	}

	covered := s.tracker.Advance(readerID, conversationID, receipt.Cursor)
	s.metrics.UnreadChanged(covered)
	s.presence.Heartbeat(readerID)

	if receipt.Count > 0 || covered > 0 {
		s.broker.Publish(ctx, model.NewReadEvent(conversationID, readerID, receipt.Cursor, s.now()))
	}
	return receipt, nil
}

// SetTyping forwards a typing ping from a participant
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	conv, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.broker.Remember(conv)
	s.presence.SetTyping(ctx, conversationID, userID, isTyping)
	return nil
}

// StartInput opens or reuses a conversation
type StartInput struct {
	CreatorID      string
	Participants   []string
	Topic          string
	InitialMessage string
	ClientID       string
}

type StartResult struct {
	Conversation model.Conversation `json:"conversation"`
	Created      bool               `json:"created"`
	Message      *model.Message     `json:"message,omitempty"`
}

// StartConversation finds or creates the conversation between the creator
// and the given participants, optionally sending a first message.
func (s *Service) StartConversation(ctx context.Context, in StartInput) (StartResult, error) {
	initial := strings.TrimSpace(in.InitialMessage)
	if initial != "" {
		if _, _, err := s.validate(initial, model.MessageText); err != nil {
			return StartResult{}, err
		}
	}

	participants := append([]string{in.CreatorID}, in.Participants...)
	conv, created, err := s.store.CreateConversation(ctx, participants, strings.TrimSpace(in.Topic))
	if err != nil {
		return StartResult{}, err
	}

	s.broker.Remember(conv)
	s.presence.Heartbeat(in.CreatorID)

	if created {
		s.logger.Info("conversation started",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", in.CreatorID),
			zap.Int("participants", len(conv.Participants)),
		)
		s.broker.Publish(ctx, model.NewConversationStartEvent(conv))
	}

	res := StartResult{Conversation: conv, Created: created}
	if initial != "" {
		msg, err := s.Send(ctx, SendInput{
			ConversationID: conv.ID,
			SenderID:       in.CreatorID,
			Content:        initial,
			ClientID:       in.ClientID,
		})
		if err != nil {
			return res, err
		}
		res.Message = &msg
		res.Conversation.LastMessage = &msg
	}
	return res, nil
}

// ListConversations returns userID's conversations, most recent first,
// each with its unread count.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	convs, err := s.store.ListConversations(ctx, userID, conversationListLimit)
	if err != nil {
		return nil, err
	}
	s.presence.Heartbeat(userID)

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		n, err := s.tracker.UnreadCount(ctx, userID, conv.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.ConversationSummary{Conversation: conv, UnreadCount: n})
	}
	return out, nil
}

// UnreadSummary returns the badge data for userID
func (s *Service) UnreadSummary(ctx context.Context, userID string) (model.UnreadSummary, error) {
	return s.tracker.Summary(ctx, userID)
}

// FirstUnread returns the id of the oldest message userID has not read
func (s *Service) FirstUnread(ctx context.Context, conversationID, userID string) (int64, bool, error) {
	if _, err := s.member(ctx, conversationID, userID); err != nil {
		return 0, false, err
	}
	return s.tracker.FirstUnread(ctx, userID, conversationID)
}

// Page returns history for a participant
func (s *Service) Page(ctx context.Context, conversationID, userID string, before int64, limit int) (model.Page, error) {
	if _, err := s.member(ctx, conversationID, userID); err != nil {
		return model.Page{}, err
	}
	return s.store.Page(ctx, conversationID, before, limit)
}

func (s *Service) Heartbeat(userID string) {
	s.presence.Heartbeat(userID)
}

func (s *Service) Presence(userID string) model.Presence {
	return s.presence.Presence(userID)
}

// Ping checks the store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
