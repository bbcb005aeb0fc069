package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"livethread/internal/model"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultReconnectingAfter = 5 * time.Second
	DefaultPageSize          = 30
)

// API is the request/response side of the server
type API interface {
	Page(ctx context.Context, conversationID string, before int64, limit int) (model.Page, error)
	Send(ctx context.Context, conversationID, content, clientID string) (model.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Unread(ctx context.Context) (model.UnreadSummary, error)
}

// Stream is one live connection
type Stream interface {
	Recv(ctx context.Context) (model.Event, error)
	Send(ctx context.Context, frame model.ClientFrame) error
	Close() error
}

// Dialer opens live connections
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// State is the connection lifecycle
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	HeartbeatInterval time.Duration
	// ReconnectingAfter is how long the connection must stay down before
	// Reconnecting reports true
	ReconnectingAfter time.Duration
	PageSize          int
	NewBackOff        func() backoff.BackOff
	// OnEvent sees every event after views have applied it
	OnEvent func(model.Event)
	// OnState sees every state transition
	OnState func(State)
}

// NewBackOff returns the reconnect schedule: 1s doubling to 30s with 20%
// jitter, never giving up.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Conn keeps one user's local state in step with the server
type Conn struct {
	me     string
	api    API
	dialer Dialer
	opts   Options
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	downSince time.Time
	stream    Stream
	focused   string
	views     map[string]*View
	unread    model.UnreadSummary
	// highest message id folded into unread, per conversation
	counted   map[string]int64
	resyncs   int
}

func New(me string, api API, dialer Dialer, opts Options, log *zap.Logger) *Conn {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectingAfter <= 0 {
		opts.ReconnectingAfter = DefaultReconnectingAfter
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = NewBackOff
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		me:      me,
		api:     api,
		dialer:  dialer,
		opts:    opts,
		log:     log,
		now:     time.Now,
		views:   make(map[string]*View),
		unread:  model.UnreadSummary{PerConversation: map[string]int{}},
		counted: make(map[string]int64),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnecting reports a sustained outage worth showing to the user
func (c *Conn) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.downSince.IsZero() && c.now().Sub(c.downSince) >= c.opts.ReconnectingAfter
}

// Resyncs counts completed full resyncs
func (c *Conn) Resyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	switch s {
	case StateOpen, StateClosed:
		c.downSince = time.Time{}
	case StateDegraded:
		if c.downSince.IsZero() {
			c.downSince = c.now()
		}
	}
	c.mu.Unlock()

	c.log.Debug("connection state", zap.Stringer("state", s))
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run connects and keeps reconnecting until ctx is done
func (c *Conn) Run(ctx context.Context) error {
	bo := c.opts.NewBackOff()
	defer c.setState(StateClosed)

	for {
		c.setState(StateConnecting)
		err := c.session(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateDegraded)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.log.Info("live stream down, retrying",
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection from dial to failure
func (c *Conn) session(ctx context.Context, bo backoff.BackOff) error {
	stream, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	c.mu.Lock()
	c.stream = stream
	focused := c.focused
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()
	}()

	if focused != "" {
		if err := stream.Send(ctx, model.ClientFrame{Type: model.FrameFocus, ConversationID: focused}); err != nil {
			return err
		}
	}
	if err := c.Resync(ctx); err != nil {
		return err
	}
	bo.Reset()
	c.setState(StateOpen)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbErr := make(chan error, 1)
	go func() { hbErr <- c.heartbeat(sctx, stream) }()

	for {
		ev, err := stream.Recv(sctx)
		if err != nil {
			cancel()
			<-hbErr
			return err
		}
		c.apply(ev)

		select {
		case err := <-hbErr:
			return err
		default:
		}
	}
}

func (c *Conn) heartbeat(ctx context.Context, stream Stream) error {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := stream.Send(ctx, model.ClientFrame{Type: model.FrameHeartbeat}); err != nil {
				stream.Close()
				return err
			}
		}
	}
}

// Resync rebuilds local state from the server: the unread summary and the
// newest page of every open view.
func (c *Conn) Resync(ctx context.Context) error {
	sum, err := c.api.Unread(ctx)
	if err != nil {
		return err
	}
	if sum.PerConversation == nil {
		sum.PerConversation = map[string]int{}
	}

	c.mu.Lock()
	c.unread = sum
	for id, newest := range sum.Newest {
		if newest > c.counted[id] {
			c.counted[id] = newest
		}
	}
	views := make([]*View, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	var errs []error
	for _, v := range views {
		if err := v.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.mu.Lock()
	c.resyncs++
	c.mu.Unlock()
	return nil
}

func (c *Conn) apply(ev model.Event) {
	c.mu.Lock()
	v := c.views[ev.ConversationID()]
	switch p := ev.Payload.(type) {
	case model.MessageAppended:
		// focused conversations are cleared by the read event that follows
		if p.Message.SenderID != c.me && p.Message.ID > c.counted[p.ConversationID] {
			c.counted[p.ConversationID] = p.Message.ID
			c.unread.PerConversation[p.ConversationID]++
			c.unread.Total++
		}
	case model.ReadUpdated:
		if p.ReaderID == c.me {
			c.unread.Total -= c.unread.PerConversation[p.ConversationID]
			delete(c.unread.PerConversation, p.ConversationID)
		}
	}
	c.mu.Unlock()

	if v != nil {
		v.Apply(ev)
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// Open loads a conversation and keeps it in step from now on
func (c *Conn) Open(ctx context.Context, conversationID string) (*View, error) {
	c.mu.Lock()
	v, ok := c.views[conversationID]
	if !ok {
		v = newView(conversationID, c.me, c.api, c.opts.PageSize, nil)
		c.views[conversationID] = v
	}
	c.mu.Unlock()

	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Conn) CloseView(conversationID string) {
	c.mu.Lock()
	delete(c.views, conversationID)
	if c.focused == conversationID {
		c.focused = ""
	}
	c.mu.Unlock()
}

// Focus tells the server which conversation is on screen, so new messages
// there arrive already read. An empty id clears it.
func (c *Conn) Focus(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.focused = conversationID
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	frame := model.ClientFrame{Type: model.FrameFocus, ConversationID: conversationID}
	if conversationID == "" {
		frame = model.ClientFrame{Type: model.FrameBlur}
	}
	return stream.Send(ctx, frame)
}

// MarkRead acknowledges a conversation and clears its local badge
func (c *Conn) MarkRead(ctx context.Context, conversationID string) error {
	if err := c.api.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	c.mu.Lock()
	c.unread.Total -= c.unread.PerConversation[conversationID]
	delete(c.unread.PerConversation, conversationID)
	c.mu.Unlock()
	return nil
}

// Unread returns the summary from the last resync, adjusted by live
// messages and reads since.
func (c *Conn) Unread() model.UnreadSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	per := make(map[string]int, len(c.unread.PerConversation))
	for k, n := range c.unread.PerConversation {
		per[k] = n
	}
	return model.UnreadSummary{Total: c.unread.Total, PerConversation: per}
}
