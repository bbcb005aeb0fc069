package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livethread/internal/model"
	"livethread/internal/reconciler"
)

const writeWait = 10 * time.Second

// CloseError is how the server ended a stream
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("live stream closed: %d %s", e.Code, e.Reason)
}

// Retry reports whether the server asked the client to come back
func (e *CloseError) Retry() bool {
	return e.Code == websocket.CloseTryAgainLater
}

// Dial opens the live stream
func (c *Client) Dial(ctx context.Context) (reconciler.Stream, error) {
	return c.DialStream(ctx)
}

func (c *Client) DialStream(ctx context.Context) (*Stream, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}

	s := &Stream{
		conn:   conn,
		events: make(chan model.Event, 64),
		done:   make(chan struct{}),
		log:    c.log,
	}
	go s.readLoop()
	return s, nil
}

// Stream is one websocket connection. Recv and Send may be called from
// different goroutines.
type Stream struct {
	conn    *websocket.Conn
	events  chan model.Event
	done    chan struct{}
	err     error
	writeMu sync.Mutex
	once    sync.Once
	log     *zap.Logger
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				err = &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			s.err = err
			return
		}

		var ev model.Event
		if err := ev.UnmarshalJSON(data); err != nil {
			s.log.Warn("dropping live frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			s.err = net.ErrClosed
			return
		}
	}
}

// Recv returns the next event, or the reason the stream ended
func (s *Stream) Recv(ctx context.Context) (model.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return model.Event{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	}
}

func (s *Stream) Send(ctx context.Context, frame model.ClientFrame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(frame)
}

// Close says goodbye and releases the connection
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
