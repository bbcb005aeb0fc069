// Package client talks to a livethread server over its REST endpoints and
// live stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"livethread/internal/chat"
	"livethread/internal/logger"
	"livethread/internal/model"
)

// APIError is a non-2xx response
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livethread: %d %s", e.Status, e.Message)
}

// IsRateLimited reports whether err is a 429 from the server
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// Client is safe for concurrent use
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
}

// breakerFailures consecutive transport errors or 5xx open the breaker
const breakerFailures = 5

// New returns a client for the server at baseURL acting as the holder of
// token. A nil httpClient uses one with a 15s timeout.
func New(baseURL, token string, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	log = logger.OrNop(log)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "livethread",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: serverHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Client{base: u, token: token, http: httpClient, cb: cb, log: log}, nil
}

// serverHealthy counts client-side rejections as success; only transport
// failures and 5xx mean the server is in trouble.
func serverHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, q, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func convPath(id, suffix string) string {
	return "/conversations/" + url.PathEscape(id) + suffix
}

func (c *Client) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out struct {
		Conversations []model.ConversationSummary `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out)
	return out.Conversations, err
}

// StartRequest opens or reuses a conversation with participants
type StartRequest struct {
	Participants   []string `json:"participants"`
	Topic          string   `json:"topic,omitempty"`
	InitialMessage string   `json:"initialMessage,omitempty"`
	ClientID       string   `json:"clientId,omitempty"`
}

func (c *Client) StartConversation(ctx context.Context, req StartRequest) (chat.StartResult, error) {
	var out chat.StartResult
	err := c.do(ctx, http.MethodPost, "/conversations", nil, req, &out)
	return out, err
}

// Page fetches up to limit messages older than before; before 0 means newest
func (c *Client) Page(ctx context.Context, conversationID string, before int64, limit int) (model.Page, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page model.Page
	err := c.do(ctx, http.MethodGet, convPath(conversationID, "/messages"), q, nil, &page)
	return page, err
}

func (c *Client) Send(ctx context.Context, conversationID, content, clientID string) (model.Message, error) {
	body := map[string]string{"content": content, "type": string(model.MessageText), "clientId": clientID}
	var msg model.Message
	err := c.do(ctx, http.MethodPost, convPath(conversationID, "/messages"), nil, body, &msg)
	return msg, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, convPath(conversationID, "/read"), nil, nil, nil)
}

func (c *Client) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	body := map[string]bool{"isTyping": isTyping}
	return c.do(ctx, http.MethodPost, convPath(conversationID, "/typing"), nil, body, nil)
}

// FirstUnread returns the oldest unread message id, ok false when caught up
func (c *Client) FirstUnread(ctx context.Context, conversationID string) (id int64, ok bool, err error) {
	var out struct {
		MessageID *int64 `json:"messageId"`
	}
	if err := c.do(ctx, http.MethodGet, convPath(conversationID, "/first-unread"), nil, nil, &out); err != nil {
		return 0, false, err
	}
	if out.MessageID == nil {
		return 0, false, nil
	}
	return *out.MessageID, true, nil
}

func (c *Client) Unread(ctx context.Context) (model.UnreadSummary, error) {
	var sum model.UnreadSummary
	err := c.do(ctx, http.MethodGet, "/unread", nil, nil, &sum)
	return sum, err
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/presence/heartbeat", nil, nil, nil)
}

func (c *Client) Presence(ctx context.Context, userID string) (model.Presence, error) {
	var p model.Presence
	err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, nil, &p)
	return p, err
}
