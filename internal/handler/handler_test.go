package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"livethread/internal/auth"
	"livethread/internal/broker"
	"livethread/internal/chat"
	"livethread/internal/config"
	"livethread/internal/metrics"
	"livethread/internal/model"
	"livethread/internal/presence"
	"livethread/internal/ratelimit"
	"livethread/internal/readstate"
	"livethread/internal/store"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

const testSecret = "test-secret"

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, p ratelimit.Profile, key string) (ratelimit.Decision, error) {
	return ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}, nil
}

// newTestHandler テスト用のHandlerを生成
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	cfg := config.Config{
		AllowedOrigins:         []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		HeartbeatInterval:      time.Second,
		HeartbeatTimeoutFactor: 2.5,
		MaxContentLength:       1000,
	}
	st := store.NewMemory()
	m := metrics.New()
	b, err := broker.New(st, broker.Options{HeartbeatTimeout: cfg.HeartbeatTimeout()}, m, nil)
	if err != nil {
		t.Fatalf("broker.New failed: %v", err)
	}
	svc := chat.NewService(chat.Deps{
		Store:            st,
		Tracker:          readstate.New(st, nil),
		Presence:         presence.NewRegistry(presence.Options{}, b, nil),
		Broker:           b,
		Metrics:          m,
		MaxContentLength: cfg.MaxContentLength,
	})
	return New(svc, b, auth.NewVerifier(testSecret), ratelimit.NewLocal(nil), m, cfg, nil)
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Sign(userID, time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return tok
}

// do sends an authenticated request through the router
func do(t *testing.T, router http.Handler, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func startConversation(t *testing.T, h *Handler, creator string, others ...string) model.Conversation {
	t.Helper()
	res, err := h.Service.StartConversation(context.Background(), chat.StartInput{CreatorID: creator, Participants: others})
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	return res.Conversation
}

func errorOf(w *httptest.ResponseRecorder) string {
	var errResp map[string]string
	json.Unmarshal(w.Body.Bytes(), &errResp)
	return errResp["error"]
}

// TestSendMessage_Success メッセージ送信成功テスト
func TestSendMessage_Success(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	w := do(t, router, "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{
		"content":  "Hello, World!",
		"clientId": "tmp-1",
	})

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type: application/json, got %s", w.Header().Get("Content-Type"))
	}

	var msg model.Message
	json.Unmarshal(w.Body.Bytes(), &msg)
	if msg.ID == 0 {
		t.Error("Expected store-assigned ID, got 0")
	}
	if msg.Content != "Hello, World!" || msg.SenderID != "A" || msg.ClientID != "tmp-1" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

// TestSendMessage_MissingContent Content 必須チェック
func TestSendMessage_MissingContent(t *testing.T) {
	h := newTestHandler(t)
	conv := startConversation(t, h, "A", "B")

	w := do(t, h.SetupRouter(), "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{"content": "  "})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if errorOf(w) != "content is required" {
		t.Errorf("Expected error 'content is required', got %s", errorOf(w))
	}
}

// TestSendMessage_InvalidJSON JSON パース失敗
func TestSendMessage_InvalidJSON(t *testing.T) {
	h := newTestHandler(t)
	conv := startConversation(t, h, "A", "B")

	w := do(t, h.SetupRouter(), "A", "POST", "/conversations/"+conv.ID+"/messages", "invalid json")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if errorOf(w) != "Invalid request body" {
		t.Errorf("Expected 'Invalid request body' error, got %s", errorOf(w))
	}
}

// TestSendMessage_Forbidden 参加者以外は送信できない
func TestSendMessage_Forbidden(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	w := do(t, router, "C", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{"content": "hi"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}

	w = do(t, router, "A", "POST", "/conversations/missing/messages", map[string]string{"content": "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

// TestUnauthorized 認証情報がなければ401
func TestUnauthorized(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()

	w := do(t, router, "", "GET", "/unread", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest("GET", "/unread", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for invalid token, got %d", http.StatusUnauthorized, rr.Code)
	}
}

// TestGetMessages_Pagination 40件を20件ずつ取得
func TestGetMessages_Pagination(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	for i := 0; i < 40; i++ {
		w := do(t, router, "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{
			"content": fmt.Sprintf("Message %d", i+1),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("Send failed with status %d", w.Code)
		}
	}

	w := do(t, router, "B", "GET", "/conversations/"+conv.ID+"/messages?limit=20", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var first model.Page
	json.Unmarshal(w.Body.Bytes(), &first)
	if len(first.Messages) != 20 || !first.HasMore || first.Messages[19].Content != "Message 40" {
		t.Fatalf("Expected newest 20 with hasMore, got %d hasMore=%v", len(first.Messages), first.HasMore)
	}

	w = do(t, router, "B", "GET", fmt.Sprintf("/conversations/%s/messages?limit=20&before=%d", conv.ID, first.NextCursor), nil)
	var second model.Page
	json.Unmarshal(w.Body.Bytes(), &second)
	if len(second.Messages) != 20 || second.HasMore || second.Messages[0].Content != "Message 1" {
		t.Errorf("Expected oldest 20 without hasMore, got %d hasMore=%v", len(second.Messages), second.HasMore)
	}
}

// TestGetMessages_InvalidLimit 上限を超えるlimitは400
func TestGetMessages_InvalidLimit(t *testing.T) {
	h := newTestHandler(t)
	conv := startConversation(t, h, "A", "B")

	for _, q := range []string{"limit=0", "limit=101", "limit=abc", "before=-1"} {
		w := do(t, h.SetupRouter(), "A", "GET", "/conversations/"+conv.ID+"/messages?"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status %d, got %d", q, http.StatusBadRequest, w.Code)
		}
	}
}

// TestMarkReadAndUnread 既読化で未読数が減る
func TestMarkReadAndUnread(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	do(t, router, "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{"content": "one"})
	do(t, router, "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{"content": "two"})

	w := do(t, router, "B", "GET", "/unread", nil)
	var sum model.UnreadSummary
	json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Total != 2 || sum.PerConversation[conv.ID] != 2 {
		t.Errorf("Expected 2 unread, got %+v", sum)
	}

	w = do(t, router, "B", "GET", "/conversations/"+conv.ID+"/first-unread", nil)
	var first map[string]any
	json.Unmarshal(w.Body.Bytes(), &first)
	if first["messageId"] == nil {
		t.Error("Expected a first unread message id")
	}

	for i := 0; i < 2; i++ {
		w = do(t, router, "B", "POST", "/conversations/"+conv.ID+"/read", nil)
		if w.Code != http.StatusNoContent {
			t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
		}
	}

	w = do(t, router, "B", "GET", "/unread", nil)
	sum = model.UnreadSummary{}
	json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Total != 0 || len(sum.PerConversation) != 0 {
		t.Errorf("Expected nothing unread, got %+v", sum)
	}

	w = do(t, router, "C", "POST", "/conversations/"+conv.ID+"/read", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

// TestStartConversation 同じ参加者と話題なら既存の会話を返す
func TestStartConversation(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()

	body := map[string]any{"participants": []string{"B"}, "topic": "guitar", "initialMessage": "Hi!"}
	w := do(t, router, "A", "POST", "/conversations", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var res chat.StartResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Message == nil || res.Message.Content != "Hi!" {
		t.Errorf("Expected initial message, got %+v", res.Message)
	}

	w = do(t, router, "B", "POST", "/conversations", map[string]any{"participants": []string{"A"}, "topic": "guitar"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d for existing conversation, got %d", http.StatusOK, w.Code)
	}

	w = do(t, router, "A", "POST", "/conversations", map[string]any{"participants": []string{"A"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d without other participants, got %d", http.StatusBadRequest, w.Code)
	}

	w = do(t, router, "B", "GET", "/conversations", nil)
	var list struct {
		Conversations []model.ConversationSummary `json:"conversations"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Errorf("Expected one conversation with 1 unread, got %+v", list.Conversations)
	}
}

// TestRateLimit 送信は429、入力中通知は黙って捨てる
func TestRateLimit(t *testing.T) {
	h := newTestHandler(t)
	h.Limiter = denyLimiter{}
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	w := do(t, router, "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]string{"content": "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Expected Retry-After 2, got %q", w.Header().Get("Retry-After"))
	}

	w = do(t, router, "A", "POST", "/conversations/"+conv.ID+"/typing", map[string]bool{"isTyping": true})
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected throttled typing to answer %d, got %d", http.StatusNoContent, w.Code)
	}
}

// TestTypingAndPresence 入力中通知とプレゼンス
func TestTypingAndPresence(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	w := do(t, router, "A", "POST", "/conversations/"+conv.ID+"/typing", map[string]bool{"isTyping": true})
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = do(t, router, "C", "POST", "/conversations/"+conv.ID+"/typing", map[string]bool{"isTyping": true})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}

	w = do(t, router, "B", "GET", "/presence/Z", nil)
	var p model.Presence
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Online {
		t.Error("Unknown user should be offline")
	}

	do(t, router, "Z", "POST", "/presence/heartbeat", nil)
	w = do(t, router, "B", "GET", "/presence/Z", nil)
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.Online {
		t.Error("Expected Z online after heartbeat")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()

	w := do(t, router, "", "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = do(t, router, "", "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "livethread_sessions_active") {
		t.Errorf("Expected metrics output, got %d", w.Code)
	}
}

// TestConcurrentMessageSend 並行送信テスト
func TestConcurrentMessageSend(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRouter()
	conv := startConversation(t, h, "A", "B")

	// 10 個の並行リクエスト
	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(index int) {
			body, _ := json.Marshal(map[string]string{"content": fmt.Sprintf("Concurrent message %d", index)})
			req := httptest.NewRequest("POST", "/conversations/"+conv.ID+"/messages", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+token(t, "A"))
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != http.StatusCreated {
				t.Errorf("Concurrent request failed with status %d: %s", w.Code, w.Body.String())
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	sum, _ := h.Service.UnreadSummary(context.Background(), "B")
	if sum.Total != 10 {
		t.Errorf("Expected 10 unread from concurrent sends, got %d", sum.Total)
	}
}

// TestMessageFieldValidation クライアントが送ったidやcreatedAtはサーバーが上書き
func TestMessageFieldValidation(t *testing.T) {
	h := newTestHandler(t)
	conv := startConversation(t, h, "A", "B")

	oldTime := time.Now().Add(-24 * time.Hour)
	w := do(t, h.SetupRouter(), "A", "POST", "/conversations/"+conv.ID+"/messages", map[string]any{
		"content":   "Test override",
		"id":        999,
		"senderId":  "B",
		"createdAt": oldTime,
	})

	var msg model.Message
	json.Unmarshal(w.Body.Bytes(), &msg)
	if msg.ID == 999 || msg.SenderID != "A" {
		t.Errorf("Server should assign id and sender, got %+v", msg)
	}
	if msg.CreatedAt.Before(time.Now().Add(-time.Minute)) {
		t.Error("Server should set created_at to the current time")
	}
}

func dialWS(t *testing.T, server *httptest.Server, userID, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := strings.Replace(server.URL, "http://", "ws://", 1)
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	if userID != "" {
		header.Set("Authorization", "Bearer "+token(t, userID))
	}
	return websocket.DefaultDialer.Dial(url+"/ws", header)
}

func readEvent(t *testing.T, ws *websocket.Conn) model.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

// TestWebSocketConnection WebSocket 接続テスト
func TestWebSocketConnection(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()
	conv := startConversation(t, h, "A", "B")

	ws, _, err := dialWS(t, server, "B", "http://localhost:8080")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()

	if ev := readEvent(t, ws); ev.Kind() != model.KindReady {
		t.Fatalf("Expected ready first, got %s", ev.Kind())
	}
	if h.Broker.Count() != 1 {
		t.Error("WebSocket session should be registered")
	}

	// キープアライブメッセージ送信
	ws.WriteJSON(model.ClientFrame{Type: model.FrameHeartbeat})

	msg, err := h.Service.Send(context.Background(), chat.SendInput{ConversationID: conv.ID, SenderID: "A", Content: "Hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ev := readEvent(t, ws)
	got, ok := ev.Payload.(model.MessageAppended)
	if !ok || got.Message.ID != msg.ID {
		t.Errorf("Expected message event for %d, got %+v", msg.ID, ev.Payload)
	}
}

// TestWebSocketOriginCheck Origin チェックテスト
func TestWebSocketOriginCheck(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	// 許可されていない Origin で接続試行
	if _, _, err := dialWS(t, server, "A", "http://forbidden.example.com"); err == nil {
		t.Error("WebSocket connection from forbidden origin should fail")
	}
}

// TestWebSocketUnauthorized トークンなしでは接続できない
func TestWebSocketUnauthorized(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	_, resp, err := dialWS(t, server, "", "http://localhost:8080")
	if err == nil {
		t.Fatal("WebSocket connection without a token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status %d", http.StatusUnauthorized)
	}
	if h.Broker.Count() != 0 {
		t.Error("No session should be opened for a refused credential")
	}
}

// TestWebSocketFocusAutoRead 表示中の会話に届いたメッセージは既読になる
func TestWebSocketFocusAutoRead(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()
	conv := startConversation(t, h, "A", "B")

	ws, _, err := dialWS(t, server, "B", "")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()
	readEvent(t, ws)

	ws.WriteJSON(model.ClientFrame{Type: model.FrameFocus, ConversationID: conv.ID})
	deadline := time.Now().Add(2 * time.Second)
	for !h.Broker.FocusedOn("B", conv.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Service.Send(context.Background(), chat.SendInput{ConversationID: conv.ID, SenderID: "A", Content: "seen?"})

	sum, _ := h.Service.UnreadSummary(context.Background(), "B")
	if sum.Total != 0 {
		t.Errorf("Focused conversation should not accumulate unread, got %d", sum.Total)
	}
}

// TestWebSocketPingsWhileBusy イベントが途切れなくてもサーバーが定期的に ping を送る
func TestWebSocketPingsWhileBusy(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()
	conv := startConversation(t, h, "A", "B")

	ws, _, err := dialWS(t, server, "B", "")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()

	var pings atomic.Int32
	ws.SetPingHandler(func(data string) error {
		pings.Add(1)
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// typing traffic every 50ms keeps the session from ever going idle
	ctx := context.Background()
	deadline := time.Now().Add(2500 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		h.Service.SetTyping(ctx, conv.ID, "A", i%2 == 0)
		time.Sleep(50 * time.Millisecond)
	}

	if pings.Load() == 0 {
		t.Error("Expected the server to ping a busy connection")
	}
}

// TestWebSocketClientClose 切断でセッションが解放される
func TestWebSocketClientClose(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	ws, _, err := dialWS(t, server, "A", "")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	readEvent(t, ws)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Broker.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Broker.Count() != 0 {
		t.Error("Session should be released after the client disconnects")
	}
}
