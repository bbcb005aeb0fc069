package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"livethread/internal/model"
)

// runContract exercises behaviour every Store implementation must share
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PaginationBackfill", func(t *testing.T) { testPaginationBackfill(t, newStore(t)) })
	t.Run("AppendErrors", func(t *testing.T) { testAppendErrors(t, newStore(t)) })
	t.Run("MarkRead", func(t *testing.T) { testMarkRead(t, newStore(t)) })
	t.Run("CreateConversation", func(t *testing.T) { testCreateConversation(t, newStore(t)) })
	t.Run("UnreadStates", func(t *testing.T) { testUnreadStates(t, newStore(t)) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, newStore(t)) })
}

func mustConversation(t *testing.T, s Store, ids ...string) model.Conversation {
	t.Helper()
	conv, _, err := s.CreateConversation(context.Background(), ids, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func mustAppend(t *testing.T, s Store, convID, sender, content string) model.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), convID, sender, content, model.MessageText)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return msg
}

// testPaginationBackfill 40件の会話を20件ずつ遡る
func testPaginationBackfill(t *testing.T, s Store) {
	ctx := context.Background()
	conv := mustConversation(t, s, "A", "B")

	var all []model.Message
	for i := 0; i < 40; i++ {
		all = append(all, mustAppend(t, s, conv.ID, "A", fmt.Sprintf("m%d", i)))
	}

	first, err := s.Page(ctx, conv.ID, 0, 20)
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if len(first.Messages) != 20 || !first.HasMore || first.NextCursor == 0 {
		t.Fatalf("Expected 20 newest with hasMore and cursor, got %d hasMore=%v cursor=%d",
			len(first.Messages), first.HasMore, first.NextCursor)
	}
	if first.Messages[0].ID != all[20].ID || first.Messages[19].ID != all[39].ID {
		t.Errorf("First page should hold messages 20..39 oldest first, got %d..%d",
			first.Messages[0].ID, first.Messages[19].ID)
	}

	second, err := s.Page(ctx, conv.ID, first.NextCursor, 20)
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if len(second.Messages) != 20 || second.HasMore {
		t.Fatalf("Expected 20 oldest without hasMore, got %d hasMore=%v", len(second.Messages), second.HasMore)
	}
	if second.Messages[0].ID != all[0].ID || second.Messages[19].ID != all[19].ID {
		t.Errorf("Second page should hold messages 0..19")
	}
	if second.NextCursor != 0 {
		t.Errorf("Last page should not carry a cursor, got %d", second.NextCursor)
	}
}

func testAppendErrors(t *testing.T, s Store) {
	ctx := context.Background()
	conv := mustConversation(t, s, "A", "B")

	if _, err := s.Append(ctx, conv.ID, "C", "hi", model.MessageText); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("Expected ErrNotAParticipant, got %v", err)
	}
	if _, err := s.Append(ctx, "missing", "A", "hi", model.MessageText); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
	if _, err := s.MarkRead(ctx, conv.ID, "C"); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("Expected ErrNotAParticipant from MarkRead, got %v", err)
	}
	if _, err := s.Page(ctx, "missing", 0, 10); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound from Page, got %v", err)
	}
}

func testMarkRead(t *testing.T, s Store) {
	ctx := context.Background()
	conv := mustConversation(t, s, "A", "B")

	mustAppend(t, s, conv.ID, "A", "one")
	mustAppend(t, s, conv.ID, "B", "mine")
	last := mustAppend(t, s, conv.ID, "A", "two")

	r, err := s.MarkRead(ctx, conv.ID, "B")
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if r.Count != 2 || r.Cursor != last.ID {
		t.Errorf("Expected 2 covered up to %d, got %+v", last.ID, r)
	}

	// 2回目は何も新しくカバーしない
	again, err := s.MarkRead(ctx, conv.ID, "B")
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if again.Count != 0 || again.Cursor != last.ID {
		t.Errorf("Expected idempotent mark read, got %+v", again)
	}

	page, _ := s.Page(ctx, conv.ID, 0, 10)
	for _, msg := range page.Messages {
		read := msg.IsReadBy("B")
		if msg.SenderID == "A" && !read {
			t.Errorf("Message %d from A should be read by B", msg.ID)
		}
		if msg.SenderID == "B" && read {
			t.Errorf("Own message %d should not carry B in readBy", msg.ID)
		}
	}
}

func testCreateConversation(t *testing.T, s Store) {
	ctx := context.Background()

	if _, _, err := s.CreateConversation(ctx, []string{"A", "A"}, ""); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("Expected ErrInvalidParticipants, got %v", err)
	}

	first, created, err := s.CreateConversation(ctx, []string{"A", "B"}, "guitar")
	if err != nil || !created {
		t.Fatalf("Expected new conversation, got created=%v err=%v", created, err)
	}

	again, created, err := s.CreateConversation(ctx, []string{"B", "A"}, "guitar")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("Same members and topic should reuse %s, got %s created=%v", first.ID, again.ID, created)
	}

	other, created, _ := s.CreateConversation(ctx, []string{"A", "B"}, "piano")
	if !created || other.ID == first.ID {
		t.Error("A different topic should start a new conversation")
	}

	loaded, err := s.Conversation(ctx, first.ID)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(loaded.Participants) != 2 || loaded.Participants[0] != "A" || loaded.Topic != "guitar" {
		t.Errorf("Unexpected conversation: %+v", loaded)
	}
}

func testUnreadStates(t *testing.T, s Store) {
	ctx := context.Background()
	c1 := mustConversation(t, s, "A", "B")
	c2 := mustConversation(t, s, "B", "C")

	m1 := mustAppend(t, s, c1.ID, "A", "x")
	mustAppend(t, s, c1.ID, "B", "own")
	s.MarkRead(ctx, c1.ID, "B")
	m3 := mustAppend(t, s, c1.ID, "A", "y")
	m4 := mustAppend(t, s, c2.ID, "C", "z")

	states, err := s.UnreadStates(ctx, "B")
	if err != nil {
		t.Fatalf("UnreadStates failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("Expected state for 2 conversations, got %d", len(states))
	}
	if st := states[c1.ID]; st.Cursor <= m1.ID || len(st.Unread) != 1 || st.Unread[0] != m3.ID {
		t.Errorf("Unexpected c1 state: %+v", st)
	}
	if st := states[c2.ID]; st.Cursor != 0 || len(st.Unread) != 1 || st.Unread[0] != m4.ID {
		t.Errorf("Unexpected c2 state: %+v", st)
	}
}

func testListConversations(t *testing.T, s Store) {
	ctx := context.Background()
	older := mustConversation(t, s, "A", "B")
	newer := mustConversation(t, s, "A", "C")
	mustConversation(t, s, "B", "C")

	mustAppend(t, s, newer.ID, "C", "first")
	mustAppend(t, s, older.ID, "B", "latest")

	list, err := s.ListConversations(ctx, "A", 50)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 conversations for A, got %d", len(list))
	}
	if list[0].ID != older.ID {
		t.Errorf("Most recently active conversation should come first")
	}
	if list[0].LastMessage == nil || list[0].LastMessage.Content != "latest" {
		t.Errorf("Expected last message preview, got %+v", list[0].LastMessage)
	}
}
