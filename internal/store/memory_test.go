package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemory() })
}

// TestMemoryPageIsolation 返されたメッセージを書き換えてもストアに影響しない
func TestMemoryPageIsolation(t *testing.T) {
	s := NewMemory()
	conv := mustConversation(t, s, "A", "B")
	mustAppend(t, s, conv.ID, "A", "original")

	page, _ := s.Page(context.Background(), conv.ID, 0, 10)
	page.Messages[0].Content = "tampered"
	page.Messages[0].ReadBy = append(page.Messages[0].ReadBy, "X")

	again, _ := s.Page(context.Background(), conv.ID, 0, 10)
	if again.Messages[0].Content != "original" || len(again.Messages[0].ReadBy) != 0 {
		t.Errorf("Store state leaked through Page: %+v", again.Messages[0])
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != DefaultPageSize {
		t.Errorf("Expected default page size, got %d", ClampLimit(0))
	}
	if ClampLimit(500) != MaxPageSize {
		t.Errorf("Expected max page size, got %d", ClampLimit(500))
	}
	if ClampLimit(20) != 20 {
		t.Errorf("Expected 20, got %d", ClampLimit(20))
	}
}

func TestNormalizeParticipants(t *testing.T) {
	ids, err := NormalizeParticipants([]string{" A", "B", "A", ""})
	if err != nil {
		t.Fatalf("NormalizeParticipants failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("Unexpected participants: %q", ids)
	}

	if _, err := NormalizeParticipants([]string{"A"}); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("Expected ErrInvalidParticipants, got %v", err)
	}
}
