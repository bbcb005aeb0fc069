package reconciler

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"livethread/internal/model"
)

var ErrUnknownItem = errors.New("no such pending message")

// ItemStatus is the lifecycle of a locally sent message
type ItemStatus int

const (
	Pending ItemStatus = iota
	Confirmed
	Failed
)

func (s ItemStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one row of a conversation as the user sees it
type Item struct {
	Message model.Message
	Status  ItemStatus
	// Err is why a Failed item did not reach the store
	Err error
}

// Anchor lets a UI keep its scroll position after older messages were
// prepended: the previously first message is now at index Prepended.
type Anchor struct {
	MessageID int64
	Prepended int
}

// View is the local copy of one open conversation
type View struct {
	conversationID string
	me             string
	api            API
	pageSize       int

	mu        sync.Mutex
	messages  []model.Message // confirmed, ascending id
	pending   []*Item         // pending and failed, in send order
	before    int64
	hasMore   bool
	loaded    bool
	atBottom  bool
	newCount  int
	onChange  func()
	newTempID func() string
}

func newView(conversationID, me string, api API, pageSize int, onChange func()) *View {
	return &View{
		conversationID: conversationID,
		me:             me,
		api:            api,
		pageSize:       pageSize,
		atBottom:       true,
		onChange:       onChange,
		newTempID:      uuid.NewString,
	}
}

func (v *View) ConversationID() string { return v.conversationID }

func (v *View) changed() {
	if v.onChange != nil {
		v.onChange()
	}
}

// Refresh merges the newest page. When messages are missing between what
// is held and that page, older history is dropped so the list never has a
// gap; LoadOlder fetches it again.
func (v *View) Refresh(ctx context.Context) error {
	page, err := v.api.Page(ctx, v.conversationID, 0, v.pageSize)
	if err != nil {
		return err
	}

	var newest int64
	if n := len(page.Messages); n > 0 {
		newest = page.Messages[n-1].ID
	}

	v.mu.Lock()
	gap := v.loaded && len(page.Messages) > 0 && page.HasMore &&
		(len(v.messages) == 0 || v.messages[len(v.messages)-1].ID < page.Messages[0].ID)
	if !v.loaded || gap {
		// live messages newer than the page arrived while it was in flight
		v.messages = slices.DeleteFunc(v.messages, func(m model.Message) bool {
			return m.ID <= newest
		})
		v.before, v.hasMore = page.NextCursor, page.HasMore
		v.loaded = true
	}
	for _, msg := range page.Messages {
		v.upsert(msg)
		v.confirmPending(msg)
	}
	v.mu.Unlock()

	v.changed()
	return nil
}

// upsert inserts msg by id or replaces the held copy; v.mu must be held
func (v *View) upsert(msg model.Message) bool {
	i, found := slices.BinarySearchFunc(v.messages, msg.ID, func(m model.Message, id int64) int {
		return cmp.Compare(m.ID, id)
	})
	if found {
		msg.ReadBy = mergeReaders(v.messages[i].ReadBy, msg.ReadBy)
		if msg.ClientID == "" {
			msg.ClientID = v.messages[i].ClientID
		}
		v.messages[i] = msg
		return false
	}
	v.messages = slices.Insert(v.messages, i, msg)
	return true
}

func mergeReaders(a, b []string) []string {
	out := slices.Clone(a)
	for _, r := range b {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// confirmPending drops the placeholder matching msg; v.mu must be held
func (v *View) confirmPending(msg model.Message) {
	if msg.ClientID == "" || msg.SenderID != v.me {
		return
	}
	v.pending = slices.DeleteFunc(v.pending, func(it *Item) bool {
		return it.Message.ClientID == msg.ClientID
	})
}

// Send shows content immediately as Pending, then stores it. On failure
// the item stays as Failed with its content for Retry or Discard.
func (v *View) Send(ctx context.Context, content string) (Item, error) {
	v.mu.Lock()
	item := &Item{
		Message: model.Message{
			ConversationID: v.conversationID,
			SenderID:       v.me,
			Content:        content,
			Type:           model.MessageText,
			ClientID:       v.newTempID(),
		},
		Status: Pending,
	}
	v.pending = append(v.pending, item)
	v.mu.Unlock()
	v.changed()

	return v.deliver(ctx, item)
}

func (v *View) deliver(ctx context.Context, item *Item) (Item, error) {
	msg, err := v.api.Send(ctx, v.conversationID, item.Message.Content, item.Message.ClientID)

	v.mu.Lock()
	if err != nil {
		item.Status = Failed
		item.Err = err
		out := *item
		v.mu.Unlock()
		v.changed()
		return out, err
	}

	msg.ClientID = item.Message.ClientID
	v.upsert(msg)
	v.confirmPending(msg)
	v.mu.Unlock()
	v.changed()

	return Item{Message: msg, Status: Confirmed}, nil
}

func (v *View) findPending(clientID string) (*Item, bool) {
	for _, it := range v.pending {
		if it.Message.ClientID == clientID {
			return it, true
		}
	}
	return nil, false
}

// Retry sends a Failed item again
func (v *View) Retry(ctx context.Context, clientID string) (Item, error) {
	v.mu.Lock()
	item, ok := v.findPending(clientID)
	if !ok || item.Status != Failed {
		v.mu.Unlock()
		return Item{}, ErrUnknownItem
	}
	item.Status = Pending
	item.Err = nil
	v.mu.Unlock()
	v.changed()

	return v.deliver(ctx, item)
}

// Discard removes a Failed item and returns its content for editing
func (v *View) Discard(clientID string) (string, error) {
	v.mu.Lock()
	item, ok := v.findPending(clientID)
	if !ok || item.Status != Failed {
		v.mu.Unlock()
		return "", ErrUnknownItem
	}
	v.pending = slices.DeleteFunc(v.pending, func(it *Item) bool { return it == item })
	v.mu.Unlock()
	v.changed()

	return item.Message.Content, nil
}

// Apply folds a live event into the view. Redelivered events are no-ops.
func (v *View) Apply(ev model.Event) {
	if ev.ConversationID() != v.conversationID {
		return
	}

	v.mu.Lock()
	switch p := ev.Payload.(type) {
	case model.MessageAppended:
		added := v.upsert(p.Message)
		v.confirmPending(p.Message)
		if added && p.Message.SenderID != v.me && !v.atBottom {
			v.newCount++
		}
	case model.ReadUpdated:
		if p.ReaderID == v.me {
			break
		}
		for i := range v.messages {
			m := &v.messages[i]
			if m.ID > p.Cursor {
				break
			}
			if m.SenderID == v.me && !m.IsReadBy(p.ReaderID) {
				m.ReadBy = append(slices.Clone(m.ReadBy), p.ReaderID)
			}
		}
	default:
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.changed()
}

// LoadOlder prepends the page before the oldest held message
func (v *View) LoadOlder(ctx context.Context) (Anchor, error) {
	v.mu.Lock()
	if !v.hasMore {
		v.mu.Unlock()
		return Anchor{}, nil
	}
	before := v.before
	v.mu.Unlock()

	page, err := v.api.Page(ctx, v.conversationID, before, v.pageSize)
	if err != nil {
		return Anchor{}, err
	}

	v.mu.Lock()
	var anchor Anchor
	if len(v.messages) > 0 {
		anchor.MessageID = v.messages[0].ID
	}
	for _, msg := range page.Messages {
		if v.upsert(msg) && (anchor.MessageID == 0 || msg.ID < anchor.MessageID) {
			anchor.Prepended++
		}
	}
	v.before, v.hasMore = page.NextCursor, page.HasMore
	v.mu.Unlock()
	v.changed()

	return anchor, nil
}

// SetAtBottom records whether the user sees the newest message; reaching
// the bottom clears the new-messages counter.
func (v *View) SetAtBottom(atBottom bool) {
	v.mu.Lock()
	v.atBottom = atBottom
	if atBottom {
		v.newCount = 0
	}
	v.mu.Unlock()
}

// NewMessages counts arrivals while scrolled away from the bottom
func (v *View) NewMessages() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.newCount
}

func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Items returns confirmed messages in id order followed by pending and
// failed ones in send order.
func (v *View) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Item, 0, len(v.messages)+len(v.pending))
	for _, m := range v.messages {
		m.ReadBy = slices.Clone(m.ReadBy)
		out = append(out, Item{Message: m, Status: Confirmed})
	}
	for _, it := range v.pending {
		out = append(out, *it)
	}
	return out
}

// Messages returns the confirmed messages only
func (v *View) Messages() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]model.Message, len(v.messages))
	for i, m := range v.messages {
		m.ReadBy = slices.Clone(m.ReadBy)
		out[i] = m
	}
	return out
}
