package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"livethread/internal/model"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// MySQL is the durable Store backed by MariaDB/MySQL
type MySQL struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQL wraps an open database whose schema has been migrated
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *MySQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQL) CreateConversation(ctx context.Context, participants []string, topic string) (model.Conversation, bool, error) {
	ids, err := NormalizeParticipants(participants)
	if err != nil {
		return model.Conversation{}, false, err
	}
	key := participantKey(ids)

	if id, err := s.findByMembers(ctx, key, topic); err != nil {
		return model.Conversation{}, false, err
	} else if id != "" {
		conv, err := s.Conversation(ctx, id)
		return conv, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO conversations (id, topic, participant_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, topic, key, now, now)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			// 同時作成に負けた場合は既存の会話を返す
			tx.Rollback()
			existing, err := s.findByMembers(ctx, key, topic)
			if err != nil {
				return model.Conversation{}, false, err
			}
			conv, err := s.Conversation(ctx, existing)
			return conv, false, err
		}
		return model.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	for i, uid := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_participants (conversation_id, user_id, position) VALUES (?, ?, ?)",
			id, uid, i); err != nil {
			return model.Conversation{}, false, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Conversation{}, false, fmt.Errorf("commit create conversation: %w", err)
	}

	return model.Conversation{
		ID:           id,
		Participants: ids,
		Topic:        topic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true, nil
}

func (s *MySQL) findByMembers(ctx context.Context, key, topic string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE participant_key = ? AND topic = ?", key, topic).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}
	return id, nil
}

func (s *MySQL) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	var conv model.Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, topic, created_at, updated_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.Topic, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	if err := s.fillConversation(ctx, &conv); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

func (s *MySQL) ListConversations(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.topic, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		if err := rows.Scan(&conv.ID, &conv.Topic, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	for i := range out {
		if err := s.fillConversation(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillConversation loads members and the newest message
func (s *MySQL) fillConversation(ctx context.Context, conv *model.Conversation) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY position", conv.ID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = nil
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, uid)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load participants: %w", err)
	}

	page, err := s.Page(ctx, conv.ID, 0, 1)
	if err != nil {
		return err
	}
	if len(page.Messages) == 1 {
		conv.LastMessage = &page.Messages[0]
	}
	return nil
}

// checkMember distinguishes a missing conversation from a non-member
func checkMember(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, conversationID, userID string) error {
	var isMember, exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?),
		       EXISTS(SELECT 1 FROM conversations WHERE id = ?)`,
		conversationID, userID, conversationID).Scan(&isMember, &exists)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if isMember {
		return nil
	}
	if !exists {
		return ErrConversationNotFound
	}
	return fmt.Errorf("%w: %s in %s", ErrNotAParticipant, userID, conversationID)
}

func (s *MySQL) Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := checkMember(ctx, tx, conversationID, senderID); err != nil {
		return model.Message{}, err
	}

	now := s.now()
	result, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, sender_id, content, type, created_at) VALUES (?, ?, ?, ?, ?)",
		conversationID, senderID, content, string(typ), now)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to retrieve message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, conversationID); err != nil {
		return model.Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("commit append: %w", err)
	}

	return model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      now,
		ReadBy:         []string{},
	}, nil
}

func (s *MySQL) Page(ctx context.Context, conversationID string, before int64, limit int) (model.Page, error) {
	limit = ClampLimit(limit)

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)", conversationID).Scan(&exists); err != nil {
		return model.Page{}, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return model.Page{}, ErrConversationNotFound
	}

	// 1件多く取得して hasMore を判定する
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, content, type, created_at
		FROM messages
		WHERE conversation_id = ? AND (? = 0 OR id < ?)
		ORDER BY id DESC
		LIMIT ?`, conversationID, before, before, limit+1)
	if err != nil {
		return model.Page{}, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg := model.Message{ConversationID: conversationID, ReadBy: []string{}}
		var typ string
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Content, &typ, &msg.CreatedAt); err != nil {
			return model.Page{}, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = model.MessageType(typ)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return model.Page{}, fmt.Errorf("page messages: %w", err)
	}

	page := model.Page{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
	}
	slices.Reverse(msgs)
	if page.HasMore {
		page.NextCursor = msgs[0].ID
	}

	if err := s.fillReadBy(ctx, msgs); err != nil {
		return model.Page{}, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	page.Messages = msgs
	return page, nil
}

func (s *MySQL) fillReadBy(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	index := make(map[int64]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i, msg := range msgs {
		index[msg.ID] = i
		args = append(args, msg.ID)
	}

	query := "SELECT message_id, user_id FROM message_reads WHERE message_id IN (?" +
		strings.Repeat(",?", len(msgs)-1) + ") ORDER BY read_at"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("load read receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mid int64
		var uid string
		if err := rows.Scan(&mid, &uid); err != nil {
			return fmt.Errorf("scan read receipt: %w", err)
		}
		if i, ok := index[mid]; ok {
			msgs[i].ReadBy = append(msgs[i].ReadBy, uid)
		}
	}
	return rows.Err()
}

func (s *MySQL) MarkRead(ctx context.Context, conversationID, readerID string) (model.ReadReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ReadReceipt{}, fmt.Errorf("begin mark read: %w", err)
	}
	defer tx.Rollback()

	if err := checkMember(ctx, tx, conversationID, readerID); err != nil {
		return model.ReadReceipt{}, err
	}

	var cursor int64
	err = tx.QueryRowContext(ctx,
		"SELECT message_id FROM read_cursors WHERE conversation_id = ? AND user_id = ? FOR UPDATE",
		conversationID, readerID).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.ReadReceipt{}, fmt.Errorf("load cursor: %w", err)
	}

	var head int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ?", conversationID).Scan(&head); err != nil {
		return model.ReadReceipt{}, fmt.Errorf("load head: %w", err)
	}
	if head <= cursor {
		return model.ReadReceipt{Cursor: cursor}, tx.Commit()
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND id > ? AND id <= ?`,
		readerID, now, conversationID, readerID, cursor, head)
	if err != nil {
		return model.ReadReceipt{}, fmt.Errorf("insert read receipts: %w", err)
	}
	covered, _ := result.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, user_id, message_id, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE message_id = GREATEST(message_id, VALUES(message_id)), updated_at = VALUES(updated_at)`,
		conversationID, readerID, head, now)
	if err != nil {
		return model.ReadReceipt{}, fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ReadReceipt{}, fmt.Errorf("commit mark read: %w", err)
	}
	return model.ReadReceipt{Cursor: head, Count: int(covered)}, nil
}

func (s *MySQL) UnreadStates(ctx context.Context, userID string) (map[string]model.UnreadState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id, COALESCE(rc.message_id, 0)
		FROM conversation_participants p
		LEFT JOIN read_cursors rc ON rc.conversation_id = p.conversation_id AND rc.user_id = p.user_id
		WHERE p.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.UnreadState)
	for rows.Next() {
		var convID string
		var st model.UnreadState
		if err := rows.Scan(&convID, &st.Cursor); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out[convID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}

	urows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, m.id
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		LEFT JOIN read_cursors rc ON rc.conversation_id = m.conversation_id AND rc.user_id = ?
		WHERE m.sender_id <> ? AND m.id > COALESCE(rc.message_id, 0)
		ORDER BY m.id`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("load unread: %w", err)
	}
	defer urows.Close()

	for urows.Next() {
		var convID string
		var id int64
		if err := urows.Scan(&convID, &id); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		st := out[convID]
		st.Unread = append(st.Unread, id)
		out[convID] = st
	}
	return out, urows.Err()
}
