package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type Messages struct {
	db    *db.Session
	convs *Conversations
	log   *zap.Logger
}

func NewMessages(session *db.Session, convs *Conversations, log *zap.Logger) *Messages {
	return &Messages{db: session, convs: convs, log: log}
}

// History loads the visible message stream ascending by creation time.
// Message ids cluster ascending, and ids are time-ordered, so the scan
// order is the stream order.
func (m *Messages) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	iter := m.db.Query(`SELECT conversation_id, id, sender_id, content, kind, attachments, reply_to_id, edited_at, deleted_at, created_at
		FROM conversation_messages WHERE conversation_id = ?`,
		conversationID).WithContext(ctx).Iter()

	var messages []model.Message
	var (
		convID, senderID, content, kind, attachmentsJSON string
		id, replyToID                                    int64
		editedAt, deletedAt, createdAt                   time.Time
	)
	for iter.Scan(&convID, &id, &senderID, &content, &kind, &attachmentsJSON,
		&replyToID, &editedAt, &deletedAt, &createdAt) {
		msg, err := buildMessage(convID, id, senderID, content, kind, attachmentsJSON,
			replyToID, editedAt, deletedAt, createdAt)
		if err != nil {
			m.log.Warn("skipping undecodable message", zap.Int64("id", id), zap.Error(err))
			continue
		}
		if msg.Visible() {
			messages = append(messages, msg)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
	}
	return messages, nil
}

// Insert persists one message and bumps the conversation ordering.
func (m *Messages) Insert(ctx context.Context, msg *model.Message) error {
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	if err := m.db.Query(`INSERT INTO conversation_messages
		(conversation_id, id, sender_id, content, kind, attachments, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.SenderID, msg.Content, string(msg.Kind),
		string(attachmentsJSON), msg.ReplyToID, msg.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert message %d: %w", msg.ID, err)
	}

	return m.convs.Touch(ctx, msg.ConversationID, msg.CreatedAt)
}

// Edit replaces the content of a message and stamps edited_at.
func (m *Messages) Edit(ctx context.Context, conversationID string, id int64, content string) error {
	return m.db.Query(`UPDATE conversation_messages SET content = ?, edited_at = ?
		WHERE conversation_id = ? AND id = ?`,
		content, time.Now().UTC(), conversationID, id).WithContext(ctx).Exec()
}

// SoftDelete hides a message from the visible stream without removing the row.
func (m *Messages) SoftDelete(ctx context.Context, conversationID string, id int64) error {
	return m.db.Query(`UPDATE conversation_messages SET deleted_at = ?
		WHERE conversation_id = ? AND id = ?`,
		time.Now().UTC(), conversationID, id).WithContext(ctx).Exec()
}

// LastMessage returns the newest visible message, or nil on an empty
// stream. The scan walks newest-first without a row limit, so a run of
// soft-deleted messages of any length cannot hide an older visible one.
func (m *Messages) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	iter := m.db.Query(`SELECT conversation_id, id, sender_id, content, kind, attachments, reply_to_id, edited_at, deleted_at, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY id DESC`,
		conversationID).WithContext(ctx).PageSize(8).Iter()

	var rows []model.Message
	var (
		convID, senderID, content, kind, attachmentsJSON string
		id, replyToID                                    int64
		editedAt, deletedAt, createdAt                   time.Time
	)
	for iter.Scan(&convID, &id, &senderID, &content, &kind, &attachmentsJSON,
		&replyToID, &editedAt, &deletedAt, &createdAt) {
		msg, err := buildMessage(convID, id, senderID, content, kind, attachmentsJSON,
			replyToID, editedAt, deletedAt, createdAt)
		if err != nil {
			continue
		}
		rows = append(rows, msg)
		if msg.Visible() {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("load last message for %s: %w", conversationID, err)
	}
	return newestVisible(rows), nil
}

// newestVisible picks the first visible message from rows ordered
// newest-first, or nil when every row is hidden.
func newestVisible(rows []model.Message) *model.Message {
	for i := range rows {
		if rows[i].Visible() {
			msg := rows[i]
			return &msg
		}
	}
	return nil
}

// UnreadCount counts visible messages from other senders created after the
// caller's read marker. The marker timestamp maps to an id lower bound, so
// the scan stays within the unread tail instead of the whole partition.
func (m *Messages) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	p, err := m.convs.Participant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	lower := snowflake.LowerBound(p.LastReadAt)
	iter := m.db.Query(`SELECT sender_id, deleted_at, created_at
		FROM conversation_messages WHERE conversation_id = ? AND id > ?`,
		conversationID, lower).WithContext(ctx).Iter()

	count := 0
	var senderID string
	var deletedAt, createdAt time.Time
	for iter.Scan(&senderID, &deletedAt, &createdAt) {
		if senderID == userID {
			continue
		}
		if !deletedAt.IsZero() {
			continue
		}
		if createdAt.After(p.LastReadAt) {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", conversationID, err)
	}
	return count, nil
}

func buildMessage(convID string, id int64, senderID, content, kind, attachmentsJSON string,
	replyToID int64, editedAt, deletedAt, createdAt time.Time) (model.Message, error) {

	msg := model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Kind:           model.MessageKind(kind),
		ReplyToID:      replyToID,
		CreatedAt:      createdAt,
	}
	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if !editedAt.IsZero() {
		t := editedAt
		msg.EditedAt = &t
	}
	if !deletedAt.IsZero() {
		t := deletedAt
		msg.DeletedAt = &t
	}
	return msg, nil
}
