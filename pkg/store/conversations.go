package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrNotParticipant = errors.New("user is not a participant of this conversation")
)

type Conversations struct {
	db  *db.Session
	log *zap.Logger
}

func NewConversations(session *db.Session, log *zap.Logger) *Conversations {
	return &Conversations{db: session, log: log}
}

// DirectID derives the deterministic id of a direct conversation from the
// unordered participant pair, scoped by tenant. Both sides of the pair
// compute the same id, which is what makes GetOrCreate idempotent.
func DirectID(userA, userB, tenant string) string {
	a, b := userA, userB
	if a > b {
		a, b = b, a
	}
	if tenant != "" {
		return fmt.Sprintf("dm:%s:%s:%s", tenant, a, b)
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// GetOrCreate looks up or creates the direct conversation between two users.
// Safe under concurrent calls for the same pair: the conversation row is
// written with IF NOT EXISTS and the loser of the race reuses the winner's.
func (c *Conversations) GetOrCreate(ctx context.Context, userA, userB, tenant string) (string, error) {
	id := DirectID(userA, userB, tenant)
	now := time.Now().UTC()

	applied, err := c.db.Query(`INSERT INTO conversations (id, tenant_id, is_group, created_by, created_at, updated_at)
		VALUES (?, ?, false, ?, ?, ?) IF NOT EXISTS`,
		id, tenant, userA, now, now).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	// Participant rows are healed on every call; IF NOT EXISTS keeps the
	// original joined_at and read marker.
	for _, uid := range []string{userA, userB} {
		if _, err := c.db.Query(`INSERT INTO conversation_participants (conversation_id, user_id, joined_at, last_read_at, is_admin)
			VALUES (?, ?, ?, ?, false) IF NOT EXISTS`,
			id, uid, now, time.Time{}).WithContext(ctx).MapScanCAS(map[string]interface{}{}); err != nil {
			return "", fmt.Errorf("create participant %s: %w", uid, err)
		}
		if err := c.db.Query(`INSERT INTO user_conversations (user_id, conversation_id, updated_at)
			VALUES (?, ?, ?)`, uid, id, now).WithContext(ctx).Exec(); err != nil {
			return "", fmt.Errorf("index conversation for %s: %w", uid, err)
		}
	}

	if applied {
		c.log.Info("conversation created", zap.String("conversation_id", id))
	}
	return id, nil
}

// List returns the user's conversations ordered by updated_at descending.
// A failure on the outer index query aborts the whole call.
func (c *Conversations) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := c.db.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`,
		userID).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	conversations := make([]model.Conversation, 0, len(ids))
	for _, cid := range ids {
		conv, err := c.Get(ctx, cid)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", cid, err)
		}
		conversations = append(conversations, *conv)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (c *Conversations) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := c.db.Query(`SELECT id, tenant_id, name, is_group, avatar_url, created_by, created_at, updated_at
		FROM conversations WHERE id = ?`, id).WithContext(ctx).
		Scan(&conv.ID, &conv.TenantID, &conv.Name, &conv.IsGroup, &conv.AvatarURL,
			&conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Conversations) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	iter := c.db.Query(`SELECT conversation_id, user_id, joined_at, last_read_at, is_admin, display_name, avatar_url, role
		FROM conversation_participants WHERE conversation_id = ?`,
		conversationID).WithContext(ctx).Iter()

	var participants []model.Participant
	var p model.Participant
	for iter.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LastReadAt,
		&p.IsAdmin, &p.DisplayName, &p.AvatarURL, &p.Role) {
		participants = append(participants, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list participants for %s: %w", conversationID, err)
	}
	return participants, nil
}

func (c *Conversations) Participant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	var p model.Participant
	err := c.db.Query(`SELECT conversation_id, user_id, joined_at, last_read_at, is_admin, display_name, avatar_url, role
		FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).WithContext(ctx).
		Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LastReadAt,
			&p.IsAdmin, &p.DisplayName, &p.AvatarURL, &p.Role)
	if err == gocql.ErrNotFound {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Touch bumps the conversation's updated_at and every participant's index
// row, so the directory ordering reflects the latest message.
func (c *Conversations) Touch(ctx context.Context, conversationID string, at time.Time) error {
	participants, err := c.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := c.db.Query(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		at, conversationID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("touch conversation %s: %w", conversationID, err)
	}
	for _, p := range participants {
		if err := c.db.Query(`INSERT INTO user_conversations (user_id, conversation_id, updated_at)
			VALUES (?, ?, ?)`, p.UserID, conversationID, at).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("touch index for %s: %w", p.UserID, err)
		}
	}
	return nil
}

// MarkRead advances the participant's read marker. The marker is monotonic:
// an older timestamp is a no-op, never a rollback.
func (c *Conversations) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	p, err := c.Participant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !at.After(p.LastReadAt) {
		return nil
	}
	return c.db.Query(`UPDATE conversation_participants SET last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?`,
		at, conversationID, userID).WithContext(ctx).Exec()
}
