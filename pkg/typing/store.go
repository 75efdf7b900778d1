// Package typing emits and renders "user is typing" signals. The expiry
// timestamp on an indicator is the source of truth: an explicit stop only
// removes it early, and observers must expire indicators on their own.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/chatcore/pkg/model"
)

const DefaultTTL = 5 * time.Second

// Signaler is the emission side of the typing transport.
type Signaler interface {
	StartTyping(ctx context.Context, conversationID, userID string) error
	StopTyping(ctx context.Context, conversationID, userID string) error
}

// Store keeps typing indicators in Redis with the TTL baked into both the
// stored value (expires_at, authoritative) and the key (garbage collection).
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func key(conversationID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", conversationID, userID)
}

func (s *Store) StartTyping(ctx context.Context, conversationID, userID string) error {
	now := s.now()
	indicator := model.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	value, err := json.Marshal(indicator)
	if err != nil {
		return err
	}
	// Re-emitting refreshes the TTL.
	return s.rdb.Set(ctx, key(conversationID, userID), value, s.ttl).Err()
}

func (s *Store) StopTyping(ctx context.Context, conversationID, userID string) error {
	return s.rdb.Del(ctx, key(conversationID, userID)).Err()
}

// Active returns the indicators in a conversation that have not expired.
func (s *Store) Active(ctx context.Context, conversationID string) ([]model.TypingIndicator, error) {
	keys, err := s.rdb.Keys(ctx, fmt.Sprintf("typing:%s:*", conversationID)).Result()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var active []model.TypingIndicator
	for _, k := range keys {
		value, err := s.rdb.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var indicator model.TypingIndicator
		if err := json.Unmarshal(value, &indicator); err != nil {
			continue
		}
		if indicator.Active(now) {
			active = append(active, indicator)
		}
	}
	return active, nil
}
