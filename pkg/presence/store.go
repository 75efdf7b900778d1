// Package presence reports the local user's online status with a periodic
// heartbeat and reads peers' status with a staleness rule: a stored
// "online" only counts while the last heartbeat is fresh, so a crashed
// peer goes offline without an explicit event.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/chatcore/pkg/model"
)

// Backend is the upsert/read surface the manager needs.
type Backend interface {
	Upsert(ctx context.Context, p model.Presence) error
	Get(ctx context.Context, userID string) (*model.Presence, error)
}

// Store keeps presence records in Redis. The key TTL is garbage collection
// only; staleness is always judged from the stored last_seen timestamp.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, staleness time.Duration) *Store {
	return &Store{rdb: rdb, ttl: staleness * 4}
}

func key(userID string) string { return "presence:user:" + userID }

func (s *Store) Upsert(ctx context.Context, p model.Presence) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(p.UserID), value, s.ttl).Err()
}

// Get returns the last known record, or nil if the user was never observed.
func (s *Store) Get(ctx context.Context, userID string) (*model.Presence, error) {
	value, err := s.rdb.Get(ctx, key(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.Presence
	if err := json.Unmarshal(value, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
