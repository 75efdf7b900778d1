package typing

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/live"
	"github.com/mahaj/chatcore/pkg/model"
)

// Broadcaster pairs an indicator Signaler with the live feed: every signal
// is persisted and then announced, the same way a sent message publishes
// its own insert event. Peers receive start/refresh as an insert and an
// explicit stop as a delete on the typing_indicators topic.
type Broadcaster struct {
	inner Signaler
	feed  live.Feed
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewBroadcaster(inner Signaler, feed live.Feed, ttl time.Duration, log *zap.Logger) *Broadcaster {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broadcaster{inner: inner, feed: feed, ttl: ttl, log: log, now: time.Now}
}

func (b *Broadcaster) StartTyping(ctx context.Context, conversationID, userID string) error {
	if err := b.inner.StartTyping(ctx, conversationID, userID); err != nil {
		return err
	}
	now := b.now().UTC()
	b.publish(ctx, live.OpInsert, model.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      now,
		ExpiresAt:      now.Add(b.ttl),
	})
	return nil
}

func (b *Broadcaster) StopTyping(ctx context.Context, conversationID, userID string) error {
	if err := b.inner.StopTyping(ctx, conversationID, userID); err != nil {
		return err
	}
	b.publish(ctx, live.OpDelete, model.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
	})
	return nil
}

// publish is best-effort: the row is already written, and peers expire
// indicators locally when no event arrives.
func (b *Broadcaster) publish(ctx context.Context, op live.Op, indicator model.TypingIndicator) {
	payload, err := json.Marshal(indicator)
	if err != nil {
		return
	}
	ev := live.Event{Table: live.TableTyping, Op: op, Payload: payload}
	if err := b.feed.Publish(ctx, ev); err != nil {
		b.log.Warn("typing broadcast failed",
			zap.String("conversation_id", indicator.ConversationID), zap.Error(err))
	}
}
