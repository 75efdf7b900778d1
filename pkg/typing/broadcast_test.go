package typing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/live"
	"github.com/mahaj/chatcore/pkg/model"
)

type recordingFeed struct {
	mu     sync.Mutex
	events []live.Event
	err    error
}

func (f *recordingFeed) Subscribe(ctx context.Context, table string, filter live.Filter) (*live.Subscription, error) {
	return live.NewSubscription(table, filter, nil), nil
}

func (f *recordingFeed) Publish(ctx context.Context, ev live.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingFeed) published() []live.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]live.Event(nil), f.events...)
}

func TestStartTypingAnnouncesOnFeed(t *testing.T) {
	rec := &recordingSignaler{}
	feed := &recordingFeed{}
	b := NewBroadcaster(rec, feed, 5*time.Second, zap.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	require.NoError(t, b.StartTyping(context.Background(), "conv1", "alice"))

	starts, _ := rec.counts()
	assert.Equal(t, 1, starts, "the durable row is still written")

	events := feed.published()
	require.Len(t, events, 1)
	assert.Equal(t, live.TableTyping, events[0].Table)
	assert.Equal(t, live.OpInsert, events[0].Op)

	var indicator model.TypingIndicator
	require.NoError(t, json.Unmarshal(events[0].Payload, &indicator))
	assert.Equal(t, "conv1", indicator.ConversationID)
	assert.Equal(t, "alice", indicator.UserID)
	assert.Equal(t, base.Add(5*time.Second), indicator.ExpiresAt)
}

func TestStopTypingAnnouncesDelete(t *testing.T) {
	rec := &recordingSignaler{}
	feed := &recordingFeed{}
	b := NewBroadcaster(rec, feed, 5*time.Second, zap.NewNop())

	require.NoError(t, b.StopTyping(context.Background(), "conv1", "alice"))

	events := feed.published()
	require.Len(t, events, 1)
	assert.Equal(t, live.TableTyping, events[0].Table)
	assert.Equal(t, live.OpDelete, events[0].Op)

	var indicator model.TypingIndicator
	require.NoError(t, json.Unmarshal(events[0].Payload, &indicator))
	assert.Equal(t, "alice", indicator.UserID)
}

func TestStoreFailureSkipsBroadcast(t *testing.T) {
	feed := &recordingFeed{}
	b := NewBroadcaster(failingSignaler{}, feed, 5*time.Second, zap.NewNop())

	err := b.StartTyping(context.Background(), "conv1", "alice")
	assert.Error(t, err)
	assert.Empty(t, feed.published(), "no announcement for a signal that was never stored")
}

func TestPublishFailureDoesNotFailSignal(t *testing.T) {
	rec := &recordingSignaler{}
	feed := &recordingFeed{err: errors.New("broker down")}
	b := NewBroadcaster(rec, feed, 5*time.Second, zap.NewNop())

	assert.NoError(t, b.StartTyping(context.Background(), "conv1", "alice"),
		"peers fall back to local expiry when the announcement is lost")
}

type failingSignaler struct{}

func (failingSignaler) StartTyping(ctx context.Context, conversationID, userID string) error {
	return errors.New("redis down")
}

func (failingSignaler) StopTyping(ctx context.Context, conversationID, userID string) error {
	return errors.New("redis down")
}
