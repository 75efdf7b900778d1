package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
)

func indicatorAt(now time.Time, ttl time.Duration) model.TypingIndicator {
	return model.TypingIndicator{
		ConversationID: "conv1",
		UserID:         "bob",
		StartedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

type recordingSignaler struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (r *recordingSignaler) StartTyping(ctx context.Context, conversationID, userID string) error {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) StopTyping(ctx context.Context, conversationID, userID string) error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func newTestCoordinator(signaler Signaler, throttle, idleAfter time.Duration) *Coordinator {
	return NewCoordinator(signaler, "conv1", "alice", throttle, idleAfter, zap.NewNop())
}

func TestFirstKeystrokeEmitsStart(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 50*time.Millisecond, time.Minute)
	defer c.Close()

	c.InputChanged(context.Background(), "h")
	starts, stops := rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
}

func TestRepeatedInputThrottled(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 100*time.Millisecond, time.Minute)
	defer c.Close()

	ctx := context.Background()
	c.InputChanged(ctx, "h")
	c.InputChanged(ctx, "he")
	c.InputChanged(ctx, "hel")
	starts, _ := rec.counts()
	assert.Equal(t, 1, starts, "keystrokes inside the throttle window emit once")

	// Past the window a follow-up start refreshes the remote TTL.
	time.Sleep(120 * time.Millisecond)
	c.InputChanged(ctx, "hell")
	starts, _ = rec.counts()
	assert.Equal(t, 2, starts)
}

func TestInactivityEmitsStop(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 10*time.Millisecond, 40*time.Millisecond)
	defer c.Close()

	c.InputChanged(context.Background(), "h")
	require.Eventually(t, func() bool {
		_, stops := rec.counts()
		return stops == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRapidToggleEmitsSingleStop(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 100*time.Millisecond, 50*time.Millisecond)
	defer c.Close()

	ctx := context.Background()
	// type, delete, type, delete inside one throttle window: the retype
	// must not emit a duplicate start, and each quiescence emits exactly
	// one stop.
	c.InputChanged(ctx, "h")
	c.InputChanged(ctx, "")
	c.InputChanged(ctx, "x")
	c.InputChanged(ctx, "")

	// The empty input already stopped; the inactivity timer must not fire
	// a second stop for the same episode.
	time.Sleep(100 * time.Millisecond)

	starts, stops := rec.counts()
	assert.Equal(t, 1, starts, "no duplicate start inside the throttle window")
	assert.Equal(t, 2, stops, "one stop per quiescence, none duplicated by the timer")
}

func TestStaleInactivityTimerCannotStopRefreshedEpisode(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, time.Millisecond, 50*time.Millisecond)
	defer c.Close()

	ctx := context.Background()
	c.InputChanged(ctx, "h")

	// Hold the lock past the inactivity deadline so the fired callback
	// blocks on the mutex, then refresh the episode before releasing: the
	// callback lost the race to a fresh keystroke and must be a no-op.
	c.mu.Lock()
	time.Sleep(75 * time.Millisecond)
	c.typing = true
	c.resetInactivityLocked()
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	_, stops := rec.counts()
	assert.Equal(t, 0, stops, "superseded timer must not stop an active episode")
	c.mu.Lock()
	assert.True(t, c.typing, "episode survives the stale callback")
	c.mu.Unlock()

	// The refreshed timer still ends the episode on real quiescence.
	require.Eventually(t, func() bool {
		_, stops := rec.counts()
		return stops == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMessageSentStops(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 10*time.Millisecond, time.Minute)
	defer c.Close()

	ctx := context.Background()
	c.InputChanged(ctx, "hello")
	c.MessageSent(ctx)
	_, stops := rec.counts()
	assert.Equal(t, 1, stops)

	// Idle: sending again without typing emits nothing further.
	c.MessageSent(ctx)
	_, stops = rec.counts()
	assert.Equal(t, 1, stops)
}

func TestBlurWhileTypingStops(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 10*time.Millisecond, time.Minute)
	defer c.Close()

	ctx := context.Background()
	c.InputChanged(ctx, "draft")
	c.Blur(ctx)
	_, stops := rec.counts()
	assert.Equal(t, 1, stops)
}

func TestCloseEmitsFinalStop(t *testing.T) {
	rec := &recordingSignaler{}
	c := newTestCoordinator(rec, 10*time.Millisecond, time.Minute)

	c.InputChanged(context.Background(), "unsent draft")
	c.Close()
	_, stops := rec.counts()
	assert.Equal(t, 1, stops)

	// After Close the coordinator is inert.
	c.InputChanged(context.Background(), "more")
	starts, _ := rec.counts()
	assert.Equal(t, 1, starts)
}

func TestViewExpiresWithoutStopEvent(t *testing.T) {
	view := NewView()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	view.now = func() time.Time { return now }

	view.Apply(indicatorAt(now, 5*time.Second))
	require.Len(t, view.Active(), 1)

	// 5.001s later the indicator is gone even though no stop arrived.
	now = now.Add(5001 * time.Millisecond)
	assert.Empty(t, view.Active())
}

func TestViewRemoveOnExplicitStop(t *testing.T) {
	view := NewView()
	now := time.Now()

	indicator := indicatorAt(now, 5*time.Second)
	view.Apply(indicator)
	view.Remove(indicator.UserID)
	assert.Empty(t, view.Active())
}
