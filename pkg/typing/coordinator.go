package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/metrics"
)

const (
	DefaultThrottle  = 2 * time.Second
	DefaultIdleAfter = 3 * time.Second
)

// Coordinator is the Idle/Typing state machine for the local user in one
// conversation. Two timers drive it: a throttle window bounding start
// emissions to one per window, and an inactivity timer that forces the
// Typing -> Idle transition and the explicit stop signal.
//
// Emission failures are logged through zap and never block input handling.
type Coordinator struct {
	conversationID string
	userID         string
	signaler       Signaler
	log            *zap.Logger

	throttle  time.Duration
	idleAfter time.Duration
	now       func() time.Time

	mu         sync.Mutex
	typing     bool
	lastEmit   time.Time
	inactivity *time.Timer
	timerGen   uint64
	closed     bool
}

func NewCoordinator(signaler Signaler, conversationID, userID string, throttle, idleAfter time.Duration, log *zap.Logger) *Coordinator {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Coordinator{
		conversationID: conversationID,
		userID:         userID,
		signaler:       signaler,
		log:            log,
		throttle:       throttle,
		idleAfter:      idleAfter,
		now:            time.Now,
	}
}

// InputChanged is fed every change of the compose field. A non-empty value
// enters or refreshes Typing; an empty value is quiescence and stops.
func (c *Coordinator) InputChanged(ctx context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if text == "" {
		c.stopLocked(ctx)
		return
	}

	now := c.now()
	c.typing = true
	// The throttle window survives the Typing -> Idle transition: a rapid
	// delete-and-retype inside the window must not re-emit a start.
	if now.Sub(c.lastEmit) >= c.throttle {
		c.lastEmit = now
		c.emitStart(ctx)
	}

	c.resetInactivityLocked()
}

// Blur handles the compose field losing focus while non-empty.
func (c *Coordinator) Blur(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
}

// MessageSent transitions to Idle when the composed message goes out.
func (c *Coordinator) MessageSent(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
}

// Close stops the timers and emits a final stop if still typing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked(context.Background())
	c.closed = true
}

// resetInactivityLocked arms a fresh inactivity timer. Timer.Stop cannot
// reach a callback that has already fired and is waiting on the mutex, so
// the callback re-checks the generation under the lock: a superseded timer
// must never end an episode a later keystroke refreshed.
func (c *Coordinator) resetInactivityLocked() {
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.inactivity = time.AfterFunc(c.idleAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.timerGen {
			return
		}
		c.stopLocked(context.Background())
	})
}

// stopLocked is the single Typing -> Idle transition point. Exactly one
// stop signal is emitted per episode no matter which trigger fires first.
func (c *Coordinator) stopLocked(ctx context.Context) {
	c.timerGen++
	if c.inactivity != nil {
		c.inactivity.Stop()
		c.inactivity = nil
	}
	if !c.typing {
		return
	}
	c.typing = false
	metrics.TypingSignals.Inc()
	if err := c.signaler.StopTyping(ctx, c.conversationID, c.userID); err != nil {
		c.log.Warn("stop typing signal failed", zap.Error(err))
	}
}

func (c *Coordinator) emitStart(ctx context.Context) {
	metrics.TypingSignals.Inc()
	if err := c.signaler.StartTyping(ctx, c.conversationID, c.userID); err != nil {
		c.log.Warn("start typing signal failed", zap.Error(err))
	}
}
