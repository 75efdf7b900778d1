package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultStaleness = 2 * time.Minute
)

// Manager owns the local user's presence lifecycle: online on Start, a
// heartbeat while running, away/online on visibility changes, and a
// best-effort offline on Close. Heartbeat failures are logged, never
// propagated; observers self-correct through the staleness rule.
type Manager struct {
	backend   Backend
	userID    string
	heartbeat time.Duration
	staleness time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewManager(backend Backend, userID string, heartbeat, staleness time.Duration, log *zap.Logger) *Manager {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Manager{
		backend:   backend,
		userID:    userID,
		heartbeat: heartbeat,
		staleness: staleness,
		log:       log,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start reports the user online and launches the heartbeat loop.
func (m *Manager) Start(ctx context.Context) {
	m.upsert(ctx, model.StatusOnline)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.upsert(context.Background(), model.StatusOnline)
			case <-m.stop:
				return
			}
		}
	}()
}

// SetVisible reacts to the UI becoming hidden or visible. The transition is
// reported immediately rather than waiting for the next heartbeat tick.
func (m *Manager) SetVisible(ctx context.Context, visible bool) {
	if visible {
		m.upsert(ctx, model.StatusOnline)
	} else {
		m.upsert(ctx, model.StatusAway)
	}
}

// Close stops the heartbeat and reports offline. Advisory only: observers
// must not depend on this event arriving.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.upsert(ctx, model.StatusOffline)
}

// IsOnline applies the authoritative read-side rule: stored status must be
// online and the last heartbeat must be within the staleness window.
func (m *Manager) IsOnline(ctx context.Context, userID string) bool {
	p, err := m.Get(ctx, userID)
	if err != nil {
		m.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if p == nil {
		return false
	}
	return p.Online(m.now(), m.staleness)
}

// Get returns the last known presence record, or nil if never observed.
func (m *Manager) Get(ctx context.Context, userID string) (*model.Presence, error) {
	return m.backend.Get(ctx, userID)
}

func (m *Manager) upsert(ctx context.Context, status model.PresenceStatus) {
	now := m.now()
	metrics.HeartbeatsSent.Inc()
	err := m.backend.Upsert(ctx, model.Presence{
		UserID:    m.userID,
		Status:    status,
		LastSeen:  now,
		UpdatedAt: now,
	})
	if err != nil {
		m.log.Warn("presence upsert failed", zap.String("status", string(status)), zap.Error(err))
	}
}
