package typing

import (
	"sync"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
)

// View tracks peers' typing indicators for rendering. Indicators expire
// locally by their expires_at even when no explicit stop ever arrives
// (e.g. the peer's client crashed).
type View struct {
	mu    sync.Mutex
	peers map[string]model.TypingIndicator // user_id -> indicator
	now   func() time.Time
}

func NewView() *View {
	return &View{peers: make(map[string]model.TypingIndicator), now: time.Now}
}

// Apply records a start signal (or a TTL refresh) from a peer.
func (v *View) Apply(indicator model.TypingIndicator) {
	v.mu.Lock()
	v.peers[indicator.UserID] = indicator
	v.mu.Unlock()
}

// Remove handles an explicit stop. This is an optimization only; expiry
// would remove the indicator regardless.
func (v *View) Remove(userID string) {
	v.mu.Lock()
	delete(v.peers, userID)
	v.mu.Unlock()
}

// Active returns the currently live indicators and prunes expired ones.
func (v *View) Active() []model.TypingIndicator {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	var active []model.TypingIndicator
	for userID, indicator := range v.peers {
		if !indicator.Active(now) {
			delete(v.peers, userID)
			continue
		}
		active = append(active, indicator)
	}
	return active
}
