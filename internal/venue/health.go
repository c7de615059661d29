package venue

import (
	"sync"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// maxGapHistory bounds the gap ring; one entry per second for an hour.
const maxGapHistory = 3600

// HealthTracker aggregates connection health for one venue. A venue may run
// several sessions (futures and spot legs); the exposed status is the worst
// across them.
type HealthTracker struct {
	venue string
	clk   clock.Clock

	mu            sync.Mutex
	states        map[string]State
	lastMessageAt time.Time
	hasMessage    bool
	messageCount  int64
	reconnects    int64
	gapTimes      []time.Time
}

// NewHealthTracker builds a tracker for one venue. A nil clock uses the
// system clock.
func NewHealthTracker(venue string, clk clock.Clock) *HealthTracker {
	if clk == nil {
		clk = clock.System()
	}
	return &HealthTracker{venue: venue, clk: clk, states: make(map[string]State)}
}

// SetState records a session's lifecycle state.
func (h *HealthTracker) SetState(session string, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[session] = s
}

// RecordMessage counts one received stream message.
func (h *HealthTracker) RecordMessage(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messageCount++
	if !h.hasMessage || at.After(h.lastMessageAt) {
		h.lastMessageAt = at
		h.hasMessage = true
	}
}

// RecordReconnect counts one reconnection.
func (h *HealthTracker) RecordReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
}

// RecordGap adds a gap instant to the last-hour ring.
func (h *HealthTracker) RecordGap(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gapTimes = append(h.gapTimes, at)
	if len(h.gapTimes) > maxGapHistory {
		h.gapTimes = h.gapTimes[len(h.gapTimes)-maxGapHistory:]
	}
}

// Snapshot returns the current health projection.
func (h *HealthTracker) Snapshot() models.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clk.Now()
	h.pruneGaps(now)

	snap := models.HealthSnapshot{
		Venue:          h.venue,
		Status:         h.worstStatus(),
		MessageCount:   h.messageCount,
		ReconnectCount: h.reconnects,
		GapsLastHour:   len(h.gapTimes),
	}
	if h.hasMessage {
		at := h.lastMessageAt
		snap.LastMessageAt = &at
		if lag := now.Sub(at); lag > 0 {
			snap.LagMs = lag.Milliseconds()
		}
	}
	return snap
}

func (h *HealthTracker) pruneGaps(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := h.gapTimes[:0]
	for _, at := range h.gapTimes {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	h.gapTimes = keep
}

// worstStatus ranks session statuses and returns the least healthy one.
func (h *HealthTracker) worstStatus() models.ConnectionStatus {
	if len(h.states) == 0 {
		return models.StatusDisconnected
	}
	worst := models.StatusConnected
	for _, s := range h.states {
		if statusRank(s.connectionStatus()) > statusRank(worst) {
			worst = s.connectionStatus()
		}
	}
	return worst
}

func statusRank(s models.ConnectionStatus) int {
	switch s {
	case models.StatusConnected:
		return 0
	case models.StatusDegraded:
		return 1
	case models.StatusReconnecting:
		return 2
	default:
		return 3
	}
}
