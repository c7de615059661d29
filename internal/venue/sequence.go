package venue

import (
	"sync"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// SequenceTracker detects data gaps for one venue across its instruments.
//
// Venue sequence ids are global, not per subscription: forward jumps are
// normal and never reported. A sequence gap exists only when the new id is
// less than or equal to the previous one (regression or duplicate). Silence
// on an instrument past the threshold opens a timeout gap once per episode.
// A connection outage is reported per instrument on the first message after
// reconnect, spanning (last message, first post-reconnect message).
type SequenceTracker struct {
	venue string

	mu     sync.Mutex
	states map[string]*seqState
}

type seqState struct {
	lastSeq   int64
	hasSeq    bool
	lastMsgAt time.Time
	hasMsg    bool
	silent    bool
	outage    bool
}

// NewSequenceTracker builds a tracker for one venue.
func NewSequenceTracker(venue string) *SequenceTracker {
	return &SequenceTracker{venue: venue, states: make(map[string]*seqState)}
}

// Observe records a sequenced message for an instrument and returns a gap
// marker when one is detected, nil otherwise.
func (t *SequenceTracker) Observe(instrument string, seq int64, at time.Time) *models.GapMarker {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(instrument)
	marker := t.resume(st, instrument, at)
	if marker == nil && st.hasSeq && seq <= st.lastSeq {
		g := models.NewGapMarker(t.venue, instrument, at, at, seqGapReason(seq, st.lastSeq))
		before, after := st.lastSeq, seq
		g.SequenceBefore, g.SequenceAfter = &before, &after
		marker = &g
	}

	st.lastSeq = seq
	st.hasSeq = true
	t.touch(st, at)
	return marker
}

// Touch records an unsequenced message (tickers) for an instrument. It keeps
// silence detection honest and can surface a pending outage marker.
func (t *SequenceTracker) Touch(instrument string, at time.Time) *models.GapMarker {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(instrument)
	marker := t.resume(st, instrument, at)
	t.touch(st, at)
	return marker
}

// MarkOutage flags every known instrument as disconnected. The next message
// per instrument produces a disconnect marker spanning the outage.
func (t *SequenceTracker) MarkOutage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.states {
		if st.hasMsg {
			st.outage = true
		}
	}
}

// Silent returns one timeout marker per instrument that has been quiet for
// at least threshold while the connection is up. Each silence episode is
// reported once; the next message re-arms detection. Instruments under an
// outage are skipped since the disconnect marker will cover the hole.
func (t *SequenceTracker) Silent(now time.Time, threshold time.Duration) []*models.GapMarker {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*models.GapMarker
	for instrument, st := range t.states {
		if !st.hasMsg || st.silent || st.outage {
			continue
		}
		if now.Sub(st.lastMsgAt) < threshold {
			continue
		}
		g := models.NewGapMarker(t.venue, instrument, st.lastMsgAt, now, models.GapReasonTimeout)
		out = append(out, &g)
		st.silent = true
	}
	return out
}

func (t *SequenceTracker) state(instrument string) *seqState {
	st, ok := t.states[instrument]
	if !ok {
		st = &seqState{}
		t.states[instrument] = st
	}
	return st
}

// resume closes a pending outage for the instrument. Sequence state is
// discarded: the venue may have restarted its counters while we were away.
func (t *SequenceTracker) resume(st *seqState, instrument string, at time.Time) *models.GapMarker {
	if !st.outage {
		return nil
	}
	g := models.NewGapMarker(t.venue, instrument, st.lastMsgAt, at, models.GapReasonDisconnect)
	st.outage = false
	st.hasSeq = false
	return &g
}

func (t *SequenceTracker) touch(st *seqState, at time.Time) {
	st.lastMsgAt = at
	st.hasMsg = true
	st.silent = false
}

func seqGapReason(seq, prev int64) models.GapReason {
	if seq < prev {
		return models.GapReasonSequenceRegression
	}
	return models.GapReasonDuplicate
}
