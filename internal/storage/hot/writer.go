package hot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// op is one queued projection write.
type op struct {
	kind string
	do   func(ctx context.Context, s Store) error
}

// Writer decouples the pipeline from the hot store. Writes are enqueued
// without blocking; when the queue is full the oldest entry is dropped with a
// warning and the degraded signal is raised. The pipeline never waits on the
// hot store.
type Writer struct {
	store    Store
	queue    chan op
	closed   atomic.Bool
	done     chan struct{}
	drops    atomic.Int64
	errs     atomic.Int64
	degraded atomic.Bool

	mu     sync.Mutex
	onDrop func(kind string)
}

// NewWriter builds a writer over store with the given queue capacity.
func NewWriter(store Store, capacity int) *Writer {
	if capacity < 1 {
		capacity = 1
	}
	return &Writer{
		store: store,
		queue: make(chan op, capacity),
		done:  make(chan struct{}),
	}
}

// OnDrop registers a hook observing every dropped write, for telemetry.
// Must be set before Run.
func (w *Writer) OnDrop(hook func(kind string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDrop = hook
}

// Run applies queued writes until Close is called and the queue drains, or
// ctx is cancelled. Run must be called exactly once.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case o, ok := <-w.queue:
			if !ok {
				return
			}
			w.apply(ctx, o)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops intake and lets Run drain what is already queued.
func (w *Writer) Close() {
	if w.closed.CompareAndSwap(false, true) {
		close(w.queue)
	}
}

// Done is closed when Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) apply(ctx context.Context, o op) {
	if err := o.do(ctx, w.store); err != nil {
		w.errs.Add(1)
		w.degraded.Store(true)
		log.Warn().Err(err).Str("kind", o.kind).Msg("hot store write failed")
		return
	}
	w.degraded.Store(false)
}

// enqueue drops the oldest queued write when full. Losing a hot write is
// acceptable: the next snapshot recomputes the projection.
func (w *Writer) enqueue(o op) {
	if w.closed.Load() {
		return
	}
	for {
		select {
		case w.queue <- o:
			return
		default:
		}
		select {
		case dropped := <-w.queue:
			w.noteDrop(dropped.kind)
		default:
		}
	}
}

func (w *Writer) noteDrop(kind string) {
	w.drops.Add(1)
	w.degraded.Store(true)
	log.Warn().Str("kind", kind).Msg("hot store queue full, dropped oldest write")
	w.mu.Lock()
	hook := w.onDrop
	w.mu.Unlock()
	if hook != nil {
		hook(kind)
	}
}

// WriteBook projects the latest book state.
func (w *Writer) WriteBook(snap *models.OrderBookSnapshot) {
	s := *snap
	w.enqueue(op{kind: "orderbook", do: func(ctx context.Context, st Store) error {
		return st.SetOrderBook(ctx, &s)
	}})
}

// WriteZScore projects one metric sample into the rolling buffer and the
// current-scores hash.
func (w *Writer) WriteZScore(sample *models.MetricSample) {
	s := *sample
	w.enqueue(op{kind: "zscore", do: func(ctx context.Context, st Store) error {
		return st.SetZScore(ctx, &s)
	}})
}

// WriteAlert projects an alert record. The alert is copied at enqueue time;
// the detector keeps mutating its own instance.
func (w *Writer) WriteAlert(a *models.Alert, event string) {
	c := *a
	w.enqueue(op{kind: "alert", do: func(ctx context.Context, st Store) error {
		return st.SetAlert(ctx, &c, event)
	}})
}

// DropAlert removes a resolved alert from the active projection.
func (w *Writer) DropAlert(a *models.Alert) {
	c := *a
	w.enqueue(op{kind: "alert", do: func(ctx context.Context, st Store) error {
		return st.RemoveAlert(ctx, &c)
	}})
}

// WriteDedup arms the throttle marker for a condition key.
func (w *Writer) WriteDedup(alertType, venue, instrument string, ttl time.Duration) {
	w.enqueue(op{kind: "dedup", do: func(ctx context.Context, st Store) error {
		return st.SetDedup(ctx, alertType, venue, instrument, ttl)
	}})
}

// WriteHealth projects a per-venue health snapshot.
func (w *Writer) WriteHealth(h *models.HealthSnapshot) {
	c := *h
	w.enqueue(op{kind: "health", do: func(ctx context.Context, st Store) error {
		return st.SetHealth(ctx, &c)
	}})
}

// WriteGap records a gap marker in the recent-gaps projection.
func (w *Writer) WriteGap(g *models.GapMarker) {
	c := *g
	w.enqueue(op{kind: "gap", do: func(ctx context.Context, st Store) error {
		return st.AddGap(ctx, &c)
	}})
}

// Depth returns the number of queued writes.
func (w *Writer) Depth() int {
	return len(w.queue)
}

// Dropped returns the total number of dropped writes.
func (w *Writer) Dropped() int64 {
	return w.drops.Load()
}

// Errors returns the total number of failed writes.
func (w *Writer) Errors() int64 {
	return w.errs.Load()
}

// Degraded reports whether the most recent write failed or was dropped.
// Health publishing surfaces this as the hot_store_degraded signal.
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}
