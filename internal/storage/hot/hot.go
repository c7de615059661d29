// Package hot projects the latest pipeline state into Redis for the external
// UI: current order books, z-scores, active alerts, per-venue health and
// recent gap markers. The key layout is an external contract; changing it
// breaks readers that are not part of this repository. Writes are best-effort
// and flow through a buffered Writer that drops oldest on overflow.
package hot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Publish channels for UI invalidations. Payloads are small JSON documents
// naming what changed; readers re-fetch the key.
const (
	ChannelOrderbook = "updates:orderbook"
	ChannelMetrics   = "updates:metrics"
	ChannelAlerts    = "updates:alerts"
	ChannelHealth    = "updates:health"
)

// Alert lifecycle events carried on ChannelAlerts.
const (
	EventFired     = "fired"
	EventUpdated   = "updated"
	EventEscalated = "escalated"
	EventResolved  = "resolved"
)

// Store is the hot-state projection. Implementations must keep every write
// idempotent: the writer retries nothing, but the pipeline may replay a
// projection after reconnecting to the store.
type Store interface {
	SetOrderBook(ctx context.Context, snap *models.OrderBookSnapshot) error
	SetZScore(ctx context.Context, sample *models.MetricSample) error
	SetAlert(ctx context.Context, a *models.Alert, event string) error
	RemoveAlert(ctx context.Context, a *models.Alert) error
	SetDedup(ctx context.Context, alertType, venue, instrument string, ttl time.Duration) error
	HasDedup(ctx context.Context, alertType, venue, instrument string) (bool, error)
	SetHealth(ctx context.Context, h *models.HealthSnapshot) error
	AddGap(ctx context.Context, g *models.GapMarker) error
	LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	LoadHealth(ctx context.Context) ([]*models.HealthSnapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes TTLs and buffer sizes. Zero values pick the defaults the
// external readers are calibrated for.
type Options struct {
	StateTTL     time.Duration // book and health hashes
	ZScoreTTL    time.Duration // z-score buffers and current hashes
	ZScoreWindow int           // rolling buffer length kept per metric
	GapKeep      int           // recent gap markers kept per (venue, instrument)
}

func (o *Options) applyDefaults() {
	if o.StateTTL == 0 {
		o.StateTTL = 60 * time.Second
	}
	if o.ZScoreTTL == 0 {
		o.ZScoreTTL = 600 * time.Second
	}
	if o.ZScoreWindow == 0 {
		o.ZScoreWindow = 300
	}
	if o.GapKeep == 0 {
		o.GapKeep = 100
	}
}

func bookKey(venue, instrument string) string {
	return "orderbook:" + venue + ":" + instrument
}

func zscoreBufferKey(venue, instrument, metric string) string {
	return "zscore:" + venue + ":" + instrument + ":" + metric
}

func zscoreCurrentKey(venue, instrument string) string {
	return "zscore:current:" + venue + ":" + instrument
}

func alertKey(alertID string) string {
	return "alerts:active:" + alertID
}

func alertsByInstrumentKey(instrument string) string {
	return "alerts:by_instrument:" + instrument
}

func alertsByPriorityKey(p models.Priority) string {
	return "alerts:by_priority:" + string(p)
}

func dedupKey(alertType, venue, instrument string) string {
	return "alerts:dedup:" + alertType + ":" + venue + ":" + instrument
}

func healthKey(venue string) string {
	return "health:" + venue
}

func gapsKey(venue, instrument string) string {
	return "gaps:recent:" + venue + ":" + instrument
}

var priorities = []models.Priority{models.PriorityP1, models.PriorityP2, models.PriorityP3}

// Redis implements Store on a go-redis client.
type Redis struct {
	client *redis.Client
	opts   Options
}

// NewRedis connects to the store at url (redis://host:port/db) with pool and
// retry settings sized for a steady sub-millisecond write load.
func NewRedis(url string, opts Options) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	ropts.PoolSize = 10
	ropts.MinIdleConns = 2
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	ropts.MaxRetries = 3
	ropts.MinRetryBackoff = 100 * time.Millisecond
	ropts.MaxRetryBackoff = 500 * time.Millisecond

	opts.applyDefaults()
	return &Redis{client: redis.NewClient(ropts), opts: opts}, nil
}

// SetOrderBook overwrites the latest book hash and notifies subscribers.
func (r *Redis) SetOrderBook(ctx context.Context, snap *models.OrderBookSnapshot) error {
	fields, err := bookFields(snap)
	if err != nil {
		return err
	}
	key := bookKey(snap.Venue, snap.Instrument)
	payload := mustJSON(bookInvalidation{
		Venue:      snap.Venue,
		Instrument: snap.Instrument,
		SequenceID: snap.SequenceID,
	})

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.opts.StateTTL)
	pipe.Publish(ctx, ChannelOrderbook, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// SetZScore pushes the sample value onto the rolling buffer and, when the
// sample carries a z-score, updates the current-scores hash.
func (r *Redis) SetZScore(ctx context.Context, sample *models.MetricSample) error {
	bufKey := zscoreBufferKey(sample.Venue, sample.Instrument, sample.Metric)
	payload := mustJSON(metricInvalidation{
		Venue:      sample.Venue,
		Instrument: sample.Instrument,
		Metric:     sample.Metric,
	})

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, bufKey, sample.Value.String())
	pipe.LTrim(ctx, bufKey, 0, int64(r.opts.ZScoreWindow-1))
	pipe.Expire(ctx, bufKey, r.opts.ZScoreTTL)
	if sample.ZScore != nil {
		curKey := zscoreCurrentKey(sample.Venue, sample.Instrument)
		pipe.HSet(ctx, curKey, sample.Metric, sample.ZScore.String())
		pipe.Expire(ctx, curKey, r.opts.ZScoreTTL)
	}
	pipe.Publish(ctx, ChannelMetrics, payload)
	_, err := pipe.Exec(ctx)
	return err
}

// SetAlert projects the alert record and maintains both reverse indexes. An
// escalated alert moves between priority sets in the same pipeline.
func (r *Redis) SetAlert(ctx context.Context, a *models.Alert, event string) error {
	key := alertKey(a.AlertID)
	payload := mustJSON(alertInvalidation{
		AlertID:  a.AlertID,
		Event:    event,
		Priority: string(a.Priority),
	})

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, alertFields(a))
	pipe.SAdd(ctx, alertsByInstrumentKey(a.Instrument), a.AlertID)
	for _, p := range priorities {
		if p == a.Priority {
			pipe.SAdd(ctx, alertsByPriorityKey(p), a.AlertID)
		} else {
			pipe.SRem(ctx, alertsByPriorityKey(p), a.AlertID)
		}
	}
	pipe.Publish(ctx, ChannelAlerts, payload)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveAlert drops a resolved alert from the active record and both indexes.
func (r *Redis) RemoveAlert(ctx context.Context, a *models.Alert) error {
	payload := mustJSON(alertInvalidation{
		AlertID:  a.AlertID,
		Event:    EventResolved,
		Priority: string(a.Priority),
	})

	pipe := r.client.Pipeline()
	pipe.Del(ctx, alertKey(a.AlertID))
	pipe.SRem(ctx, alertsByInstrumentKey(a.Instrument), a.AlertID)
	for _, p := range priorities {
		pipe.SRem(ctx, alertsByPriorityKey(p), a.AlertID)
	}
	pipe.Publish(ctx, ChannelAlerts, payload)
	_, err := pipe.Exec(ctx)
	return err
}

// SetDedup arms the throttle marker for a condition key.
func (r *Redis) SetDedup(ctx context.Context, alertType, venue, instrument string, ttl time.Duration) error {
	return r.client.Set(ctx, dedupKey(alertType, venue, instrument), "1", ttl).Err()
}

// HasDedup reports whether the throttle marker is still alive.
func (r *Redis) HasDedup(ctx context.Context, alertType, venue, instrument string) (bool, error) {
	err := r.client.Get(ctx, dedupKey(alertType, venue, instrument)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}

// SetHealth overwrites the per-venue health hash.
func (r *Redis) SetHealth(ctx context.Context, h *models.HealthSnapshot) error {
	key := healthKey(h.Venue)
	payload := mustJSON(healthInvalidation{Venue: h.Venue, Status: string(h.Status)})

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, healthFields(h))
	pipe.Expire(ctx, key, r.opts.StateTTL)
	pipe.Publish(ctx, ChannelHealth, payload)
	_, err := pipe.Exec(ctx)
	return err
}

// AddGap prepends the marker to the recent-gaps list for its instrument.
func (r *Redis) AddGap(ctx context.Context, g *models.GapMarker) error {
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gap marker: %w", err)
	}
	key := gapsKey(g.Venue, g.Instrument)

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, doc)
	pipe.LTrim(ctx, key, 0, int64(r.opts.GapKeep-1))
	pipe.Expire(ctx, key, r.opts.ZScoreTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadActiveAlerts reads every alert referenced by the priority indexes.
// Records that fail to decode are skipped; recovery prefers partial state
// over refusing to start.
func (r *Redis) LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	keys := make([]string, 0, len(priorities))
	for _, p := range priorities {
		keys = append(keys, alertsByPriorityKey(p))
	}
	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read alert indexes: %w", err)
	}

	alerts := make([]*models.Alert, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, alertKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read alert %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		a, err := alertFromFields(fields)
		if err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// LoadHealth scans the health rows of every reporting process and venue.
func (r *Redis) LoadHealth(ctx context.Context) ([]*models.HealthSnapshot, error) {
	var rows []*models.HealthSnapshot
	iter := r.client.Scan(ctx, 0, healthKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		fields, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("read health %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue
		}
		h, err := healthFromFields(fields)
		if err != nil {
			continue
		}
		rows = append(rows, h)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan health keys: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Venue < rows[j].Venue })
	return rows, nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func mustJSON(v interface{}) []byte {
	doc, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return doc
}

type bookInvalidation struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	SequenceID int64  `json:"sequence_id"`
}

type metricInvalidation struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Metric     string `json:"metric"`
}

type alertInvalidation struct {
	AlertID  string `json:"alert_id"`
	Event    string `json:"event"`
	Priority string `json:"priority"`
}

type healthInvalidation struct {
	Venue  string `json:"venue"`
	Status string `json:"status"`
}
