package hot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Memory implements Store on process-local maps. It backs tests and serves
// as a last-resort projection target when Redis is unreachable at startup.
// TTLs are honored only for dedup markers; nothing else expires.
type Memory struct {
	clk clock.Clock

	mu           sync.RWMutex
	books        map[string]map[string]string
	zbuffers     map[string][]string
	zcurrent     map[string]map[string]string
	alerts       map[string]map[string]string
	byInstrument map[string]map[string]struct{}
	byPriority   map[models.Priority]map[string]struct{}
	dedup        map[string]time.Time
	health       map[string]map[string]string
	gaps         map[string][]string
	published    map[string][]string

	opts    Options
	failing bool
}

// NewMemory builds an empty in-memory store. A nil clock falls back to the
// system clock.
func NewMemory(clk clock.Clock, opts Options) *Memory {
	if clk == nil {
		clk = clock.System()
	}
	opts.applyDefaults()
	m := &Memory{clk: clk, opts: opts}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.books = make(map[string]map[string]string)
	m.zbuffers = make(map[string][]string)
	m.zcurrent = make(map[string]map[string]string)
	m.alerts = make(map[string]map[string]string)
	m.byInstrument = make(map[string]map[string]struct{})
	m.byPriority = make(map[models.Priority]map[string]struct{})
	m.dedup = make(map[string]time.Time)
	m.health = make(map[string]map[string]string)
	m.gaps = make(map[string][]string)
	m.published = make(map[string][]string)
}

// SetFailing makes every write return an error, simulating an outage.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

var errStoreDown = fmt.Errorf("hot store unavailable")

func (m *Memory) checkFailing() error {
	if m.failing {
		return errStoreDown
	}
	return nil
}

func stringify(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func (m *Memory) SetOrderBook(_ context.Context, snap *models.OrderBookSnapshot) error {
	fields, err := bookFields(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	m.books[bookKey(snap.Venue, snap.Instrument)] = stringify(fields)
	m.publish(ChannelOrderbook, mustJSON(bookInvalidation{
		Venue:      snap.Venue,
		Instrument: snap.Instrument,
		SequenceID: snap.SequenceID,
	}))
	return nil
}

func (m *Memory) SetZScore(_ context.Context, sample *models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	bufKey := zscoreBufferKey(sample.Venue, sample.Instrument, sample.Metric)
	buf := append([]string{sample.Value.String()}, m.zbuffers[bufKey]...)
	if len(buf) > m.opts.ZScoreWindow {
		buf = buf[:m.opts.ZScoreWindow]
	}
	m.zbuffers[bufKey] = buf

	if sample.ZScore != nil {
		curKey := zscoreCurrentKey(sample.Venue, sample.Instrument)
		cur := m.zcurrent[curKey]
		if cur == nil {
			cur = make(map[string]string)
			m.zcurrent[curKey] = cur
		}
		cur[sample.Metric] = sample.ZScore.String()
	}
	m.publish(ChannelMetrics, mustJSON(metricInvalidation{
		Venue:      sample.Venue,
		Instrument: sample.Instrument,
		Metric:     sample.Metric,
	}))
	return nil
}

func (m *Memory) SetAlert(_ context.Context, a *models.Alert, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	m.alerts[a.AlertID] = stringify(alertFields(a))

	if m.byInstrument[a.Instrument] == nil {
		m.byInstrument[a.Instrument] = make(map[string]struct{})
	}
	m.byInstrument[a.Instrument][a.AlertID] = struct{}{}
	for _, p := range priorities {
		if p == a.Priority {
			if m.byPriority[p] == nil {
				m.byPriority[p] = make(map[string]struct{})
			}
			m.byPriority[p][a.AlertID] = struct{}{}
		} else {
			delete(m.byPriority[p], a.AlertID)
		}
	}
	m.publish(ChannelAlerts, mustJSON(alertInvalidation{
		AlertID:  a.AlertID,
		Event:    event,
		Priority: string(a.Priority),
	}))
	return nil
}

func (m *Memory) RemoveAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	delete(m.alerts, a.AlertID)
	delete(m.byInstrument[a.Instrument], a.AlertID)
	for _, p := range priorities {
		delete(m.byPriority[p], a.AlertID)
	}
	m.publish(ChannelAlerts, mustJSON(alertInvalidation{
		AlertID:  a.AlertID,
		Event:    EventResolved,
		Priority: string(a.Priority),
	}))
	return nil
}

func (m *Memory) SetDedup(_ context.Context, alertType, venue, instrument string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	m.dedup[dedupKey(alertType, venue, instrument)] = m.clk.Now().Add(ttl)
	return nil
}

func (m *Memory) HasDedup(_ context.Context, alertType, venue, instrument string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, ok := m.dedup[dedupKey(alertType, venue, instrument)]
	if !ok {
		return false, nil
	}
	return m.clk.Now().Before(expiry), nil
}

func (m *Memory) SetHealth(_ context.Context, h *models.HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	m.health[healthKey(h.Venue)] = stringify(healthFields(h))
	m.publish(ChannelHealth, mustJSON(healthInvalidation{Venue: h.Venue, Status: string(h.Status)}))
	return nil
}

func (m *Memory) AddGap(_ context.Context, g *models.GapMarker) error {
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gap marker: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailing(); err != nil {
		return err
	}
	key := gapsKey(g.Venue, g.Instrument)
	list := append([]string{string(doc)}, m.gaps[key]...)
	if len(list) > m.opts.GapKeep {
		list = list[:m.opts.GapKeep]
	}
	m.gaps[key] = list
	return nil
}

func (m *Memory) LoadActiveAlerts(_ context.Context) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alerts := make([]*models.Alert, 0, len(m.alerts))
	for _, fields := range m.alerts {
		a, err := alertFromFields(fields)
		if err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (m *Memory) LoadHealth(_ context.Context) ([]*models.HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]*models.HealthSnapshot, 0, len(m.health))
	for _, fields := range m.health {
		h, err := healthFromFields(fields)
		if err != nil {
			continue
		}
		rows = append(rows, h)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Venue < rows[j].Venue })
	return rows, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkFailing()
}

func (m *Memory) Close() error { return nil }

func (m *Memory) publish(channel string, payload []byte) {
	m.published[channel] = append(m.published[channel], string(payload))
}

// Test accessors.

// Book returns the stored field map for one (venue, instrument).
func (m *Memory) Book(venue, instrument string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.books[bookKey(venue, instrument)]
	return fields, ok
}

// ZBuffer returns the rolling buffer for one metric, newest first.
func (m *Memory) ZBuffer(venue, instrument, metric string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.zbuffers[zscoreBufferKey(venue, instrument, metric)]...)
}

// ZCurrent returns the latest z-score string for one metric.
func (m *Memory) ZCurrent(venue, instrument, metric string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.zcurrent[zscoreCurrentKey(venue, instrument)]
	if !ok {
		return "", false
	}
	z, ok := cur[metric]
	return z, ok
}

// ActiveAlertIDs returns ids of all stored alert records.
func (m *Memory) ActiveAlertIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.alerts))
	for id := range m.alerts {
		ids = append(ids, id)
	}
	return ids
}

// PriorityIndex returns the alert ids indexed under one priority.
func (m *Memory) PriorityIndex(p models.Priority) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byPriority[p]))
	for id := range m.byPriority[p] {
		ids = append(ids, id)
	}
	return ids
}

// Health returns the stored health field map for one venue.
func (m *Memory) Health(venue string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.health[healthKey(venue)]
	return fields, ok
}

// Gaps returns stored gap marker JSON documents for one instrument, newest
// first.
func (m *Memory) Gaps(venue, instrument string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.gaps[gapsKey(venue, instrument)]...)
}

// Published returns how many invalidations went out on one channel.
func (m *Memory) Published(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.published[channel])
}
