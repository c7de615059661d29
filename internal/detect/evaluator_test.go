package detect

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sampleAt(value string, z *decimal.Decimal) *models.MetricSample {
	return &models.MetricSample{
		Metric:     models.MetricSpreadBps,
		Venue:      "binance",
		Instrument: "BTC-USDT-PERP",
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
		Value:      dec(value),
		ZScore:     z,
	}
}

func spreadDef() *models.AlertDefinition {
	return &models.AlertDefinition{
		AlertType:       "spread_warning",
		Metric:          models.MetricSpreadBps,
		DefaultPriority: models.PriorityP2,
		DefaultSeverity: models.SeverityWarning,
		Comparison:      models.CompareGT,
		RequiresZScore:  true,
		ThrottleSeconds: 60,
		Enabled:         true,
	}
}

func TestEvaluate_GateOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	th := models.Threshold{Value: dec("3.0"), ZScoreThreshold: decPtr("2.0"), Enabled: true}

	tests := []struct {
		name      string
		def       func() *models.AlertDefinition
		sample    *models.MetricSample
		firstSeen time.Time
		haveCell  bool
		want      Evaluation
	}{
		{
			name:   "below_threshold_clears_cell",
			def:    spreadDef,
			sample: sampleAt("2.5", decPtr("6.0")),
			want:   Evaluation{Cell: CellClear},
		},
		{
			name:   "equal_threshold_is_not_a_trigger",
			def:    spreadDef,
			sample: sampleAt("3.0", decPtr("6.0")),
			want:   Evaluation{Cell: CellClear},
		},
		{
			name:   "zscore_absent_during_warmup",
			def:    spreadDef,
			sample: sampleAt("5.0", nil),
			want:   Evaluation{Skip: SkipZScoreWarmup},
		},
		{
			name:   "zscore_below_gate",
			def:    spreadDef,
			sample: sampleAt("5.0", decPtr("1.5")),
			want:   Evaluation{Skip: SkipZScoreBelow},
		},
		{
			name:   "zscore_negative_magnitude_passes",
			def:    spreadDef,
			sample: sampleAt("5.0", decPtr("-6.0")),
			want:   Evaluation{Triggered: true},
		},
		{
			name:   "zscore_equal_gate_passes",
			def:    spreadDef,
			sample: sampleAt("5.0", decPtr("2.0")),
			want:   Evaluation{Triggered: true},
		},
		{
			name: "persistence_starting",
			def: func() *models.AlertDefinition {
				d := spreadDef()
				d.PersistenceSeconds = 120
				return d
			},
			sample: sampleAt("5.0", decPtr("6.0")),
			want:   Evaluation{Skip: SkipPersistenceStarting, Cell: CellSet},
		},
		{
			name: "persistence_not_met",
			def: func() *models.AlertDefinition {
				d := spreadDef()
				d.PersistenceSeconds = 120
				return d
			},
			sample:    sampleAt("5.0", decPtr("6.0")),
			firstSeen: now.Add(-119 * time.Second),
			haveCell:  true,
			want:      Evaluation{Skip: SkipPersistenceNotMet},
		},
		{
			name: "persistence_met",
			def: func() *models.AlertDefinition {
				d := spreadDef()
				d.PersistenceSeconds = 120
				return d
			},
			sample:    sampleAt("5.0", decPtr("6.0")),
			firstSeen: now.Add(-120 * time.Second),
			haveCell:  true,
			want:      Evaluation{Triggered: true},
		},
		{
			name: "triggered_without_gates",
			def: func() *models.AlertDefinition {
				d := spreadDef()
				d.RequiresZScore = false
				return d
			},
			sample: sampleAt("5.0", nil),
			want:   Evaluation{Triggered: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.sample, tt.def(), th, tt.firstSeen, tt.haveCell, now)
			assert.Equal(t, tt.want.Triggered, got.Triggered)
			assert.Equal(t, tt.want.Skip, got.Skip)
			assert.Equal(t, tt.want.Cell, got.Cell)
			assert.NoError(t, got.Err)
		})
	}
}

func TestEvaluate_Comparisons(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	tests := []struct {
		name      string
		cmp       models.Comparison
		value     string
		threshold string
		triggered bool
	}{
		{"gt_above", models.CompareGT, "5.0", "3.0", true},
		{"gt_equal", models.CompareGT, "3.0", "3.0", false},
		{"lt_below", models.CompareLT, "-0.9", "-0.8", true},
		{"lt_equal", models.CompareLT, "-0.8", "-0.8", false},
		{"abs_gt_negative", models.CompareAbsGT, "-5.0", "3.0", true},
		{"abs_gt_equal", models.CompareAbsGT, "-3.0", "3.0", false},
		{"abs_lt_inside", models.CompareAbsLT, "-0.5", "1.0", true},
		{"abs_lt_equal", models.CompareAbsLT, "1.0", "1.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := spreadDef()
			def.Comparison = tt.cmp
			def.RequiresZScore = false
			th := models.Threshold{Value: dec(tt.threshold), Enabled: true}
			got := Evaluate(sampleAt(tt.value, nil), def, th, time.Time{}, false, now)
			assert.Equal(t, tt.triggered, got.Triggered)
		})
	}
}

func TestEvaluate_UnknownComparisonIsEvaluationError(t *testing.T) {
	def := spreadDef()
	def.Comparison = models.Comparison("between")
	th := models.Threshold{Value: dec("3.0"), Enabled: true}

	got := Evaluate(sampleAt("5.0", nil), def, th, time.Time{}, false, time.Unix(1_700_000_000, 0).UTC())
	assert.False(t, got.Triggered)
	assert.Equal(t, SkipEvaluationError, got.Skip)
	assert.Error(t, got.Err)
}

func TestCells_TrackAndClear(t *testing.T) {
	cells := NewCells()
	key := models.ConditionKey{AlertType: "spread_warning", Venue: "binance", Instrument: "BTC-USDT-PERP"}
	start := time.Unix(1_700_000_000, 0).UTC()

	_, ok := cells.FirstSeen(key)
	assert.False(t, ok)

	cells.Set(key, start)
	// A second Set must not restart the streak.
	cells.Set(key, start.Add(time.Minute))

	got, ok := cells.FirstSeen(key)
	assert.True(t, ok)
	assert.Equal(t, start, got)

	cells.Clear(key)
	_, ok = cells.FirstSeen(key)
	assert.False(t, ok)
}

func TestCells_ClearInstrument(t *testing.T) {
	cells := NewCells()
	at := time.Unix(1_700_000_000, 0).UTC()
	cells.Set(models.ConditionKey{AlertType: "a", Venue: "binance", Instrument: "BTC-USDT-PERP"}, at)
	cells.Set(models.ConditionKey{AlertType: "b", Venue: "binance", Instrument: "BTC-USDT-PERP"}, at)
	cells.Set(models.ConditionKey{AlertType: "a", Venue: "okx", Instrument: "BTC-USDT-PERP"}, at)

	assert.Equal(t, 2, cells.ClearInstrument("binance", "BTC-USDT-PERP"))
	assert.Equal(t, 1, cells.Len())
}
