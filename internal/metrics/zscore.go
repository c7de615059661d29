package metrics

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
)

// ZScoreOptions tunes one rolling z-score window.
type ZScoreOptions struct {
	WindowSize        int
	MinSamples        int
	MinStd            decimal.Decimal
	WarmupLogInterval time.Duration
}

// ZScoreState is the rolling window for one (venue, instrument, metric).
// Not safe for concurrent use; the metrics stage owns it.
type ZScoreState struct {
	venue      string
	instrument string
	metric     string
	opts       ZScoreOptions
	clk        clock.Clock

	values []decimal.Decimal
	head   int
	count  int

	warmedUp      bool
	lastWarmupLog time.Time
}

// ZScoreStatus is the warmup projection for one window.
type ZScoreStatus struct {
	Venue       string `json:"venue"`
	Instrument  string `json:"instrument"`
	Metric      string `json:"metric"`
	WarmedUp    bool   `json:"warmed_up"`
	SampleCount int    `json:"sample_count"`
	MinSamples  int    `json:"min_samples"`
	ProgressPct int    `json:"progress_pct"`
}

// NewZScoreState creates an empty window.
func NewZScoreState(venue, instrument, metric string, opts ZScoreOptions, clk clock.Clock) *ZScoreState {
	return &ZScoreState{
		venue:      venue,
		instrument: instrument,
		metric:     metric,
		opts:       opts,
		clk:        clk,
		values:     make([]decimal.Decimal, opts.WindowSize),
	}
}

// Add appends a value and returns its z-score against the window, or nil
// while warming up or while the window stdev is below the guard floor.
func (z *ZScoreState) Add(value decimal.Decimal) *decimal.Decimal {
	z.values[z.head] = value
	z.head = (z.head + 1) % len(z.values)
	if z.count < len(z.values) {
		z.count++
	}

	if z.count < z.opts.MinSamples {
		z.logWarmupProgress()
		return nil
	}

	mean, std := z.meanStd()
	if std.LessThan(z.opts.MinStd) {
		return nil
	}

	if !z.warmedUp {
		z.warmedUp = true
		log.Info().
			Str("venue", z.venue).
			Str("instrument", z.instrument).
			Str("metric", z.metric).
			Int("samples", z.count).
			Msg("z-score window warmed up")
	}

	score := value.Sub(mean).DivRound(std, divPlaces).Round(scorePlaces)
	return &score
}

// Reset empties the window. Used when a gap makes the history unrepresentative.
func (z *ZScoreState) Reset(reason string) {
	z.head = 0
	z.count = 0
	z.warmedUp = false
	z.lastWarmupLog = time.Time{}
	log.Info().
		Str("venue", z.venue).
		Str("instrument", z.instrument).
		Str("metric", z.metric).
		Str("reason", reason).
		Msg("z-score window reset")
}

// Status returns the warmup projection.
func (z *ZScoreState) Status() ZScoreStatus {
	pct := 100
	if !z.warmedUp {
		pct = z.count * 100 / z.opts.MinSamples
		if pct > 100 {
			pct = 100
		}
	}
	return ZScoreStatus{
		Venue:       z.venue,
		Instrument:  z.instrument,
		Metric:      z.metric,
		WarmedUp:    z.warmedUp,
		SampleCount: z.count,
		MinSamples:  z.opts.MinSamples,
		ProgressPct: pct,
	}
}

func (z *ZScoreState) meanStd() (decimal.Decimal, decimal.Decimal) {
	sum := decimal.Zero
	for i := 0; i < z.count; i++ {
		sum = sum.Add(z.values[i])
	}
	n := decimal.NewFromInt(int64(z.count))
	mean := sum.DivRound(n, divPlaces)

	sumSq := decimal.Zero
	for i := 0; i < z.count; i++ {
		diff := z.values[i].Sub(mean)
		sumSq = sumSq.Add(diff.Mul(diff))
	}
	variance := sumSq.DivRound(decimal.NewFromInt(int64(z.count-1)), divPlaces)
	return mean, sqrtDecimal(variance)
}

func (z *ZScoreState) logWarmupProgress() {
	now := z.clk.Now()
	if !z.lastWarmupLog.IsZero() && now.Sub(z.lastWarmupLog) < z.opts.WarmupLogInterval {
		return
	}
	z.lastWarmupLog = now
	log.Debug().
		Str("venue", z.venue).
		Str("instrument", z.instrument).
		Str("metric", z.metric).
		Int("samples", z.count).
		Int("needed", z.opts.MinSamples).
		Msg("z-score window warming up")
}

// sqrtDecimal computes a square root without leaving decimal space for the
// significant digits: the float64 root seeds two Newton refinements.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	f, _ := d.Float64()
	guess := decimal.NewFromFloat(math.Sqrt(f))
	if guess.IsZero() {
		return decimal.Zero
	}
	for i := 0; i < 2; i++ {
		guess = guess.Add(d.DivRound(guess, divPlaces)).DivRound(two, divPlaces)
	}
	return guess
}
