package pipeline

import (
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/detect"
	"github.com/omiiii21/crypto-market-microstructure/internal/metrics"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// engineOptions maps the features and instruments documents onto the metrics
// engine.
func engineOptions(f *config.FeaturesConfig, inst *config.InstrumentsConfig) metrics.Options {
	basis := make(map[string]string, len(inst.BasisPairs))
	for _, pair := range inst.BasisPairs {
		basis[pair.Perpetual] = pair.Spot
	}
	div := make([]metrics.DivergencePair, 0, len(inst.DivergencePairs))
	for _, pair := range inst.DivergencePairs {
		if len(pair.Venues) < 2 {
			continue
		}
		div = append(div, metrics.DivergencePair{
			Instrument: pair.Instrument,
			VenueA:     pair.Venues[0],
			VenueB:     pair.Venues[1],
		})
	}
	return metrics.Options{
		MaxStaleness: f.Basis.MaxStaleness(),
		ZScore: metrics.ZScoreOptions{
			WindowSize:        f.ZScore.WindowSize,
			MinSamples:        f.ZScore.MinSamples,
			MinStd:            f.ZScore.MinStd.Decimal,
			WarmupLogInterval: f.ZScore.WarmupLogInterval(),
		},
		ResetOnGap:      f.ZScore.ResetOnGap,
		ResetThreshold:  f.ZScore.ResetThreshold(),
		BasisPairs:      basis,
		DivergencePairs: div,
	}
}

// detectConfig freezes the alerts document into detector rules. The gap reset
// threshold is shared with the z-score engine: a gap long enough to reset
// statistics also clears persistence cells.
func detectConfig(a *config.AlertsConfig, f *config.FeaturesConfig) detect.Config {
	defs := make([]models.AlertDefinition, 0, len(a.Definitions))
	for _, d := range a.Definitions {
		defs = append(defs, models.AlertDefinition{
			AlertType:          d.Type,
			Name:               d.Name,
			Metric:             d.Metric,
			DefaultPriority:    models.Priority(d.Priority),
			DefaultSeverity:    models.Severity(d.Severity),
			Comparison:         models.Comparison(d.Comparison),
			RequiresZScore:     d.RequiresZScore,
			PersistenceSeconds: d.PersistenceSeconds,
			ThrottleSeconds:    d.ThrottleSeconds,
			EscalationSeconds:  d.EscalationSeconds,
			EscalatesTo:        models.Priority(d.EscalatesTo),
			Enabled:            d.Enabled,
		})
	}

	var gapReset time.Duration
	if f.ZScore.ResetOnGap {
		gapReset = f.ZScore.ResetThreshold()
	}

	return detect.Config{
		Definitions:   defs,
		Thresholds:    thresholdLookup(a),
		AutoResolve:   a.Settings.AutoResolve,
		AlertTimeout:  a.Settings.AlertTimeout(),
		DedupTTLFloor: a.Settings.DedupWindow(),
		GapReset:      gapReset,
	}
}

// thresholdLookup wraps the config wildcard resolution into the detector's
// lookup contract.
func thresholdLookup(a *config.AlertsConfig) detect.ThresholdLookup {
	return func(alertType, instrument string) (models.Threshold, bool) {
		tc, ok := a.ThresholdFor(alertType, instrument)
		if !ok {
			return models.Threshold{}, false
		}
		th := models.Threshold{
			Value:            tc.Value.Decimal,
			PriorityOverride: models.Priority(tc.Priority),
			Enabled:          tc.Enabled == nil || *tc.Enabled,
		}
		if tc.ZScoreThreshold != nil {
			z := tc.ZScoreThreshold.Decimal
			th.ZScoreThreshold = &z
		}
		return th, true
	}
}

// routerRoutes maps the priorities document onto dispatcher routes.
func routerRoutes(a *config.AlertsConfig) map[models.Priority][]string {
	routes := make(map[models.Priority][]string, len(a.Priorities))
	for name, pc := range a.Priorities {
		if len(pc.Channels) > 0 {
			routes[models.Priority(name)] = pc.Channels
		}
	}
	return routes
}
