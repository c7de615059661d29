// Package detect decides when metric samples become alerts. The evaluator is
// pure; the Detector owns all mutable state (active alerts, persistence
// cells, throttle marks) from a single goroutine.
package detect

import (
	"fmt"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// SkipReason says why an evaluation did not trigger.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipZScoreWarmup        SkipReason = "zscore_warmup"
	SkipZScoreBelow         SkipReason = "zscore_below"
	SkipPersistenceStarting SkipReason = "persistence_starting"
	SkipPersistenceNotMet   SkipReason = "persistence_not_met"
	SkipThrottled           SkipReason = "throttled"
	SkipEvaluationError     SkipReason = "evaluation_error"
)

// CellOp tells the caller what to do with the persistence cell.
type CellOp int

const (
	CellKeep CellOp = iota
	CellSet
	CellClear
)

// Evaluation is the outcome of one sample against one definition.
type Evaluation struct {
	Triggered bool
	Skip      SkipReason
	Cell      CellOp
	Err       error
}

// Evaluate applies the comparison, the z-score gate and the persistence gate.
// It never mutates anything: the persistence cell is passed in as
// (firstSeen, haveCell) and the caller applies the returned CellOp. The
// active/throttle gate needs detector state and lives there. A panic during
// evaluation is recovered into skip="evaluation_error".
func Evaluate(sample *models.MetricSample, def *models.AlertDefinition, th models.Threshold, firstSeen time.Time, haveCell bool, now time.Time) (ev Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = Evaluation{Skip: SkipEvaluationError, Err: fmt.Errorf("evaluation panic: %v", r)}
		}
	}()

	matched, err := def.Comparison.Evaluate(sample.Value, th.Value)
	if err != nil {
		return Evaluation{Skip: SkipEvaluationError, Err: err}
	}
	if !matched {
		return Evaluation{Cell: CellClear}
	}

	if def.RequiresZScore {
		if sample.ZScore == nil {
			return Evaluation{Skip: SkipZScoreWarmup}
		}
		if th.ZScoreThreshold != nil && sample.ZScore.Abs().LessThan(*th.ZScoreThreshold) {
			return Evaluation{Skip: SkipZScoreBelow}
		}
	}

	if def.PersistenceSeconds > 0 {
		if !haveCell {
			return Evaluation{Skip: SkipPersistenceStarting, Cell: CellSet}
		}
		held := now.Sub(firstSeen)
		if held < time.Duration(def.PersistenceSeconds)*time.Second {
			return Evaluation{Skip: SkipPersistenceNotMet}
		}
	}

	return Evaluation{Triggered: true}
}
