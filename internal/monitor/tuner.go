package monitor

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/sjson"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/store"
)

// Tuning bounds. The tuner moves one step per cycle and never past these.
const (
	tuneStep            = 0.05
	maxMinClusterSize   = 5
	maxClusterThreshold = 0.9
	minNoveltyThreshold = 0.6
)

// Tuner adjusts consolidation parameters between runs based on the metric
// window. It is a slow supervised loop: one bounded step per cycle, every
// change audited with the metrics that triggered it, and never mid-run.
type Tuner struct {
	db        *store.DB
	base      config.Pipeline
	everyRuns int
	maxAge    time.Duration
}

// NewTuner creates a tuner over the given baseline parameters.
func NewTuner(db *store.DB, base config.Pipeline, everyRuns, maxAgeDays int) *Tuner {
	if everyRuns <= 0 {
		everyRuns = 100
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	return &Tuner{
		db:        db,
		base:      base,
		everyRuns: everyRuns,
		maxAge:    time.Duration(maxAgeDays) * 24 * time.Hour,
	}
}

// due reports whether a tuning cycle should run: everyRuns runs or maxAge
// elapsed since the last cycle, whichever comes first.
func (t *Tuner) due() (bool, error) {
	last, err := t.db.LastAuditAction("tune")
	if err != nil {
		return false, err
	}

	var anchor time.Time
	if last != nil {
		anchor = last.At
	} else {
		first, ok, err := t.db.FirstRunAt()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		anchor = first
	}

	runs, err := t.db.CountRunsSince(anchor)
	if err != nil {
		return false, err
	}
	return runs >= t.everyRuns || time.Since(anchor) >= t.maxAge, nil
}

// MaybeTune runs one tuning cycle if due. Returns the adjustments applied,
// empty when the metrics sit in their target bands.
func (t *Tuner) MaybeTune() ([]store.Adjustment, error) {
	isDue, err := t.due()
	if err != nil {
		return nil, err
	}
	if !isDue {
		return nil, nil
	}

	reports, err := t.db.RecentRuns(t.everyRuns)
	if err != nil {
		return nil, err
	}

	var precSum float64
	var precN int
	var compSum float64
	var compN int
	var contradiction float64
	for i, r := range reports {
		if r.Error != "" {
			continue
		}
		precSum += r.Metrics.Precision
		precN++
		if r.SourcesConsolidated > 0 {
			compSum += r.Metrics.CompressionRatio
			compN++
		}
		if i == 0 {
			contradiction = r.Metrics.ContradictionRate
		}
	}
	if precN == 0 {
		return nil, nil
	}
	precision := precSum / float64(precN)
	var compression float64
	if compN > 0 {
		compression = compSum / float64(compN)
	}

	var adjustments []store.Adjustment

	// Low precision: demand more evidence per cluster and tighter similarity
	if precision < PrecisionTarget {
		size := t.current(store.SettingMinClusterSize, float64(t.base.MinClusterSize))
		adjustments = t.apply(adjustments, store.SettingMinClusterSize,
			size, math.Min(size+1, maxMinClusterSize), "precision below target", precision, compression, contradiction)

		thr := t.current(store.SettingClusterThreshold, t.base.ClusterThreshold)
		adjustments = t.apply(adjustments, store.SettingClusterThreshold,
			thr, math.Min(thr+tuneStep, maxClusterThreshold), "precision below target", precision, compression, contradiction)
	}

	// Over-compression: be more conservative about treating sentences as
	// duplicates during the novelty merge
	if compN > 0 && compression > CompressionHigh {
		nov := t.current(store.SettingNoveltyThreshold, t.base.NoveltyThreshold)
		adjustments = t.apply(adjustments, store.SettingNoveltyThreshold,
			nov, math.Max(nov-tuneStep, minNoveltyThreshold), "compression above band", precision, compression, contradiction)
	}

	// Contradictions leaking through: enable the pre-merge check
	if contradiction > ContradictionTarget {
		check := t.current(store.SettingContradictionCheck, boolValue(t.base.ContradictionCheck))
		adjustments = t.apply(adjustments, store.SettingContradictionCheck,
			check, 1, "contradiction rate above target", precision, compression, contradiction)
	}

	// Anchor the cycle even when nothing moved, so the next evaluation waits
	// a full window again
	detail, _ := sjson.Set("{}", "changes", len(adjustments))
	detail, _ = sjson.Set(detail, "precision", precision)
	detail, _ = sjson.Set(detail, "compression", compression)
	detail, _ = sjson.Set(detail, "contradiction", contradiction)
	if err := t.db.AppendAudit("tuner", "tune", "", detail); err != nil {
		return adjustments, err
	}

	if len(adjustments) > 0 {
		logging.Info("tuner", "applied %d adjustments (precision=%.2f compression=%.1f contradiction=%.3f)",
			len(adjustments), precision, compression, contradiction)
	}
	return adjustments, nil
}

// current returns the effective value of a tunable: the stored override if
// one exists, the configured baseline otherwise.
func (t *Tuner) current(key string, base float64) float64 {
	if v, ok, err := t.db.GetSetting(key); err == nil && ok {
		return v
	}
	return base
}

// apply persists one parameter step and audits it. No-op when clamping left
// the value unchanged.
func (t *Tuner) apply(adjustments []store.Adjustment, key string, old, new float64, reason string, precision, compression, contradiction float64) []store.Adjustment {
	if new == old {
		return adjustments
	}
	if err := t.db.PutSetting(key, new); err != nil {
		logging.Warn("tuner", "failed to store %s: %v", key, err)
		return adjustments
	}

	detail, _ := sjson.Set("{}", "param", key)
	detail, _ = sjson.Set(detail, "old", old)
	detail, _ = sjson.Set(detail, "new", new)
	detail, _ = sjson.Set(detail, "reason", reason)
	detail, _ = sjson.Set(detail, "precision", precision)
	detail, _ = sjson.Set(detail, "compression", compression)
	detail, _ = sjson.Set(detail, "contradiction", contradiction)
	if err := t.db.AppendAudit("tuner", "adjust_parameter", "", detail); err != nil {
		logging.Warn("tuner", "failed to audit %s adjustment: %v", key, err)
	}

	logging.Info("tuner", "%s: %.2f -> %.2f (%s)", key, old, new, reason)
	return append(adjustments, store.Adjustment{
		Param:  key,
		Old:    old,
		New:    new,
		Reason: fmt.Sprintf("%s (precision=%.2f compression=%.1f contradiction=%.3f)", reason, precision, compression, contradiction),
	})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
