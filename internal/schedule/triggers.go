package schedule

import (
	"time"

	"github.com/adhocore/gronx"
	"gonum.org/v1/gonum/stat"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/store"
)

// trendWindow is how many recent runs feed the confidence-decay trigger.
const trendWindow = 10

// Signals is the pressure snapshot one poll tick evaluates: measurements of
// the pending population plus the recent run history.
type Signals struct {
	CandidateCount       int
	TokenPressure        float64 // active token estimate over budget
	AvgConfidence        float64
	ConfidenceTrend      float64 // least-squares slope over recent runs
	TrendSamples         int
	ContradictionDensity float64
	LastRun              time.Time // zero when no run is recorded yet
}

// Evaluate decides whether the snapshot justifies firing a run now. The
// returned name lands on the run report as its trigger. Pressure triggers
// are checked first; the interval (or cron) fallback catches populations
// that grow too slowly to trip any of them.
func Evaluate(sig Signals, cfg config.Scheduler, now time.Time) (string, bool) {
	if cfg.TokenBudget > 0 && sig.TokenPressure >= cfg.TokenPressureThreshold {
		return "token_pressure", true
	}
	if cfg.CandidateCountThreshold > 0 && sig.CandidateCount >= cfg.CandidateCountThreshold {
		return "candidate_count", true
	}
	if sig.CandidateCount > 0 {
		if sig.TrendSamples >= 3 && sig.AvgConfidence < cfg.ConfidenceFloor && sig.ConfidenceTrend < 0 {
			return "confidence_decay", true
		}
		if sig.ContradictionDensity > cfg.ContradictionDensityThreshold {
			return "contradiction_density", true
		}
	}

	if sig.LastRun.IsZero() {
		return "interval", true
	}
	if cfg.Cron != "" {
		next, err := gronx.NextTickAfter(cfg.Cron, sig.LastRun, false)
		if err == nil && !next.After(now) {
			return "cron", true
		}
		return "", false
	}
	if cfg.IntervalHours > 0 && now.Sub(sig.LastRun) >= time.Duration(cfg.IntervalHours)*time.Hour {
		return "interval", true
	}
	return "", false
}

// confidenceTrend fits a line over the average candidate confidence of
// recent runs, oldest first, and returns its slope with the sample count.
// Runs that saw no candidates carry no signal and are skipped.
func confidenceTrend(reports []*store.RunReport) (float64, int) {
	var xs, ys []float64
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		if r.CandidatesConsidered == 0 {
			continue
		}
		xs = append(xs, float64(len(xs)))
		ys = append(ys, r.AvgCandidateConf)
	}
	if len(xs) < 3 {
		return 0, len(xs)
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return slope, len(xs)
}
