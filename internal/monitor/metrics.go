package monitor

import (
	"time"

	"github.com/vthunder/remd/internal/store"
)

// Target bands for the five run metrics.
const (
	PrecisionTarget     = 0.7
	CompressionLow      = 3.0
	CompressionHigh     = 5.0
	RetrievalLiftTarget = 1.5
	ContradictionTarget = 0.05
	StabilityTarget     = 0.85
)

// Monitor reads quality signals out of the store. Precision, compression, and
// retrieval lift are measured inside a run; contradiction rate and stability
// are population measurements the Monitor owns.
type Monitor struct {
	db              *store.DB
	judge           Judge
	stabilityWindow time.Duration
}

// New creates a Monitor with the given judge and stability window.
func New(db *store.DB, judge Judge, stabilityWindowDays int) *Monitor {
	if judge == nil {
		judge = NewCoherenceJudge()
	}
	if stabilityWindowDays <= 0 {
		stabilityWindowDays = 14
	}
	return &Monitor{
		db:              db,
		judge:           judge,
		stabilityWindow: time.Duration(stabilityWindowDays) * 24 * time.Hour,
	}
}

// Judge returns the configured cluster judge.
func (m *Monitor) Judge() Judge {
	return m.judge
}

// ContradictionRate is the fraction of live generalized records the
// validation engine has since contradicted. Zero when none exist.
func (m *Monitor) ContradictionRate() (float64, error) {
	total, contradicted, err := m.db.GeneralizedStats()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(contradicted) / float64(total), nil
}

// Stability is the fraction of generalized records created inside the window
// that have not been archived away or flagged since. 1.0 when the window is
// empty.
func (m *Monitor) Stability() (float64, error) {
	created, stable, err := m.db.StabilityStats(time.Now().Add(-m.stabilityWindow))
	if err != nil {
		return 0, err
	}
	if created == 0 {
		return 1.0, nil
	}
	return float64(stable) / float64(created), nil
}
