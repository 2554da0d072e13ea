package schedule

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"

	"github.com/vthunder/remd/internal/logging"
)

// loadSampleInterval caps how often the load average is actually read.
const loadSampleInterval = 5 * time.Second

// LoadWatcher reports whether the host is too busy for background
// consolidation, comparing the 1-minute load average normalized by CPU
// count against a threshold. A threshold of zero disables the check.
type LoadWatcher struct {
	threshold float64
	sample    func() (float64, error)

	mu       sync.Mutex
	lastAt   time.Time
	lastBusy bool
}

// NewLoadWatcher creates a watcher with the given normalized-load threshold.
func NewLoadWatcher(threshold float64) *LoadWatcher {
	return &LoadWatcher{threshold: threshold, sample: normalizedLoad}
}

func normalizedLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1 / float64(runtime.NumCPU()), nil
}

// Busy reports whether consolidation should hold off. Samples are cached
// for loadSampleInterval. A sampling failure reads as not busy; a broken
// load probe must not wedge consolidation forever.
func (w *LoadWatcher) Busy() bool {
	if w.threshold <= 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastAt) < loadSampleInterval {
		return w.lastBusy
	}

	norm, err := w.sample()
	w.lastAt = time.Now()
	if err != nil {
		logging.Debug("scheduler", "load sample failed: %v", err)
		w.lastBusy = false
		return false
	}
	w.lastBusy = norm >= w.threshold
	if w.lastBusy {
		logging.Debug("scheduler", "host busy: normalized load %.2f >= %.2f", norm, w.threshold)
	}
	return w.lastBusy
}
