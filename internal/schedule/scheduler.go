package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/consolidate"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/store"
)

// Scheduler owns the background consolidation cadence. Each poll tick it
// measures pressure on the pending population and, when a trigger fires,
// drains the backlog one engine run at a time. Foreground reads and writes
// keep flowing throughout: runs are batch-bounded, the scheduler yields
// between batches, and it holds off entirely while the host is busy.
type Scheduler struct {
	engine   *consolidate.Engine
	db       *store.DB
	cfg      config.Scheduler
	filter   store.CandidateFilter
	maxBatch int
	load     *LoadWatcher
	yield    time.Duration
}

// New creates a scheduler around the engine. The candidate filter mirrors
// the engine's own selection so trigger measurements and runs agree on what
// counts as pending work.
func New(engine *consolidate.Engine, db *store.DB, cfg *config.Config) *Scheduler {
	return &Scheduler{
		engine: engine,
		db:     db,
		cfg:    cfg.Scheduler,
		filter: store.CandidateFilter{
			Kinds:         []store.Kind{store.KindEpisodic, store.KindProcedural},
			MinAge:        time.Duration(cfg.Pipeline.MinAgeDays) * 24 * time.Hour,
			MinConfidence: cfg.Pipeline.MinConfidence,
		},
		maxBatch: cfg.Pipeline.MaxBatch,
		load:     NewLoadWatcher(cfg.Scheduler.LoadThreshold),
		yield:    2 * time.Second,
	}
}

// Run polls until the context is cancelled. It blocks; callers own the
// goroutine. The first evaluation happens immediately so a fresh daemon
// does not sit idle for a full poll interval.
func (s *Scheduler) Run(ctx context.Context) {
	poll := time.Duration(s.cfg.PollMinutes) * time.Minute
	if poll <= 0 {
		poll = 5 * time.Minute
	}
	logging.Info("scheduler", "polling every %v (interval=%dh cron=%q load_threshold=%.2f)",
		poll, s.cfg.IntervalHours, s.cfg.Cron, s.cfg.LoadThreshold)

	s.tick(ctx, time.Now().UTC())

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info("scheduler", "stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick evaluates the triggers once and drains the backlog when one fires.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	sig, err := s.signals(now)
	if err != nil {
		logging.Warn("scheduler", "trigger evaluation failed: %v", err)
		return
	}
	reason, fire := Evaluate(sig, s.cfg, now)
	if !fire {
		logging.Debug("scheduler", "no trigger (candidates=%d pressure=%.2f avg_conf=%.2f)",
			sig.CandidateCount, sig.TokenPressure, sig.AvgConfidence)
		return
	}
	logging.Info("scheduler", "trigger %s fired (candidates=%d pressure=%.2f avg_conf=%.2f density=%.3f)",
		reason, sig.CandidateCount, sig.TokenPressure, sig.AvgConfidence, sig.ContradictionDensity)
	s.drain(ctx, reason)
}

// signals gathers the pressure snapshot for one evaluation.
func (s *Scheduler) signals(now time.Time) (Signals, error) {
	f := s.filter
	f.Now = now
	stats, err := s.db.CandidateStats(f)
	if err != nil {
		return Signals{}, err
	}

	sig := Signals{
		CandidateCount:       stats.Count,
		AvgConfidence:        stats.AvgConfidence,
		ContradictionDensity: stats.ContradictionDensity,
	}
	if s.cfg.TokenBudget > 0 {
		active, err := s.db.ActiveTokenEstimate()
		if err != nil {
			return Signals{}, err
		}
		sig.TokenPressure = float64(active) / float64(s.cfg.TokenBudget)
	}
	last, err := s.db.LastRun()
	if err != nil {
		return Signals{}, err
	}
	if last != nil {
		sig.LastRun = last.StartedAt
	}
	reports, err := s.db.RecentRuns(trendWindow)
	if err != nil {
		return Signals{}, err
	}
	sig.ConfidenceTrend, sig.TrendSamples = confidenceTrend(reports)
	return sig, nil
}

// drain runs the engine until a batch comes back smaller than the maximum,
// meaning the backlog is gone. Between full batches it yields so foreground
// traffic gets the database to itself for a moment, and it re-checks host
// load and context cancellation before every batch.
func (s *Scheduler) drain(ctx context.Context, reason string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.load.Busy() {
			logging.Info("scheduler", "host busy, deferring to next poll")
			return
		}

		report, err := s.engine.Run(ctx, &consolidate.Overrides{Trigger: reason})
		switch {
		case errors.Is(err, consolidate.ErrRunActive):
			// Someone else's run is still going. Drop this trigger; the
			// next poll catches the same pressure.
			logging.Info("scheduler", "run already active, dropping trigger %s", reason)
			return
		case err != nil:
			logging.Warn("scheduler", "run failed: %v", err)
			return
		}

		if s.maxBatch <= 0 || report.CandidatesConsidered < s.maxBatch {
			return
		}
		logging.Debug("scheduler", "full batch of %d, more pending", report.CandidatesConsidered)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.yield):
		}
	}
}
