package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/monitor"
	"github.com/vthunder/remd/internal/store"
	"github.com/vthunder/remd/internal/text"
)

// ErrRunActive is returned when a run is requested while another is in
// flight. Callers drop the trigger; the pressure that raised it will still
// be there at the next opportunity.
var ErrRunActive = errors.New("consolidation run already active")

// Engine drives the consolidation pipeline: select candidates, cluster them,
// gate each cluster, abstract, integrate, prune, and measure. At most one
// run executes at a time regardless of who triggered it.
type Engine struct {
	db       *store.DB
	embedder embedding.Provider
	mon      *monitor.Monitor
	tuner    *monitor.Tuner
	base     Params
	running  atomic.Bool
}

func New(db *store.DB, embedder embedding.Provider, mon *monitor.Monitor, tuner *monitor.Tuner, params Params) *Engine {
	return &Engine{
		db:       db,
		embedder: embedder,
		mon:      mon,
		tuner:    tuner,
		base:     params,
	}
}

// clusterOutcome is what the parallel phase produces per cluster. Exactly
// one of deferReason, err, or abs is meaningful.
type clusterOutcome struct {
	deferReason string
	gate        *gateResult
	abs         *abstraction
	coherent    bool
	err         error
}

// runTally accumulates the sequential phase's quality inputs.
type runTally struct {
	accepted int
	coherent int
	preHit   []float64
	postHit  []float64
}

// Run executes one consolidation pass over at most one batch of candidates
// and returns its report. Overrides may be nil. A second concurrent call
// returns ErrRunActive.
func (e *Engine) Run(ctx context.Context, ov *Overrides) (*store.RunReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer e.running.Store(false)

	params, err := e.base.withSettings(e.db)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	params = params.apply(ov)

	now := time.Now().UTC()
	report := &store.RunReport{
		RunID:     store.NewRunID(),
		StartedAt: now,
		DryRun:    params.DryRun,
	}
	if ov != nil {
		report.Trigger = ov.Trigger
	}
	logging.Info("consolidate", "run %s starting (dry_run=%v, threshold=%.2f, min_size=%d)",
		report.RunID, params.DryRun, params.ClusterThreshold, params.MinClusterSize)

	candidates, err := e.db.FindConsolidationCandidates(store.CandidateFilter{
		Kinds:         []store.Kind{store.KindEpisodic, store.KindProcedural},
		MinAge:        time.Duration(params.MinAgeDays) * 24 * time.Hour,
		MinConfidence: params.MinConfidence,
		Limit:         params.MaxBatch,
		Now:           now,
	})
	if err != nil {
		return e.failRun(report, fmt.Errorf("candidate selection failed: %w", err))
	}
	report.CandidatesConsidered = len(candidates)
	for _, c := range candidates {
		report.AvgCandidateConf += c.Confidence
	}
	if len(candidates) > 0 {
		report.AvgCandidateConf /= float64(len(candidates))
	}

	candidates, err = e.ensureEmbeddings(ctx, candidates, params.DryRun)
	if err != nil {
		return e.failRun(report, err)
	}
	if len(candidates) == 0 {
		report.Metrics.Precision = 1
		report.Metrics.RetrievalLift = 1
		e.populationMetrics(report)
		return e.finishRun(report, params)
	}

	unarchived, err := e.db.AllUnarchived()
	if err != nil {
		return e.failRun(report, fmt.Errorf("corpus load failed: %w", err))
	}
	texts := make([]string, len(unarchived))
	for i, r := range unarchived {
		texts[i] = r.Text()
	}
	corpus := text.NewCorpus(texts)

	clusters, noise := buildClusters(candidates, params.ClusterThreshold, params.MinClusterSize)
	report.ClustersFormed = len(clusters)
	report.NoiseCount = len(noise)
	logging.Info("consolidate", "run %s: %d candidates -> %d clusters, %d noise",
		report.RunID, len(candidates), len(clusters), len(noise))

	outcomes := e.processClusters(ctx, clusters, corpus, params)

	// Integration and all destructive writes happen here, one cluster at a
	// time in cluster order: per-destination serialization and a
	// deterministic write order in one move.
	var tally runTally
	for i, cl := range clusters {
		if err := ctx.Err(); err != nil {
			report.Error = err.Error()
			break
		}
		out := outcomes[i]
		switch {
		case out.err != nil:
			logging.Warn("consolidate", "cluster %d failed, members stay pending: %v", i, out.err)
		case out.deferReason != "":
			report.ClustersDeferred++
			logging.Info("consolidate", "cluster %d deferred: %s", i, out.deferReason)
			if !params.DryRun {
				if err := e.db.DeferRecords(cl.ids(), true, out.deferReason); err != nil {
					logging.Warn("consolidate", "failed to defer cluster %d: %v", i, err)
				}
			}
		default:
			e.commitCluster(ctx, report, cl, out, params, now, &tally)
		}
	}

	report.Metrics.Precision = 1
	if tally.accepted > 0 {
		report.Metrics.Precision = float64(tally.coherent) / float64(tally.accepted)
	}
	if produced := report.GeneralizedCreated + report.GeneralizedUpdated; produced > 0 {
		report.Metrics.CompressionRatio = float64(report.SourcesConsolidated) / float64(produced)
	}
	report.Metrics.RetrievalLift = retrievalLift(tally.preHit, tally.postHit)
	e.populationMetrics(report)

	return e.finishRun(report, params)
}

// LastRunMetrics returns the most recent run's quality metrics, or nil when
// no run has happened yet.
func (e *Engine) LastRunMetrics() (*store.Metrics, error) {
	report, err := e.db.LastRun()
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, nil
	}
	metrics := report.Metrics
	return &metrics, nil
}

// ensureEmbeddings guarantees every candidate carries a usable vector before
// clustering. Candidates with no text are skipped and stay pending. A vector
// that cannot be repaired aborts the whole run: clustering over corrupt
// embeddings would merge unrelated records.
func (e *Engine) ensureEmbeddings(ctx context.Context, candidates []*store.Record, dryRun bool) ([]*store.Record, error) {
	dims := e.embedder.Dims()
	usable := candidates[:0]
	for _, c := range candidates {
		txt := c.Text()
		if txt == "" {
			logging.Debug("consolidate", "skipping %s: no text to consolidate", c.ID)
			continue
		}
		if embedding.Valid(c.Embedding, dims) {
			usable = append(usable, c)
			continue
		}
		vec, err := e.embedder.Embed(ctx, txt)
		if err != nil {
			return nil, fmt.Errorf("embedding for %s unavailable: %w", c.ID, err)
		}
		if !embedding.Valid(vec, dims) {
			return nil, fmt.Errorf("embedding for %s still corrupt after refresh", c.ID)
		}
		c.Embedding = vec
		if !dryRun {
			if err := e.db.PutEmbedding(c.ID, vec); err != nil {
				return nil, fmt.Errorf("failed to store refreshed embedding for %s: %w", c.ID, err)
			}
		}
		usable = append(usable, c)
	}
	return usable, nil
}

// processClusters runs the read-only cluster phases in parallel: each
// cluster owns its working set, so contradiction check, recall gate,
// abstraction, and the coherence spot-check fan out cleanly.
func (e *Engine) processClusters(ctx context.Context, clusters []*cluster, corpus *text.Corpus, p Params) []clusterOutcome {
	outcomes := make([]clusterOutcome, len(clusters))
	if len(clusters) == 0 {
		return outcomes
	}
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(clusters) {
		workers = len(clusters)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = e.processCluster(ctx, clusters[i], corpus, p)
			}
		}()
	}
	for i := range clusters {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

func (e *Engine) processCluster(ctx context.Context, cl *cluster, corpus *text.Corpus, p Params) clusterOutcome {
	if err := ctx.Err(); err != nil {
		return clusterOutcome{err: err}
	}

	if p.ContradictionCheck {
		if reason, hit := e.checkContradiction(ctx, cl); hit {
			return clusterOutcome{deferReason: "contradiction: " + reason}
		}
	}

	gate, err := e.recallGate(ctx, cl, corpus, p)
	if err != nil {
		return clusterOutcome{err: fmt.Errorf("recall gate: %w", err)}
	}
	if !gate.passed {
		return clusterOutcome{
			gate: gate,
			deferReason: fmt.Sprintf("recall gate: only %d/%d phrases surfaced members after refresh",
				gate.hits, len(gate.phrases)),
		}
	}

	abs, err := e.abstract(ctx, cl, gate.phrases, p)
	if err != nil {
		return clusterOutcome{gate: gate, err: fmt.Errorf("abstract: %w", err)}
	}

	return clusterOutcome{
		gate:     gate,
		abs:      abs,
		coherent: e.mon.Judge().Coherent(cl.members),
	}
}

// commitCluster integrates one accepted cluster and archives its sources.
// Failures here leave the members pending for the next run; the destination
// and its sources commit in one transaction or not at all.
func (e *Engine) commitCluster(ctx context.Context, report *store.RunReport, cl *cluster, out clusterOutcome, p Params, now time.Time, tally *runTally) {
	integ, err := e.integrate(ctx, report.RunID, cl, out.abs, p, now)
	if err != nil {
		logging.Warn("consolidate", "integration failed, members stay pending: %v", err)
		return
	}
	if !p.DryRun {
		if err := e.db.ApplyConsolidation(integ.write); err != nil {
			logging.Warn("consolidate", "consolidation write failed, members stay pending: %v", err)
			return
		}
	}

	verb := "updated"
	if integ.created {
		report.GeneralizedCreated++
		verb = "created"
	} else {
		report.GeneralizedUpdated++
	}
	report.SourcesConsolidated += len(cl.members)
	report.TokensFreed += tokensFreed(cl.members, integ.dest, integ.created)

	tally.accepted++
	if out.coherent {
		tally.coherent++
	}
	post := out.gate.memberHit
	if !p.DryRun {
		post = e.destinationHit(ctx, out.gate.phrases, integ.dest.ID, p)
	}
	tally.preHit = append(tally.preHit, out.gate.memberHit)
	tally.postHit = append(tally.postHit, post)

	logging.Info("consolidate", "%s %s from %d sources (confidence %.2f)",
		verb, integ.dest.ID, len(cl.members), integ.dest.Confidence)
}

// destinationHit re-runs the cluster's distinctive phrases after the merge
// and reports the fraction that now surface the destination. Compared
// against the members' pre-merge baseline this yields the retrieval lift.
func (e *Engine) destinationHit(ctx context.Context, phrases []string, destID string, p Params) float64 {
	if len(phrases) == 0 {
		return 1
	}
	hits := 0
	for _, phrase := range phrases {
		vec, err := e.embedder.Embed(ctx, phrase)
		if err != nil {
			continue
		}
		neighbors, err := e.db.VectorQuery(vec, p.RecallGateTopK)
		if err != nil {
			continue
		}
		for _, nb := range neighbors {
			if nb.ID == destID {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(phrases))
}

func retrievalLift(pre, post []float64) float64 {
	if len(pre) == 0 {
		return 1
	}
	preMean := mean(pre)
	if preMean == 0 {
		return 1
	}
	return mean(post) / preMean
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// populationMetrics fills in the store-wide metrics that do not depend on
// this run's clusters.
func (e *Engine) populationMetrics(report *store.RunReport) {
	rate, err := e.mon.ContradictionRate()
	if err != nil {
		logging.Warn("consolidate", "contradiction rate unavailable: %v", err)
	} else {
		report.Metrics.ContradictionRate = rate
	}
	stability, err := e.mon.Stability()
	if err != nil {
		logging.Warn("consolidate", "stability unavailable: %v", err)
	} else {
		report.Metrics.Stability = stability
	}
}

// finishRun records the report, lets the tuner inspect the updated history,
// and trims old runs. Dry runs report back to the caller and write nothing.
func (e *Engine) finishRun(report *store.RunReport, p Params) (*store.RunReport, error) {
	report.FinishedAt = time.Now().UTC()
	if p.DryRun {
		logging.Info("consolidate", "dry run %s: would create %d, update %d, defer %d",
			report.RunID, report.GeneralizedCreated, report.GeneralizedUpdated, report.ClustersDeferred)
		return report, nil
	}

	if err := e.db.RecordRun(report); err != nil {
		return report, fmt.Errorf("failed to record run: %w", err)
	}
	if e.tuner != nil {
		adjustments, err := e.tuner.MaybeTune()
		if err != nil {
			logging.Warn("consolidate", "tuner failed: %v", err)
		} else if len(adjustments) > 0 {
			report.Adjustments = adjustments
			if err := e.db.RecordRun(report); err != nil {
				logging.Warn("consolidate", "failed to attach adjustments to run report: %v", err)
			}
		}
	}
	if p.RunHistory > 0 {
		if err := e.db.PruneRuns(p.RunHistory); err != nil {
			logging.Warn("consolidate", "run history prune failed: %v", err)
		}
	}

	logging.Info("consolidate", "run %s finished: %d considered, %d clusters (%d deferred), %d created, %d updated, %d tokens freed",
		report.RunID, report.CandidatesConsidered, report.ClustersFormed, report.ClustersDeferred,
		report.GeneralizedCreated, report.GeneralizedUpdated, report.TokensFreed)
	return report, nil
}

// failRun aborts a run before any memory writes. The failed report still
// lands in the run history so the CLI can surface it.
func (e *Engine) failRun(report *store.RunReport, cause error) (*store.RunReport, error) {
	report.Error = cause.Error()
	report.FinishedAt = time.Now().UTC()
	logging.Warn("consolidate", "run %s aborted: %v", report.RunID, cause)
	if !report.DryRun {
		if err := e.db.RecordRun(report); err != nil {
			logging.Warn("consolidate", "failed to record aborted run: %v", err)
		}
		if err := e.db.AppendAudit("consolidator", "run_failed", "", fmt.Sprintf("run=%s: %v", report.RunID, cause)); err != nil {
			logging.Warn("consolidate", "failed to audit aborted run: %v", err)
		}
	}
	return report, cause
}
