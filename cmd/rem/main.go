package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/consolidate"
	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/monitor"
	"github.com/vthunder/remd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	run := flag.Bool("run", false, "Trigger one consolidation run")
	dryRun := flag.Bool("dry-run", false, "With -run: report without writing anything")
	batch := flag.Int("batch", 0, "With -run: cap the candidate batch size")
	stats := flag.Bool("stats", false, "Print store statistics")
	metrics := flag.Bool("metrics", false, "Print the last run's quality metrics")
	runs := flag.Int("runs", 0, "Print the N most recent run reports")
	audit := flag.Int("audit", 0, "Print the N most recent audit entries")
	reopen := flag.String("reopen", "", "Put a deferred or flagged record back in the pending pool")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	switch {
	case *run:
		runOnce(db, cfg, *dryRun, *batch)
	case *metrics:
		printMetrics(db)
	case *runs > 0:
		printRuns(db, *runs)
	case *audit > 0:
		printAudit(db, *audit)
	case *reopen != "":
		if err := db.ReopenRecord(*reopen); err != nil {
			log.Fatalf("Failed to reopen %s: %v", *reopen, err)
		}
		fmt.Printf("%s is pending again\n", *reopen)
	case *stats:
		printStats(db)
	default:
		printStats(db)
	}
}

func runOnce(db *store.DB, cfg *config.Config, dry bool, batch int) {
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatalf("Failed to build embedder: %v", err)
	}

	mon := monitor.New(db, nil, cfg.Monitor.StabilityWindowDays)
	tuner := monitor.NewTuner(db, cfg.Pipeline, cfg.Monitor.TuneEveryRuns, cfg.Monitor.TuneMaxAgeDays)
	engine := consolidate.New(db, embedder, mon, tuner, consolidate.FromConfig(cfg))

	ov := &consolidate.Overrides{Trigger: "manual"}
	if dry {
		ov.DryRun = &dry
	}
	if batch > 0 {
		ov.MaxBatch = &batch
	}

	report, err := engine.Run(context.Background(), ov)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	printJSON(report)
}

func printStats(db *store.DB) {
	stats, err := db.Stats()
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %d\n", k, stats[k])
	}
}

func printMetrics(db *store.DB) {
	last, err := db.LastRun()
	if err != nil {
		log.Fatalf("Failed to read run history: %v", err)
	}
	if last == nil {
		fmt.Println("no runs recorded")
		return
	}
	printJSON(last.Metrics)
}

func printRuns(db *store.DB, n int) {
	reports, err := db.RecentRuns(n)
	if err != nil {
		log.Fatalf("Failed to read run history: %v", err)
	}
	for _, r := range reports {
		status := "ok"
		if r.Error != "" {
			status = "failed: " + r.Error
		}
		fmt.Printf("%s  %s  trigger=%-22s considered=%-5d created=%-3d updated=%-3d deferred=%-3d freed=%-6d %s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Trigger,
			r.CandidatesConsidered, r.GeneralizedCreated, r.GeneralizedUpdated,
			r.ClustersDeferred, r.TokensFreed, status)
	}
}

func printAudit(db *store.DB, n int) {
	entries, err := db.RecentAudit(n)
	if err != nil {
		log.Fatalf("Failed to read audit trail: %v", err)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-12s %-20s %-36s %s\n",
			e.At.Format(time.RFC3339), e.Actor, e.Action, e.MemoryID, e.Detail)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(out))
}

func buildEmbedder(cfg *config.Config) (embedding.Provider, error) {
	e := cfg.Embedding
	ollama := embedding.NewOllama(e.OllamaURL, e.Model, e.Dims, time.Duration(e.TimeoutSecs)*time.Second)
	chain, err := embedding.NewChain(ollama, embedding.NewHash(e.Dims))
	if err != nil {
		return nil, err
	}
	return embedding.NewCached(chain, e.CacheMB)
}
