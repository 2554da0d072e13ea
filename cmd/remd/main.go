package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/consolidate"
	"github.com/vthunder/remd/internal/embedding"
	"github.com/vthunder/remd/internal/logging"
	"github.com/vthunder/remd/internal/monitor"
	"github.com/vthunder/remd/internal/schedule"
	"github.com/vthunder/remd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// .env is optional; environment variables win either way
	if err := godotenv.Load(); err == nil {
		log.Println("[config] Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatalf("Failed to build embedder: %v", err)
	}

	mon := monitor.New(db, nil, cfg.Monitor.StabilityWindowDays)
	tuner := monitor.NewTuner(db, cfg.Pipeline, cfg.Monitor.TuneEveryRuns, cfg.Monitor.TuneMaxAgeDays)
	engine := consolidate.New(db, embedder, mon, tuner, consolidate.FromConfig(cfg))
	sched := schedule.New(engine, db, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logging.Info("main", "shutdown signal received")
		cancel()
	}()

	logging.Info("main", "remd starting (state=%s, embedder=%s, workers=%d)",
		db.Path(), embedder.Name(), cfg.Workers)
	sched.Run(ctx)
	logging.Info("main", "stopped")
}

// buildEmbedder assembles the provider stack: Ollama first, hash fallback
// when it is unreachable, an in-memory cache over the whole chain. The cache
// sits outermost so the recall gate can invalidate entries before a refresh.
func buildEmbedder(cfg *config.Config) (embedding.Provider, error) {
	e := cfg.Embedding
	ollama := embedding.NewOllama(e.OllamaURL, e.Model, e.Dims, time.Duration(e.TimeoutSecs)*time.Second)
	chain, err := embedding.NewChain(ollama, embedding.NewHash(e.Dims))
	if err != nil {
		return nil, err
	}
	return embedding.NewCached(chain, e.CacheMB)
}
