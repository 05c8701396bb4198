// Command kvflushengine runs a flush engine with no co-located ops
// worker: it tails the flush topic for requests and, for each one,
// backfills its own queue straight from the ops topic before
// compacting. Useful when flush/compaction work is split onto its own
// process rather than riding along inside kvopsworker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"turnstone/adminapi"
	"turnstone/config"
	"turnstone/flushengine"
	"turnstone/logbus"
	"turnstone/metrics"
)

var (
	configPath = flag.String("config", "kvflushengine.json", "Path to the JSON configuration file")
	homeDir    = flag.String("home", ".", "Home directory config paths are resolved against")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	busDir := config.ResolvePath(*homeDir, cfg.BusDir)
	bus, err := logbus.Open(busDir)
	if err != nil {
		logger.Error("failed to open log bus", "dir", busDir, "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	indexDir := config.ResolvePath(*homeDir, cfg.IndexDir)
	if indexDir == "" {
		indexDir = filepath.Join(busDir, "index")
	}

	engine, err := flushengine.New(
		flushengine.Config{
			ClientID:      cfg.ClientID,
			DataTopic:     cfg.DataTopic,
			OpsTopic:      cfg.OpsTopic,
			FlushTopic:    cfg.FlushTopic,
			AssignedParts: cfg.AssignedPartitions,
			IndexDir:      indexDir,
			PollTimeout:   cfg.PollTimeout(),
		},
		bus.NewClient(), bus.NewClient(), bus.NewClient(),
		bus.NewProducer(), bus.NewProducer(),
		logger,
	)
	if err != nil {
		logger.Error("failed to start flush engine", "err", err)
		os.Exit(1)
	}

	metrics.StartMetricsServer(cfg.MetricsAddr, nil, engine, logger)
	adminapi.StartServer(cfg.AdminAddr, adminapi.NewRouter(nil, engine, nil), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		engine.Cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("flush engine stopped", "err", err)
			os.Exit(1)
		}
	}

	if err := engine.Close(); err != nil {
		logger.Error("error closing flush engine", "err", err)
	}
}
