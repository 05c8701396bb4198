// Command kvopsworker runs one ops-worker client against a log bus: it
// recovers its assigned partitions from the data and ops topics, then
// tails ops forever, exposing health, status, and metrics over HTTP. It
// co-locates a flush engine sharing the worker's in-process queues, so
// a single kvopsworker process is a complete, self-compacting replica
// with no separate kvflushengine needed unless the deployment wants
// flushing split onto its own process.
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
	"turnstone/kvmap"
	"turnstone/logbus"
	"turnstone/metrics"
	"turnstone/opsworker"
)

var (
	configPath = flag.String("config", "kvopsworker.json", "Path to the JSON configuration file")
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
		},
		bus.NewClient(), bus.NewClient(), nil,
		bus.NewProducer(), bus.NewProducer(),
		logger,
	)
	if err != nil {
		logger.Error("failed to start flush engine", "err", err)
		os.Exit(1)
	}

	worker := opsworker.New(
		opsworker.Config{
			ClientID:          cfg.ClientID,
			DataTopic:         cfg.DataTopic,
			OpsTopic:          cfg.OpsTopic,
			FlushTopic:        cfg.FlushTopic,
			AssignedParts:     cfg.AssignedPartitions,
			FlushPeriodOps:    cfg.FlushPeriodOps,
			PollTimeout:       cfg.PollTimeout(),
			SteadyPollTimeout: cfg.SteadyPollTimeout(),
		},
		bus.NewClient(), bus.NewClient(), bus.NewProducer(),
		engine.Queues(), engine.CleanQueue(), kvmap.New(), logger,
	)

	metrics.StartMetricsServer(cfg.MetricsAddr, worker, engine, logger)
	adminapi.StartServer(cfg.AdminAddr, adminapi.NewRouter(worker, engine, nil), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-worker.Steady()
		if err := worker.Err(); err != nil {
			logger.Error("worker failed before reaching steady state", "err", err)
		} else {
			logger.Info("worker reached steady state")
		}
	}()

	workerErrCh := make(chan error, 1)
	engineErrCh := make(chan error, 1)
	go func() { workerErrCh <- worker.Run(ctx) }()
	go func() { engineErrCh <- engine.Run(ctx) }()

	var workerErr, engineErr error
	for workerErrCh != nil || engineErrCh != nil {
		select {
		case <-ctx.Done():
			if workerErrCh != nil {
				worker.Cancel()
			}
			if engineErrCh != nil {
				engine.Cancel()
			}
			ctx = context.Background() // avoid re-selecting the same closed Done channel
		case err := <-workerErrCh:
			workerErr = err
			workerErrCh = nil
			engine.Cancel()
		case err := <-engineErrCh:
			engineErr = err
			engineErrCh = nil
			worker.Cancel()
		}
	}

	if workerErr != nil {
		logger.Error("worker stopped", "err", workerErr)
	}
	if engineErr != nil {
		logger.Error("flush engine stopped", "err", engineErr)
	}
	if workerErr != nil || engineErr != nil {
		os.Exit(1)
	}

	if err := worker.Close(); err != nil {
		logger.Error("error closing worker", "err", err)
	}
	if err := engine.Close(); err != nil {
		logger.Error("error closing flush engine", "err", err)
	}
}
