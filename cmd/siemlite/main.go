package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/config"
	"github.com/UsamaSani/SIEM-Lite/internal/pipeline"
	"github.com/UsamaSani/SIEM-Lite/pkg/logging"
)

const (
	serviceName = "siemlite"
	version     = "1.0.0"
)

var (
	flagConfig   = flag.String("config", "", "config file path (default: search siemlite.yaml in . and ./config)")
	flagInput    = flag.String("input", "", "access log file to replay")
	flagWorkers  = flag.Int("workers", 0, "parser worker count")
	flagRate     = flag.Int("rate", 0, "replay rate in events/sec (0 = unlimited)")
	flagBatch    = flag.Int("batch", 0, "indexer batch size")
	flagRunTime  = flag.Duration("run-time", 0, "run budget, e.g. 30s (0 = run until the source is exhausted)")
	flagDB       = flag.String("db", "", "sqlite database path")
	flagBackend  = flag.String("backend", "", "storage backend: sqlite, postgres, elasticsearch")
	flagMetrics  = flag.String("metrics", "", "metrics CSV path")
	flagLogLevel = flag.String("log-level", "", "log level: debug, info, warn, error")
	flagLoop     = flag.Bool("loop", false, "restart from the top of the input at EOF")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}

	logger.Info("Starting SIEM-Lite",
		zap.String("service", serviceName),
		zap.String("version", version),
	)

	p, err := pipeline.New(logger, cfg)
	if err != nil {
		logger.Error("Pipeline construction failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	// First SIGINT/SIGTERM stops the replayer and drains; the grace period
	// bounds the drain.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := p.Run(ctx)
	if runErr != nil {
		logger.Error("Run failed", zap.Error(runErr))
	}
	_ = logger.Sync()

	if summary != nil {
		fmt.Println(summary.String())
	}
	os.Exit(summary.ExitCode())
}

// applyFlags copies explicitly set flags over the loaded configuration, so
// flags beat environment and file settings.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Replay.Input = *flagInput
		case "workers":
			cfg.Parse.Workers = *flagWorkers
		case "rate":
			cfg.Replay.Rate = *flagRate
		case "batch":
			cfg.Indexer.BatchSize = *flagBatch
		case "run-time":
			cfg.RunTime = *flagRunTime
		case "db":
			cfg.Storage.SQLite.Path = *flagDB
		case "backend":
			cfg.Storage.Backend = *flagBackend
		case "metrics":
			cfg.Metrics.CSVPath = *flagMetrics
		case "log-level":
			cfg.Logging.Level = *flagLogLevel
		case "loop":
			cfg.Replay.Loop = *flagLoop
		}
	})
}
