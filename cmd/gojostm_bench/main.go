package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostm/config"
	"github.com/sushant-115/gojostm/core/executor"
	"github.com/sushant-115/gojostm/core/ref"
	internaltelemetry "github.com/sushant-115/gojostm/internal/telemetry"
	"github.com/sushant-115/gojostm/pkg/logger"
	"github.com/sushant-115/gojostm/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	scenario   = flag.String("scenario", config.ScenarioConsistent, "Scenario to run: consistent, transfer or readers-writers")
	readers    = flag.Int("readers", 4, "Number of reader goroutines")
	writers    = flag.Int("writers", 2, "Number of writer goroutines")
	duration   = flag.Duration("duration", 5*time.Second, "How long to run")
	writeRate  = flag.Float64("write_rate", 0, "Commits per second per writer, 0 for unlimited")
	lockMode   = flag.String("lock_mode", "none", "Lock mode readers acquire: none, read, write or exclusive")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gojostm_bench: %v\n", err)
		return 2
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gojostm_bench: %v\n", err)
		return 2
	}
	defer func() { _ = zlogger.Sync() }()
	zlogger = zlogger.With(zap.String("run_id", uuid.NewString()))

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Error("Failed to initialize telemetry", zap.Error(err))
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		zlogger.Error("Failed to register metrics", zap.Error(err))
		return 1
	}

	opts := append(cfg.STM.ExecutorOptions(),
		executor.WithLogger(zlogger),
		executor.WithMetrics(metrics),
		executor.WithTracer(tel.Tracer),
	)
	exec, err := executor.NewFromConfig(cfg.STM.Config, opts...)
	if err != nil {
		zlogger.Error("Invalid STM config", zap.Error(err))
		return 2
	}

	zlogger.Info("Starting GojoSTM bench",
		zap.String("scenario", cfg.Bench.Scenario),
		zap.Int("readers", cfg.Bench.Readers),
		zap.Int("writers", cfg.Bench.Writers),
		zap.Duration("duration", cfg.Bench.Duration),
		zap.Float64("write_rate", cfg.Bench.WriteRate),
		zap.Stringer("read_lock_mode", cfg.STM.ReadLockMode),
		zap.String("family", exec.Config().FamilyName),
		zap.String("metrics_addr", tel.MetricsAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Bench.Duration)
	defer cancel()

	res, err := newRunner(exec, cfg, zlogger.Named("bench")).Run(ctx)
	if err != nil {
		zlogger.Error("Scenario failed", append(res.fields(), zap.Error(err))...)
		return 1
	}
	if res.Violations > 0 {
		zlogger.Error("Invariant violated", res.fields()...)
		return 1
	}
	zlogger.Info("Scenario finished", res.fields()...)
	return 0
}

// loadConfig reads -config, if given, and applies explicitly set flags on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "scenario":
			cfg.Bench.Scenario = *scenario
		case "readers":
			cfg.Bench.Readers = *readers
		case "writers":
			cfg.Bench.Writers = *writers
		case "duration":
			cfg.Bench.Duration = *duration
		case "write_rate":
			cfg.Bench.WriteRate = *writeRate
		case "lock_mode":
			mode, err := ref.ParseLockMode(*lockMode)
			if err != nil {
				flagErr = err
				return
			}
			cfg.STM.ReadLockMode = mode
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	return cfg, cfg.Validate()
}
