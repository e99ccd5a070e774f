// Command eventrelay is the EventRelay delivery server process.
// It loads configuration, initialises node identity, wires the pipeline and
// serves the HTTP API while draining the queue and sweeping retries in the
// background.
//
// Usage:
//
//	eventrelay [--config path/to/config.yaml] [--env path/to/.env]
//
// Signals: SIGINT and SIGTERM shut down gracefully. SIGHUP re-reads the
// config file; retry, guard, worker and submit settings as well as the log
// level take effect without a restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/metrics"
	"github.com/snehjoshi/eventrelay/internal/node"
	"github.com/snehjoshi/eventrelay/internal/pipeline"
	transphttp "github.com/snehjoshi/eventrelay/internal/transport/http"
	"github.com/snehjoshi/eventrelay/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to dotenv file with EVENTRELAY_* overrides")
	flag.Parse()

	// ── 1. Load environment and configuration ────────────────────────────────
	// Variables already set in the process environment win over the file.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	holder := config.NewHolder(*configPath, cfg)

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With(zap.String("node_id", n.ID().String()))

	logger.Info("eventrelay starting",
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port),
		zap.String("data_dir", n.DataDir()),
		zap.String("storage", string(cfg.Storage.Backend)),
		zap.String("cache", string(cfg.Cache.Backend)),
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Initialise pipeline (storage + guard + worker + scheduler + DLQ) ──
	p, err := pipeline.New(holder,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metricsReg),
	)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	// ── 6. Start periodic drain and retry sweep ──────────────────────────────
	// Cancelling jobCtx stops new claims; a delivery already in flight runs
	// to its own timeout. stopJobs waits for both loops to return.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	var jobs sync.WaitGroup
	stopJobs := func() {
		cancelJobs()
		jobs.Wait()
	}
	defer stopJobs()

	jobs.Add(2)
	go func() {
		defer jobs.Done()
		trigger.Every(jobCtx, config.Ms(cfg.Worker.DrainIntervalMs), "drain", drainJob(p, logger), logger)
	}()
	go func() {
		defer jobs.Done()
		trigger.Every(jobCtx, config.Ms(cfg.Worker.SweepIntervalMs), "sweep", sweepJob(p, logger), logger)
	}()

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(p, cfg, n.ID().String(), metricsReg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("eventrelay ready", zap.String("addr", addr))
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server error", zap.Error(err))
			}
		}()
	}

	// ── 9. Reload on SIGHUP, graceful shutdown on SIGINT / SIGTERM ────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(holder, level, logger)
				continue
			}
			logger.Info("shutting down", zap.Stringer("signal", sig))
			break wait
		case err := <-serveErr:
			stopJobs()
			_ = p.Close()
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopJobs()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	if err := p.Close(); err != nil {
		logger.Warn("pipeline close error", zap.Error(err))
	}

	logger.Info("eventrelay stopped")
	return nil
}

// reload swaps in the config file's current contents. Storage, cache, listen
// address and trigger intervals are fixed at start and need a restart.
func reload(h *config.Holder, level zap.AtomicLevel, logger *zap.Logger) {
	cfg, err := h.Reload()
	if err != nil {
		logger.Error("config reload failed, keeping previous settings", zap.Error(err))
		return
	}
	if l, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		level.SetLevel(l.Level())
	}
	logger.Info("config reloaded",
		zap.Int("max_attempts", cfg.Retry.MaxAttempts),
		zap.Int("batch_size", cfg.Worker.BatchSize),
		zap.String("log_level", cfg.Log.Level),
	)
}

func drainJob(p *pipeline.Pipeline, logger *zap.Logger) trigger.Func {
	return func(ctx context.Context) error {
		rep, err := p.Drain(ctx)
		if rep.Claimed > 0 {
			logger.Info("drain finished",
				zap.Int("claimed", rep.Claimed),
				zap.Int("delivered", rep.Delivered),
				zap.Int("rescheduled", rep.Rescheduled),
				zap.Int("dead_lettered", rep.DeadLettered),
			)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func sweepJob(p *pipeline.Pipeline, logger *zap.Logger) trigger.Func {
	return func(ctx context.Context) error {
		res, err := p.Sweep(ctx)
		if res.Promoted > 0 || res.Reaped > 0 {
			logger.Info("sweep finished", zap.Int("promoted", res.Promoted), zap.Int("reaped", res.Reaped))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
