package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nadmax/ferreq/internal/config"
	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/logging"
	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/notify"
	"github.com/nadmax/ferreq/internal/pipeline"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/spectrum"
	"github.com/nadmax/ferreq/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("FERREQ_CONFIG"), "path to a YAML configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address of the Prometheus metrics endpoint, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg *config.Config, metricsAddr string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	q, err := queue.NewQueue(cfg.RedisAddr)
	if err != nil {
		return err
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("failed to close worker queue", zap.Error(err))
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotificationsEnabled() {
		notifier = notify.NewEmail(cfg.EmailConfig(), logger)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	executor := runner.New(cfg.Solver.Executable, logger, cfg.Solver.Args...)
	grids := grid.NewCache()
	continuum := spectrum.NewContinuumRegistry()

	workers := make([]*worker.Worker, cfg.Worker.Concurrency)
	for i := range workers {
		id := workerID
		if len(workers) > 1 {
			id = fmt.Sprintf("%s-%d", workerID, i)
		}

		p, err := pipeline.New(pipeline.Options{
			ParentDir:          cfg.Solver.ParentDir,
			MaxDepth:           cfg.Solver.MaxDepth,
			WorkerID:           id,
			TimeoutPerSpectrum: cfg.Solver.TimeoutPerSpectrum,
			TimeoutFloor:       cfg.Solver.TimeoutFloor,
			Executor:           executor,
			Store:              store,
			Grids:              grids,
			Continuum:          continuum,
			Logger:             logger,
		})
		if err != nil {
			return err
		}

		w := worker.NewWorker(id, q, p, store, logger)
		w.SetPollInterval(cfg.Worker.PollInterval)
		w.SetRetryDelay(cfg.Worker.RetryDelay)
		w.SetNotifier(notifier)
		workers[i] = w
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Go(func() { w.Start(ctx) })
	}
	metrics.UpdateActiveWorkers(len(workers))
	logger.Info("workers started",
		zap.Int("count", len(workers)),
		zap.String("redis", cfg.RedisAddr),
		zap.String("executable", cfg.Solver.Executable))

	<-ctx.Done()
	logger.Info("shutting down workers")
	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()
	metrics.UpdateActiveWorkers(0)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}
