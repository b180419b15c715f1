package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/ferreq/internal/api"
	"github.com/nadmax/ferreq/internal/config"
	"github.com/nadmax/ferreq/internal/dashboard"
	"github.com/nadmax/ferreq/internal/logging"
	"github.com/nadmax/ferreq/internal/middleware"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("FERREQ_CONFIG"), "path to a YAML configuration file")
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
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
			logger.Warn("failed to close server queue", zap.Error(err))
		}
	}()

	apiHandler := api.NewAPI(store, q, dashboard.NewDashboard(store, q), logger)
	apiHandler.Handle("/metrics", promhttp.Handler())

	go startMetricsCollector(ctx, q, store, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           middleware.MetricsMiddleware(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("redis", cfg.RedisAddr),
			zap.String("store", string(cfg.StoreDialect())))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
