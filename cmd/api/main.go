package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plan-coordinator/internal/api"
	"plan-coordinator/internal/config"
	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/drafts"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/resources"
)

func main() {
	configPath := flag.String("config", "plans.yaml", "config file")
	flag.Parse()

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		config.Default().Log.Logger(os.Stderr).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.Logger(os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	var store drafts.Store
	switch cfg.Drafts.Backend {
	case config.BackendSQLite:
		s, err := drafts.OpenSQLite(ctx, cfg.Drafts.Path)
		if err != nil {
			return err
		}
		closers = append(closers, s)
		store = s
	default:
		store = drafts.NewMemoryStore()
	}

	var repo resources.Repository
	switch cfg.Resources.Backend {
	case config.BackendRedis:
		r, err := resources.NewRedisRepository(resources.RedisOptions{
			Addr:      cfg.Resources.Addr,
			Password:  cfg.Resources.Password,
			DB:        cfg.Resources.DB,
			KeyPrefix: cfg.Resources.KeyPrefix,
		})
		if err != nil {
			return err
		}
		closers = append(closers, r)
		repo = r
	default:
		repo = resources.NewMemoryRepository()
	}

	var eng engine.Engine
	switch cfg.Approval.Engine {
	case config.BackendTemporal:
		tc, err := engine.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace, logger)
		if err != nil {
			return err
		}
		defer tc.Close()
		eng = engine.NewTemporalEngine(tc, engine.TemporalOptions{
			TaskQueue:        cfg.Temporal.TaskQueue,
			Policy:           cfg.Approval.Policy(),
			ExecutionTimeout: cfg.Temporal.ExecutionTimeout,
			MachineID:        cfg.Temporal.MachineID,
		}, logger)
	default:
		eng = engine.NewMemoryEngine(cfg.Approval.Policy())
	}

	c := coordinator.New(store, repo, eng, coordinator.WithLogger(logger))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(c, logger, cfg.HTTP.RequestTimeout).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTP.Addr,
			"drafts", cfg.Drafts.Backend, "resources", cfg.Resources.Backend, "engine", cfg.Approval.Engine)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
