package main

import (
	"flag"
	"io"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"
	"go.temporal.io/sdk/worker"

	"plan-coordinator/internal/activities"
	"plan-coordinator/internal/config"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/workflows"
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
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	c, err := engine.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	a, closer := newActivities(cfg)
	if closer != nil {
		defer closer.Close()
	}

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.PlanApproval)
	w.RegisterActivity(a)

	logger.Info("worker started", "taskQueue", cfg.Temporal.TaskQueue, "namespace", cfg.Temporal.Namespace)
	return w.Run(worker.InterruptCh())
}

// newActivities builds the activities, publishing notifications on the
// default Redis channel when resources live in Redis. The returned closer,
// if any, releases the Redis client.
func newActivities(cfg *config.Config) (*activities.Activities, io.Closer) {
	a := &activities.Activities{}
	if cfg.Resources.Backend != config.BackendRedis {
		return a, nil
	}
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Resources.Addr,
		Password: cfg.Resources.Password,
		DB:       cfg.Resources.DB,
	})
	a.Notifier = activities.NewRedisNotifier(rc, activities.DefaultChannel)
	return a, rc
}
