package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/api"
	"graphflow-scheduler/internal/breaker"
	"graphflow-scheduler/internal/config"
	"graphflow-scheduler/internal/models"
	"graphflow-scheduler/internal/ratelimit"
	"graphflow-scheduler/internal/retry"
	"graphflow-scheduler/internal/scheduler"
	"graphflow-scheduler/internal/store"
	"graphflow-scheduler/internal/supervisor"
	"graphflow-scheduler/internal/telemetry"
)

func main() {
	cfg := config.Load()

	var out = os.Stderr
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.Env == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := store.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	st := store.New(client, cfg.JobRetention)
	if err := st.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}

	var history *store.History
	if cfg.PostgresDSN != "" {
		h, err := store.NewHistory(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer h.Close()
		if err := h.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		history = h
	}

	breakers := breaker.NewRegistry(logger,
		breaker.WithFailureThreshold(cfg.BreakerFailureThreshold),
		breaker.WithResetTimeout(cfg.BreakerResetTimeout),
		breaker.WithSuccessThreshold(cfg.BreakerSuccessThreshold),
	)

	exec := retry.New(logger, breakers)
	exec.MaxAttempts = cfg.MaxAttempts
	exec.InitialDelay = cfg.BackoffInitial
	exec.BackoffFactor = cfg.BackoffFactor
	exec.OnRetry = func(retry.Attempt) { telemetry.RetryAttempts.Inc() }

	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var supHistory supervisor.RunRecorder
	if history != nil {
		supHistory = history
	}
	sup := supervisor.New(supervisor.Config{
		Command:         cfg.WorkerCommand,
		WorkDir:         cfg.WorkerDir,
		GracefulTimeout: cfg.GracefulTimeout,
		RunTimeout:      cfg.RunTimeout,
	}, st, supHistory, logger)

	dispatcher := scheduler.NewDispatcher(exec, limiter, logger)
	dispatcher.Register(models.JobTypeGraphflow, ensureRunning(sup))
	dispatcher.Register(models.JobTypeSingleShot, runToCompletion(sup))
	dispatcher.Register(models.JobTypeRecurring, runToCompletion(sup))

	var mgrHistory scheduler.RunRecorder
	if history != nil {
		mgrHistory = history
	}
	manager := scheduler.NewManager(scheduler.Config{
		Workers:  cfg.MaxConcurrentJobs,
		Location: cfg.Location(),
	}, st, dispatcher, mgrHistory, logger)
	manager.Start(ctx)
	defer manager.Stop(context.Background())

	server := api.New(st, manager, sup, breakers, history)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("timezone", cfg.Timezone).Msg("scheduler listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	// Leave no orphaned graphflow behind.
	if res := sup.Stop(shutdownCtx); res.OK {
		logger.Info().Msg("graphflow stopped on shutdown")
	}
}

// ensureRunning starts the long-lived graphflow process if it is not already
// up. An already-running process is a success, not a conflict: the job's
// purpose is "make sure it runs".
func ensureRunning(sup *supervisor.Supervisor) scheduler.Handler {
	return func(ctx context.Context, args map[string]any) error {
		res := sup.Start(ctx)
		if res.OK || res.Code == supervisor.CodeAlreadyRunning {
			return nil
		}
		return errors.New(res.Error)
	}
}

// runToCompletion performs one full run of the worker command and waits for
// it to exit, so scheduled runs appear in history as complete executions. A
// concurrent run already in flight makes this firing a no-op.
func runToCompletion(sup *supervisor.Supervisor) scheduler.Handler {
	return func(ctx context.Context, args map[string]any) error {
		res := sup.Start(ctx)
		if res.Code == supervisor.CodeAlreadyRunning {
			return nil
		}
		if !res.OK {
			return errors.New(res.Error)
		}
		select {
		case <-sup.MonitorDone():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
