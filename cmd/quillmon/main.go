package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quillframe/quillexec/internal/api"
	"github.com/quillframe/quillexec/internal/config"
	"github.com/quillframe/quillexec/internal/events"
	"github.com/quillframe/quillexec/internal/logger"
	"github.com/quillframe/quillexec/internal/metrics"
	"github.com/quillframe/quillexec/internal/workload"
	"github.com/quillframe/quillexec/pkg/parallel"
	"github.com/quillframe/quillexec/pkg/sched"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting monitor...")

	// Name the executor up front so the metric labels match
	name := cfg.Executor.NamePrefix
	if name == "" {
		name = fmt.Sprintf("executor-%s", uuid.New().String()[:8])
	}

	executor, err := sched.New(sched.Config{
		NamePrefix:              name,
		Workers:                 cfg.Executor.Workers,
		QueueCapacity:           cfg.Executor.QueueCapacity,
		MaxWorkersForBasicQueue: cfg.Executor.MaxWorkersForBasicQueue,
		Observer:                &metrics.ExecObserver{Executor: name},
		Logger:                  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create executor")
	}
	executor.StartWorkersIfNeeded()

	par, err := parallel.New(executor, cfg.Parallel.Parallelism, cfg.Parallel.MaxDepth,
		parallel.WithObserver(metrics.ParallelObserver{}),
		parallel.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create parallelizer")
	}

	executors := map[string]*sched.Executor{
		executor.Name(): executor,
	}

	// Create the event bus and the monitor server
	bus := events.NewBus(0)
	server := api.NewServer(cfg, executors, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server.Start(ctx)

	// Drive a demo workload so the monitor has live numbers
	go driveWorkload(ctx, par, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("monitor listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down monitor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	server.Stop()
	cancel()

	executor.Shutdown()
	if ok, err := executor.WaitForNoRunningWorkers(shutdownCtx, cfg.Executor.ShutdownTimeout); err != nil || !ok {
		log.Warn().Msg("executor shutdown timed out")
	}
	_ = bus.Close()

	log.Info().Msg("Monitor stopped")
}

// driveWorkload periodically runs a parallel range sum so the executor and
// parallelizer numbers move while the monitor is up.
func driveWorkload(ctx context.Context, par *parallel.Parallelizer, log *zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task := workload.NewRangeSumTask(0, 4_000_000, 50_000)
			start := time.Now()
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						log.Error().Interface("panic", rec).Msg("demo workload failed")
					}
				}()
				par.Execute(ctx, task)
				log.Debug().
					Int64("sum", task.Sum).
					Dur("duration", time.Since(start)).
					Msg("demo workload completed")
			}()
		}
	}
}
