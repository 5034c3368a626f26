package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/quillframe/quillexec/internal/config"
	"github.com/quillframe/quillexec/internal/logger"
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
	logger.Init(cfg.LogLevel, true)

	log := logger.Get()
	log.Info().
		Int("workers", cfg.Executor.Workers).
		Int("parallelism", cfg.Parallel.Parallelism).
		Msg("Starting bench...")

	executor, err := sched.New(sched.Config{
		NamePrefix:              "bench",
		Workers:                 cfg.Executor.Workers,
		QueueCapacity:           cfg.Executor.QueueCapacity,
		MaxWorkersForBasicQueue: cfg.Executor.MaxWorkersForBasicQueue,
		Logger:                  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create executor")
	}
	executor.StartWorkersIfNeeded()

	par, err := parallel.New(executor, cfg.Parallel.Parallelism, cfg.Parallel.MaxDepth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create parallelizer")
	}

	ctx := context.Background()

	benchRangeSum(ctx, par)
	benchFibonacci(ctx, par)

	executor.Shutdown()
	if ok, _ := executor.WaitForNoRunningWorkers(ctx, cfg.Executor.ShutdownTimeout); !ok {
		log.Warn().Msg("executor shutdown timed out")
	}

	log.Info().Msg("Bench finished")
}

func benchRangeSum(ctx context.Context, par *parallel.Parallelizer) {
	const (
		hi    = int64(50_000_000)
		grain = int64(100_000)
	)

	seq := workload.NewRangeSumTask(0, hi, grain)
	seqStart := time.Now()
	seq.Run(ctx)
	seqDur := time.Since(seqStart)

	parTask := workload.NewRangeSumTask(0, hi, grain)
	parStart := time.Now()
	par.Execute(ctx, parTask)
	parDur := time.Since(parStart)

	logger.Info().
		Str("bench", "range_sum").
		Int64("sum", parTask.Sum).
		Bool("matches_sequential", parTask.Sum == seq.Sum).
		Dur("sequential", seqDur).
		Dur("parallel", parDur).
		Msg("bench result")
}

func benchFibonacci(ctx context.Context, par *parallel.Parallelizer) {
	const (
		n       = 40
		minSeqN = 20
	)

	seqStart := time.Now()
	want := workload.SequentialFib(n)
	seqDur := time.Since(seqStart)

	task := workload.NewFibTask(n, minSeqN)
	parStart := time.Now()
	par.Execute(ctx, task)
	parDur := time.Since(parStart)

	logger.Info().
		Str("bench", "fibonacci").
		Uint64("result", task.Result).
		Bool("matches_sequential", task.Result == want).
		Dur("sequential", seqDur).
		Dur("parallel", parDur).
		Msg("bench result")
}
