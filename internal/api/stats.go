package api

import (
	"context"
	"sync"
	"time"

	"github.com/quillframe/quillexec/internal/events"
	"github.com/quillframe/quillexec/internal/logger"
	"github.com/quillframe/quillexec/internal/metrics"
	"github.com/quillframe/quillexec/pkg/sched"
)

// StatsSampler periodically snapshots executor counters, feeds the metric
// gauges and publishes a stats event for live subscribers.
type StatsSampler struct {
	executors map[string]*sched.Executor
	bus       events.Publisher
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewStatsSampler creates a sampler over the given executors.
func NewStatsSampler(executors map[string]*sched.Executor, bus events.Publisher, interval time.Duration) *StatsSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatsSampler{
		executors: executors,
		bus:       bus,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (s *StatsSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop.
func (s *StatsSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *StatsSampler) sample(ctx context.Context) {
	snapshots := make(map[string]interface{}, len(s.executors))
	for name, e := range s.executors {
		pending := e.PendingCount()
		running := e.RunningCount()
		working := e.WorkingCount()
		idle := e.IdleCount()
		metrics.SetExecutorGauges(name, pending, running, working, idle)
		snapshots[name] = map[string]interface{}{
			"pending":    pending,
			"running":    running,
			"working":    working,
			"idle":       idle,
			"accepting":  e.IsAccepting(),
			"processing": e.IsProcessing(),
			"shutdown":   e.IsShutdown(),
		}
	}
	if s.bus == nil {
		return
	}
	event := events.NewEvent(events.EventStatsSnapshot, map[string]interface{}{
		"executors": snapshots,
	})
	if err := s.bus.Publish(ctx, event); err != nil {
		logger.Debug().Err(err).Msg("failed to publish stats snapshot")
	}
}
