// Package escalate runs the acknowledgment SLA sweep on a fixed interval.
package escalate

import (
	"context"
	"log"
	"time"

	"vigil/internal/config"
)

// SweepFunc performs one escalation pass and reports how many workflows
// were escalated.
type SweepFunc func(ctx context.Context) (int, error)

type Scheduler struct {
	Interval time.Duration
	Sweep    SweepFunc
}

// New builds a scheduler from the escalation config, clamping the interval
// to the configured floor.
func New(cfg *config.Config, sweep SweepFunc) *Scheduler {
	seconds := cfg.Escalation.CheckIntervalSeconds
	if seconds < config.MinCheckIntervalSeconds {
		seconds = config.MinCheckIntervalSeconds
	}
	return &Scheduler{
		Interval: time.Duration(seconds) * time.Second,
		Sweep:    sweep,
	}
}

// Start runs the sweep loop in its own goroutine. The returned stop function
// cancels the loop and blocks until any in-flight sweep has finished.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
// Sweep errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil {
			log.Printf("escalate: sweep: %v", err)
		} else if n > 0 {
			log.Printf("escalate: escalated %d workflow(s)", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
