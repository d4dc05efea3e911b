package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is implemented by components that hold expiring state: rate limit
// windows, session tokens, temporary blocks.
type Sweeper interface {
	// Name identifies the component in logs and metrics.
	Name() string
	// Sweep removes every record that expired at or before now and returns
	// how many were removed.
	Sweep(now time.Time) int
}

// Janitor periodically sweeps expired records out of every registered
// component. It ticks on wall time but judges expiry with the shared Clock,
// so the components and the janitor always agree on what "expired" means.
type Janitor struct {
	mu       sync.RWMutex
	sweepers []Sweeper
	names    map[string]bool
	interval time.Duration
	clock    Clock
	logger   zerolog.Logger
	metrics  *Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor that sweeps every interval (5m when <= 0).
func NewJanitor(interval time.Duration, clock Clock, logger zerolog.Logger, metrics *Metrics) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Janitor{
		names:    make(map[string]bool),
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "janitor").Logger(),
		metrics:  metrics,
	}
}

// Register adds a component to the sweep set.
func (j *Janitor) Register(s Sweeper) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.names[s.Name()] {
		return fmt.Errorf("sweeper %q already registered", s.Name())
	}
	j.names[s.Name()] = true
	j.sweepers = append(j.sweepers, s)
	j.logger.Debug().Str("sweeper", s.Name()).Msg("sweeper registered")
	return nil
}

// RunOnce sweeps every component now and returns the removed count per name.
func (j *Janitor) RunOnce() map[string]int {
	j.mu.RLock()
	sweepers := make([]Sweeper, len(j.sweepers))
	copy(sweepers, j.sweepers)
	j.mu.RUnlock()

	now := j.clock.Now()
	removed := make(map[string]int, len(sweepers))
	for _, s := range sweepers {
		n := j.safeSweep(s, now)
		removed[s.Name()] = n
		if n > 0 {
			if j.metrics != nil {
				j.metrics.Swept.WithLabelValues(s.Name()).Add(float64(n))
			}
			j.logger.Debug().Str("sweeper", s.Name()).Int("removed", n).Msg("expired records swept")
		}
	}
	return removed
}

// safeSweep keeps one panicking component from stopping the others.
func (j *Janitor) safeSweep(s Sweeper, now time.Time) (n int) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().
				Str("sweeper", s.Name()).
				Interface("panic", r).
				Msg("sweeper panicked")
			n = 0
		}
	}()
	return s.Sweep(now)
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.cancel != nil {
		j.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	done := j.done
	j.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce()
			}
		}
	}()
	j.logger.Info().Dur("interval", j.interval).Msg("janitor started")
}

// Stop halts the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
