package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the janitor looks for expired files.
const DefaultSweepInterval = 30 * time.Minute

// Janitor periodically removes expired session files.
type Janitor struct {
	manager  *Manager
	logger   *slog.Logger
	interval time.Duration
	running  atomic.Bool
	sweeps   atomic.Int64
	removed  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJanitor(manager *Manager, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		manager:  manager,
		logger:   logger,
		interval: interval,
	}
}

// Start sweeps once immediately, then on every tick until ctx is cancelled
// or Stop is called. It returns without blocking.
func (j *Janitor) Start(ctx context.Context) {
	if j.running.Swap(true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	j.mu.Lock()
	j.cancel = cancel
	j.done = done
	j.mu.Unlock()

	j.logger.Info("janitor started", "interval", j.interval.String(), "ttl", j.manager.TTL().String())
	j.RunNow(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				j.logger.Info("janitor stopping")
				j.running.Store(false)
				return
			case <-ticker.C:
				j.RunNow(ctx)
			}
		}
	}()
}

// Stop halts the ticker loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunNow performs one sweep and returns the number of files removed.
func (j *Janitor) RunNow(ctx context.Context) int {
	n, err := j.manager.CleanupExpired(ctx)
	j.sweeps.Add(1)
	j.removed.Add(int64(n))
	if err != nil {
		j.logger.Warn("cleanup sweep incomplete", "removed", n, "error", err)
		return n
	}
	if n > 0 {
		j.logger.Info("cleanup sweep finished", "removed", n)
	}
	return n
}

func (j *Janitor) IsRunning() bool {
	return j.running.Load()
}

// Stats returns the number of sweeps run and files removed so far.
func (j *Janitor) Stats() (sweeps, removed int64) {
	return j.sweeps.Load(), j.removed.Load()
}
