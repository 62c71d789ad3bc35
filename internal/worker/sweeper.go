package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExpiryTarget evicts listings that outlived their TTL
type ExpiryTarget interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpirySweeper periodically removes expired listings from the marketplace
type ExpirySweeper struct {
	target   ExpiryTarget
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(target ExpiryTarget, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		target:   target,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the background sweep
func (w *ExpirySweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.Info("expiry sweeper started", "interval", w.interval)

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop stops the background sweep and waits for a running pass to finish
func (w *ExpirySweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.logger.Info("expiry sweeper stopped")
	return nil
}

// IsRunning returns whether the sweeper is running
func (w *ExpirySweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main worker loop
func (w *ExpirySweeper) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep
func (w *ExpirySweeper) RunOnce(ctx context.Context) {
	startTime := time.Now()

	removed, err := w.target.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("expiry sweep failed", "error", err)
		return
	}

	w.logger.Debug("expiry sweep completed",
		"removed", removed,
		"duration", time.Since(startTime),
	)
}
