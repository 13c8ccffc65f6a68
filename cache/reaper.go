package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/strmkit/metacache/telemetry"
)

// Reaper runs periodic cleanup of expired records.
type Reaper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper with the given options. Default interval: 6h.
func NewReaper(c *Cache, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		cache:    c,
		interval: 6 * time.Hour,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	start := time.Now()
	deleted, err := r.cache.CleanupExpired(ctx)
	telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))
	if err != nil {
		r.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("cleanup sweep complete", "deleted", deleted, "duration", time.Since(start))
	}
}

// ReapNow runs a single sweep immediately. Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reap(ctx)
}
