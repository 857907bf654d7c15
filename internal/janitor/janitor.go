// Package janitor sweeps expired state envelopes out of the store on a cron
// schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/strand/internal/storage"
)

// Config configures the sweeper.
type Config struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string

	// TTL is the retention window: envelopes untouched for longer are removed.
	TTL time.Duration
}

// Janitor runs periodic store sweeps.
type Janitor struct {
	store  storage.StateStore
	logger *slog.Logger
	ttl    time.Duration
	cron   *cron.Cron
}

// New creates a janitor over store. Start must be called to begin sweeping.
func New(store storage.StateStore, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("janitor ttl must be positive")
	}
	j := &Janitor{
		store:  store,
		logger: logger.With("component", "janitor"),
		ttl:    cfg.TTL,
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "ttl", j.ttl)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	removed, err := j.SweepOnce(ctx)
	if err != nil {
		j.logger.Error("sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("sweep removed expired envelopes", "removed", removed)
	}
}

// SweepOnce runs a single sweep immediately, returning the number of
// envelopes removed.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	return j.store.Sweep(ctx, j.ttl)
}
