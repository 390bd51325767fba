// Package worker runs the background loop that moves buffered item statuses
// into the publish log.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"edition-publisher/internal/config"
)

// Drainer is the buffered side of the publisher.
type Drainer interface {
	FlushPending(ctx context.Context) (int, error)
	Pending() int
	Ready() <-chan struct{}
}

// Flusher drives periodic and threshold-triggered flushes until its context ends.
type Flusher struct {
	cfg     config.Config
	drainer Drainer
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewFlusher(cfg config.Config, d Drainer) *Flusher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushBackoffInit <= 0 {
		cfg.FlushBackoffInit = 500 * time.Millisecond
	}
	if cfg.FlushBackoffMax < cfg.FlushBackoffInit {
		cfg.FlushBackoffMax = cfg.FlushBackoffInit
	}
	return &Flusher{cfg: cfg, drainer: d, sleep: sleepCtx}
}

// Run flushes until ctx is cancelled, then makes one last attempt with a
// fresh deadline so buffered records are not lost on shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.final()
			return ctx.Err()
		case <-ticker.C:
		case <-f.drainer.Ready():
		}
		if err := f.flushAll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Status flush loop stopped early")
		}
	}
}

// flushAll drains until empty, backing off while the store keeps failing.
func (f *Flusher) flushAll(ctx context.Context) error {
	attempt := 0
	for f.drainer.Pending() > 0 {
		n, err := f.drainer.FlushPending(ctx)
		if err == nil {
			attempt = 0
			if n == 0 {
				return nil
			}
			continue
		}
		attempt++
		wait := backoffWithJitter(f.cfg.FlushBackoffInit, f.cfg.FlushBackoffMax, attempt)
		log.Warn().Err(err).Int("written", n).Int("attempt", attempt).Dur("retry_in", wait).Msg("Failed to flush item statuses")
		if err := f.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flusher) final() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for f.drainer.Pending() > 0 {
		if _, err := f.drainer.FlushPending(ctx); err != nil {
			log.Error().Err(err).Int("pending", f.drainer.Pending()).Msg("Dropping unflushed item statuses on shutdown")
			return
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
