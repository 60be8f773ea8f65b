package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/terrpan/forge/internal/cancel"
	"github.com/terrpan/forge/internal/store"
)

// Sweeper is the orphan-recovery backstop: a periodic job that
// force-transitions build records stuck in a non-terminal status long
// past a reasonable execution window. It defends against executor
// crashes and lost cancellation signals that would otherwise leave a
// record Running forever.
type Sweeper struct {
	store   store.Store
	cancels *cancel.Registry
	logger  *slog.Logger

	// MaxRunning is how long a build may stay Running before it is
	// declared orphaned. Compared against wall-clock start times, not
	// against any process that might have died.
	MaxRunning time.Duration

	// MaxQueued is the equivalent threshold for Queued builds.
	MaxQueued time.Duration

	// Interval is the sweep period.
	Interval time.Duration
}

// NewSweeper creates a Sweeper with the given thresholds.
func NewSweeper(st store.Store, cancels *cancel.Registry, maxRunning, maxQueued, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      st,
		cancels:    cancels,
		logger:     logger,
		MaxRunning: maxRunning,
		MaxQueued:  maxQueued,
		Interval:   interval,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("orphan sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("orphan sweep recovered builds", slog.Int("count", n))
			}
		}
	}
}

// Sweep transitions every orphaned record to TimedOut and returns the
// number recovered. It is idempotent: terminal records are skipped, so
// re-running over the same data is a no-op.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rec := range records {
		if rec.Status.Terminal() {
			continue
		}

		var orphaned bool
		switch rec.Status {
		case store.StatusRunning:
			orphaned = !rec.StartedAt.IsZero() && now.Sub(rec.StartedAt) > s.MaxRunning
		case store.StatusQueued:
			orphaned = now.Sub(rec.EnqueuedAt) > s.MaxQueued
		}
		if !orphaned {
			continue
		}

		prior := rec.Status
		rec.Status = store.StatusTimedOut
		rec.FinishedAt = now
		rec.Error = "exceeded maximum " + string(prior) + " duration"
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Error("failed to time out orphaned build",
				slog.String("buildID", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		// Best effort: if the worker is still alive, tell it to stop.
		s.cancels.Cancel(rec.ID)

		s.logger.Warn("build timed out by orphan sweep",
			slog.String("buildID", rec.ID),
		)
		swept++
	}
	return swept, nil
}
