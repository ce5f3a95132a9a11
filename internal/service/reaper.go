package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
)

// ReaperOptions groups dependencies for Reaper.
type ReaperOptions struct {
	Repo   core.ReaperRepository // Required: cleanup repository
	Config config.ReaperConfig   // Required: reaper configuration
	Logger *slog.Logger          // Optional: structured logger
}

// Reaper retires settled jobs after their retention window and requeues
// processing jobs whose worker lease lapsed. Artifact references are not
// touched here; they expire on their own TTL.
type Reaper struct {
	repo   core.ReaperRepository
	config config.ReaperConfig
	logger *slog.Logger
}

// NewReaper constructs a new Reaper.
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper")
		logger.Debug("Reaper initialized",
			"interval", opts.Config.Interval,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
			"cancelled_max_age", opts.Config.CancelledMaxAge,
		)
	}

	return &Reaper{
		repo:   opts.Repo,
		config: opts.Config,
		logger: logger,
	}, nil
}

// MustNewReaper constructs a new Reaper and panics on error.
func MustNewReaper(opts ReaperOptions) *Reaper {
	r, err := NewReaper(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create Reaper: %v", err))
	}
	return r
}

// Run starts the cleanup loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Reaper) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting reaper", "interval", r.config.Interval)
	}

	// Jitter spreads multiple instances so their sweeps do not align.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	if err := r.runCleanup(ctx); err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			if r.logger != nil {
				r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := r.runCleanup(ctx); err != nil && r.logger != nil {
				r.logger.ErrorContext(ctx, "cleanup failed", "error", err)
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (r *Reaper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (r *Reaper) runCleanup(ctx context.Context) error {
	var errs []error

	requeued, err := r.repo.RequeueExpiredLeases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue expired leases: %w", err))
	} else if requeued > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "requeued jobs with expired leases", "count", requeued)
	}

	retention := []struct {
		status model.JobStatus
		maxAge time.Duration
	}{
		{model.StatusCompleted, r.config.CompletedMaxAge},
		{model.StatusFailed, r.config.FailedMaxAge},
		{model.StatusCancelled, r.config.CancelledMaxAge},
	}
	for _, rt := range retention {
		if rt.maxAge <= 0 {
			continue
		}
		count, reapErr := r.reapStatus(ctx, rt.status, rt.maxAge)
		if reapErr != nil {
			errs = append(errs, fmt.Errorf("reap %s jobs: %w", rt.status, reapErr))
			continue
		}
		if count > 0 && r.logger != nil {
			r.logger.InfoContext(ctx, "retired old jobs", "status", rt.status, "count", count)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// reapStatus deletes in batches until a sweep comes back empty, so one tick
// can clear a large backlog without holding long locks.
func (r *Reaper) reapStatus(ctx context.Context, status model.JobStatus, maxAge time.Duration) (int64, error) {
	var total int64
	for {
		count, err := r.repo.ReapOldJobs(ctx, core.ReapOldJobsParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: r.config.BatchSize,
		})
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
