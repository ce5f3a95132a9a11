package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/batch"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

// BatchSnapshot is one observed aggregate state of a tracked batch.
type BatchSnapshot struct {
	BatchID        string
	Status         model.JobStatus
	Progress       int
	FailedChunkIDs []string
	Attempt        int
}

// Finalizer settles a batch parent at its terminal aggregate status.
type Finalizer interface {
	FinalizeBatch(ctx context.Context, params core.FinalizeBatchParams) (bool, error)
}

// BatchTrackerOptions groups dependencies for BatchTracker.
type BatchTrackerOptions struct {
	Reader      core.JobStatusReader // Required: chunk read port
	Finalizer   Finalizer            // Optional: terminal aggregate write-back
	Interval    time.Duration        // Optional: poll interval, default 2s
	MaxAttempts int                  // Optional: attempt budget, default 30
	Logger      *slog.Logger         // Optional: structured logger
}

// BatchTracker polls the chunk set of a batch job, classifies it into one
// aggregate status, and settles the parent row once the aggregate turns
// terminal. Individual chunk failures never abort the whole batch early;
// remaining chunks keep running and the verdict lands when all resolve.
type BatchTracker struct {
	reader      core.JobStatusReader
	finalizer   Finalizer
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewBatchTracker constructs a new BatchTracker.
func NewBatchTracker(opts BatchTrackerOptions) (*BatchTracker, error) {
	if opts.Reader == nil {
		return nil, errors.New("JobStatusReader is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "batch_tracker")
	}

	return &BatchTracker{
		reader:      opts.Reader,
		finalizer:   opts.Finalizer,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
		active:      map[string]context.CancelFunc{},
	}, nil
}

// MustNewBatchTracker constructs a new BatchTracker and panics on error.
func MustNewBatchTracker(opts BatchTrackerOptions) *BatchTracker {
	t, err := NewBatchTracker(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create BatchTracker: %v", err))
	}
	return t
}

// Track starts an aggregate polling loop for the batch and returns its
// snapshot channel. Same loop contract as the single-job poller: one loop per
// batch id, channel closes on terminal aggregate, local timeout, or ctx end.
func (t *BatchTracker) Track(ctx context.Context, batchID string) (<-chan BatchSnapshot, error) {
	if batchID == "" {
		return nil, errors.New("batch id is required")
	}

	loopCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if _, exists := t.active[batchID]; exists {
		t.mu.Unlock()
		cancel()
		return nil, ErrAlreadyTracking
	}
	t.active[batchID] = cancel
	t.mu.Unlock()

	updates := make(chan BatchSnapshot, t.maxAttempts+1)
	go t.loop(loopCtx, batchID, updates)
	return updates, nil
}

// Classify reads the batch's chunks once and returns the aggregate. Used by
// the HTTP status handler for a point-in-time view without a loop. When the
// chunk view has not settled, the parent row is consulted: a parent that
// failed past its retry budget settles before its chunks resolve, and that
// verdict must reach pollers instead of a perpetual PROCESSING.
func (t *BatchTracker) Classify(ctx context.Context, batchID string) (batch.Aggregate, []model.Chunk, error) {
	chunks, err := t.reader.ListChunks(ctx, batchID)
	if err != nil {
		return batch.Aggregate{}, nil, fmt.Errorf("list chunks for batch %s: %w", batchID, apperrors.MapDBError(err))
	}

	agg := batch.Classify(chunks)
	if agg.Terminal() {
		return agg, chunks, nil
	}

	job, err := t.reader.GetByID(ctx, batchID)
	if err != nil {
		return batch.Aggregate{}, nil, fmt.Errorf("get batch %s: %w", batchID, apperrors.MapDBError(err))
	}
	if job != nil {
		agg = batch.ReconcileParent(agg, job.Status, chunks)
	}
	return agg, chunks, nil
}

// StopAll stops every live tracking loop.
func (t *BatchTracker) StopAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.active))
	for _, cancel := range t.active {
		cancels = append(cancels, cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (t *BatchTracker) release(batchID string) {
	t.mu.Lock()
	if cancel, ok := t.active[batchID]; ok {
		cancel()
		delete(t.active, batchID)
	}
	t.mu.Unlock()
}

func (t *BatchTracker) loop(ctx context.Context, batchID string, updates chan<- BatchSnapshot) {
	defer close(updates)
	defer t.release(batchID)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	bestProgress := 0

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		agg, _, err := t.Classify(ctx, batchID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if t.logger != nil {
				t.logger.Debug("batch poll attempt failed",
					"batch_id", batchID,
					"attempt", attempt,
					"error", err,
				)
			}
			continue
		}

		if agg.Progress > bestProgress {
			bestProgress = agg.Progress
		}
		snap := BatchSnapshot{
			BatchID:        batchID,
			Status:         agg.Status,
			Progress:       bestProgress,
			FailedChunkIDs: agg.FailedChunkIDs,
			Attempt:        attempt,
		}

		if agg.Terminal() {
			t.finalize(ctx, batchID, agg)
			t.emit(ctx, updates, snap)
			return
		}
		if !t.emit(ctx, updates, snap) {
			return
		}
	}

	if t.logger != nil {
		t.logger.Warn("batch poll attempt budget exhausted",
			"batch_id", batchID,
			"max_attempts", t.maxAttempts,
		)
	}
	t.emit(ctx, updates, BatchSnapshot{
		BatchID:  batchID,
		Status:   model.StatusTimeout,
		Progress: bestProgress,
		Attempt:  t.maxAttempts,
	})
}

// finalize writes the terminal aggregate back to the parent row. The repo
// guard makes the write idempotent, so concurrent trackers cannot double
// settle.
func (t *BatchTracker) finalize(ctx context.Context, batchID string, agg batch.Aggregate) {
	if t.finalizer == nil {
		return
	}

	var errDetail *string
	if agg.Status == model.StatusFailed && len(agg.FailedChunkIDs) > 0 {
		msg := "failed chunks: " + strings.Join(agg.FailedChunkIDs, ", ")
		errDetail = &msg
	}

	settled, err := t.finalizer.FinalizeBatch(ctx, core.FinalizeBatchParams{
		JobID:       batchID,
		Status:      agg.Status,
		Progress:    agg.Progress,
		ErrorDetail: errDetail,
	})
	if err != nil {
		if t.logger != nil {
			t.logger.Error("batch finalize failed", "batch_id", batchID, "error", err)
		}
		return
	}
	if t.logger != nil && settled {
		t.logger.Info("batch settled",
			"batch_id", batchID,
			"status", agg.Status,
			"failed_chunks", len(agg.FailedChunkIDs),
		)
	}
}

func (t *BatchTracker) emit(ctx context.Context, updates chan<- BatchSnapshot, snap BatchSnapshot) bool {
	select {
	case updates <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
