package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
)

// ErrAlreadyTracking is returned when Track is called for a job id that
// already has a live polling loop.
var ErrAlreadyTracking = errors.New("job is already being tracked")

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 30
)

// Snapshot is one observed state of a tracked job. Status may be the
// client-local timeout, which means "attempt budget exhausted, server state
// unknown"; it is never a server truth.
type Snapshot struct {
	JobID       string
	Status      model.JobStatus
	Progress    int
	ErrorDetail *string
	Attempt     int
}

// Terminal reports whether the snapshot ends the polling loop.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal() || s.Status == model.StatusTimeout
}

// Canceller issues a server-side cancel for a job.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// PollerOptions groups dependencies for Poller.
type PollerOptions struct {
	Reader      core.JobStatusReader // Required: job status read port
	Interval    time.Duration        // Optional: poll interval, default 2s
	MaxAttempts int                  // Optional: attempt budget, default 30
	Canceller   Canceller            // Optional: server-side cancel on Cancel()
	Logger      *slog.Logger         // Optional: structured logger
}

// Poller is the client-side polling state machine. It owns at most one loop
// per job id, polls at a fixed interval within a bounded attempt budget, and
// reports each observed state on a snapshot channel. Transient read errors
// are swallowed but still consume budget, so a dead server cannot hold a
// loop open forever.
type Poller struct {
	reader      core.JobStatusReader
	interval    time.Duration
	maxAttempts int
	canceller   Canceller
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPoller constructs a new Poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
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
		logger = opts.Logger.With("component", "poller")
	}

	return &Poller{
		reader:      opts.Reader,
		interval:    interval,
		maxAttempts: maxAttempts,
		canceller:   opts.Canceller,
		logger:      logger,
		active:      map[string]context.CancelFunc{},
	}, nil
}

// MustNewPoller constructs a new Poller and panics on error.
func MustNewPoller(opts PollerOptions) *Poller {
	p, err := NewPoller(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create Poller: %v", err))
	}
	return p
}

// Track starts a polling loop for the job and returns its snapshot channel.
// The channel closes when the loop ends: on a terminal status, on the local
// timeout, on Cancel, or when ctx ends. A second Track for the same job id
// while the first loop lives returns ErrAlreadyTracking.
func (p *Poller) Track(ctx context.Context, jobID string) (<-chan Snapshot, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	loopCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if _, exists := p.active[jobID]; exists {
		p.mu.Unlock()
		cancel()
		return nil, ErrAlreadyTracking
	}
	p.active[jobID] = cancel
	p.mu.Unlock()

	updates := make(chan Snapshot, p.maxAttempts+1)
	go p.loop(loopCtx, jobID, updates)
	return updates, nil
}

// Cancel stops the polling loop for the job and, when a Canceller is wired,
// issues the server-side cancel as well. Stopping a loop that is not running
// is a no-op.
func (p *Poller) Cancel(ctx context.Context, jobID string) error {
	p.stopLoop(jobID)

	if p.canceller == nil {
		return nil
	}
	if err := p.canceller.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// StopAll stops every live polling loop. Used during shutdown; no server
// cancels are issued.
func (p *Poller) StopAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.active))
	for _, cancel := range p.active {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Tracking reports whether a loop is live for the job id.
func (p *Poller) Tracking(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

func (p *Poller) stopLoop(jobID string) {
	p.mu.Lock()
	cancel, ok := p.active[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Poller) release(jobID string) {
	p.mu.Lock()
	if cancel, ok := p.active[jobID]; ok {
		cancel()
		delete(p.active, jobID)
	}
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context, jobID string, updates chan<- Snapshot) {
	defer close(updates)
	defer p.release(jobID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Progress never moves backwards within one loop; a stale read is
	// clamped to the best value seen so far.
	bestProgress := 0

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.reader.GetByID(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.logger != nil {
				p.logger.Debug("poll attempt failed",
					"job_id", jobID,
					"attempt", attempt,
					"error", err,
				)
			}
			continue
		}

		if job.Progress > bestProgress {
			bestProgress = job.Progress
		}
		snap := Snapshot{
			JobID:       jobID,
			Status:      job.Status,
			Progress:    bestProgress,
			ErrorDetail: job.ErrorDetail,
			Attempt:     attempt,
		}
		if !p.emit(ctx, updates, snap) {
			return
		}
		if snap.Status.Terminal() {
			return
		}
	}

	if p.logger != nil {
		p.logger.Warn("poll attempt budget exhausted",
			"job_id", jobID,
			"max_attempts", p.maxAttempts,
		)
	}
	p.emit(ctx, updates, Snapshot{
		JobID:    jobID,
		Status:   model.StatusTimeout,
		Progress: bestProgress,
		Attempt:  p.maxAttempts,
	})
}

func (p *Poller) emit(ctx context.Context, updates chan<- Snapshot, snap Snapshot) bool {
	select {
	case updates <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
