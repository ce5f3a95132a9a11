// Package worker executes queued jobs: it claims pending jobs under a lease,
// dispatches them to a handler registered per operation, and records the
// outcome with retry bookkeeping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
	"github.com/peopleops/jobflow/internal/queue"
)

// errCancelRequested signals that a handler observed the job's cancel flag and
// stopped early. The runner settles the job as cancelled instead of failed.
var errCancelRequested = errors.New("cancel requested")

// HandlerResult is what a handler reports back on success.
type HandlerResult struct {
	// ResultRef points at the produced artifact, when the operation has one.
	ResultRef *string
	// Settled means the handler already wrote the job's terminal status and
	// the runner must not complete it again.
	Settled bool
}

// HandlerFunc processes one claimed job. A returned error fails the job, which
// retries per its retry budget; errCancelRequested settles it as cancelled.
type HandlerFunc func(ctx context.Context, job *model.Job) (HandlerResult, error)

// JobSource delivers queue wake-ups; satisfied by queue.Client.
type JobSource interface {
	ConsumeJobs(consumerTag string) (<-chan queue.Delivery, error)
}

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Repo   core.JobRepository // Required: job repository
	Source JobSource          // Optional: queue wake-ups; runner still polls without it
	Config config.WorkerConfig
	Logger *slog.Logger // Optional: structured logger
}

// Runner pulls jobs and executes them using registered handlers. The job row
// is the source of truth: queue messages and Postgres notifications only wake
// workers up, and the idle poll catches anything both missed.
type Runner struct {
	repo     core.JobRepository
	source   JobSource
	cfg      config.WorkerConfig
	logger   *slog.Logger
	handlers map[model.Operation]HandlerFunc
}

// NewRunner constructs a runner with the built-in operation handlers.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker")
	}

	r := &Runner{
		repo:     opts.Repo,
		source:   opts.Source,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[model.Operation]HandlerFunc),
	}
	r.handlers[model.OperationPunchCapture] = r.handlePunchCapture
	r.handlers[model.OperationArrearsRecalc] = r.handleArrearsRecalc
	r.handlers[model.OperationReportExport] = r.handleReportExport
	return r, nil
}

// MustNewRunner constructs a new Runner and panics on error.
func MustNewRunner(opts RunnerOptions) *Runner {
	r, err := NewRunner(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create Runner: %v", err))
	}
	return r
}

// RegisterHandler replaces the handler for an operation. Used by tests.
func (r *Runner) RegisterHandler(op model.Operation, h HandlerFunc) {
	r.handlers[op] = h
}

// Run starts the worker goroutines and processes jobs until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting worker runner",
			"workers", r.cfg.Concurrency,
			"lease", r.cfg.JobLease,
		)
	}

	g, ctx := errgroup.WithContext(ctx)

	wake := make(chan struct{}, 1)
	g.Go(func() error {
		return r.consumeWakeups(ctx, wake)
	})
	g.Go(func() error {
		r.listenNotifications(ctx, wake)
		return nil
	})

	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			return r.workerLoop(ctx, wake)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeWakeups acks queue deliveries and coalesces them into wake signals.
// The message body is not trusted for scheduling; reservation order comes from
// the jobs table.
func (r *Runner) consumeWakeups(ctx context.Context, wake chan<- struct{}) error {
	if r.source == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	deliveries, err := r.source.ConsumeJobs("jobflow-worker")
	if err != nil {
		return fmt.Errorf("consume jobs: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("queue delivery channel closed")
			}
			if ackErr := d.Ack(true); ackErr != nil && r.logger != nil {
				r.logger.WarnContext(ctx, "ack delivery failed", "job_id", d.JobID, "error", ackErr)
			}
			signalWake(wake)
		}
	}
}

// listenNotifications forwards Postgres job-added notifications into wake
// signals. Errors here are logged and retried; the idle poll covers gaps.
func (r *Runner) listenNotifications(ctx context.Context, wake chan<- struct{}) {
	for ctx.Err() == nil {
		if err := r.repo.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.logger != nil {
				r.logger.DebugContext(ctx, "notification wait failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.IdlePollInterval):
			}
			continue
		}
		signalWake(wake)
	}
}

func signalWake(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (r *Runner) workerLoop(ctx context.Context, wake <-chan struct{}) error {
	leaseSeconds := int(r.cfg.JobLease / time.Second)

	for ctx.Err() == nil {
		job, err := r.repo.ReserveNext(ctx, leaseSeconds)
		switch {
		case err == nil:
			r.processJob(ctx, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			case <-time.After(r.cfg.IdlePollInterval):
			}
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "job claimed",
			"job_id", job.ID,
			"operation", job.Operation,
			"retry_count", job.RetryCount,
		)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		r.heartbeatLoop(hbCtx, job.ID)
	}()
	defer func() {
		stopHeartbeat()
		hbDone.Wait()
	}()

	h, ok := r.handlers[job.Operation]
	if !ok {
		r.fail(ctx, job.ID, fmt.Sprintf("no handler for operation %s", job.Operation))
		return
	}

	res, err := h(ctx, job)
	switch {
	case errors.Is(err, errCancelRequested):
		r.settleCancelled(ctx, job)
	case err != nil:
		if ctx.Err() != nil {
			// Shutdown mid-job: leave the lease to lapse and requeue.
			return
		}
		r.fail(ctx, job.ID, err.Error())
	case res.Settled:
	default:
		if completed, cerr := r.repo.Complete(ctx, job.ID, res.ResultRef); cerr != nil {
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "complete job failed", "job_id", job.ID, "error", cerr)
			}
		} else if completed && r.logger != nil {
			r.logger.InfoContext(ctx, "job completed", "job_id", job.ID, "operation", job.Operation)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID string) {
	leaseSeconds := int(r.cfg.JobLease / time.Second)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := r.repo.Heartbeat(ctx, jobID, leaseSeconds)
			if err != nil {
				if ctx.Err() == nil && r.logger != nil {
					r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if !alive {
				// Job left processing under us; nothing to extend.
				return
			}
		}
	}
}

func (r *Runner) fail(ctx context.Context, jobID, msg string) {
	if _, err := r.repo.Fail(ctx, jobID, msg); err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", jobID, "error", err)
	}
}

// settleCancelled flips a processing job whose cancel flag the handler
// observed to its cancelled terminal state.
func (r *Runner) settleCancelled(ctx context.Context, job *model.Job) {
	settled, err := r.repo.FinalizeBatch(ctx, core.FinalizeBatchParams{
		JobID:    job.ID,
		Status:   model.StatusCancelled,
		Progress: job.Progress,
	})
	if err != nil {
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "settle cancelled job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if settled && r.logger != nil {
		r.logger.InfoContext(ctx, "job cancelled by request", "job_id", job.ID)
	}
}

// cancelRequested re-reads the job's cancel flag. Handlers call this between
// units of work.
func (r *Runner) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	current, err := r.repo.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return current.CancelRequested, nil
}
