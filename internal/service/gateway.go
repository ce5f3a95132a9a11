// Package service provides the orchestration layer: submission gateway,
// client-side status poller, batch tracker, resource resolver and reaper.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/idempotency"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

// defaultChunkSize is the employees-per-chunk fan-out when the payload does
// not declare one.
const defaultChunkSize = 100

// GatewayOptions groups dependencies for Gateway.
type GatewayOptions struct {
	Repo      core.JobRepository   // Required: job repository
	Publisher core.QueuePublisher  // Optional: work queue; submissions survive without it
	Logger    *slog.Logger         // Optional: structured logger
	// AllowFailedResubmit permits a fresh submission under a key whose
	// previous job failed. Default is to return the failed job as-is.
	AllowFailedResubmit bool
	// DefaultMaxRetries applies when a submission does not set max_retries.
	DefaultMaxRetries int
}

// Gateway is the job submission gateway: the single entry point for work
// submission. It validates the payload, resolves the idempotency key, and
// guarantees that one key maps to at most one job.
type Gateway struct {
	repo                core.JobRepository
	publisher           core.QueuePublisher
	logger              *slog.Logger
	allowFailedResubmit bool
	defaultMaxRetries   int

	// inflight serializes concurrent submissions of the same key within this
	// process, so rapid double-clicks collapse before reaching the store.
	mu       sync.Mutex
	inflight map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// NewGateway constructs a new Gateway.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "gateway")
	}

	return &Gateway{
		repo:                opts.Repo,
		publisher:           opts.Publisher,
		logger:              logger,
		allowFailedResubmit: opts.AllowFailedResubmit,
		defaultMaxRetries:   opts.DefaultMaxRetries,
		inflight:            map[string]*keyLock{},
	}, nil
}

// MustNewGateway constructs a new Gateway and panics on error.
func MustNewGateway(opts GatewayOptions) *Gateway {
	g, err := NewGateway(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create Gateway: %v", err))
	}
	return g
}

// Submit validates and submits a unit of work on behalf of the identity.
// Submitting the same key again, before or after completion, returns the
// original job's handle rather than creating new work.
func (g *Gateway) Submit(
	ctx context.Context,
	identity model.Identity,
	req model.SubmitRequest,
) (*model.JobHandle, error) {
	if !identity.Valid() {
		return nil, apperrors.Unauthorized("caller identity is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid submission")
	}

	key := req.IdempotencyKey
	if key == "" {
		return nil, apperrors.ValidationField("idempotency_key", "idempotency key is required")
	}
	if err := idempotency.Validate(key); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid idempotency key")
	}

	unlock := g.lockKey(identity.Tenant, string(req.Operation), key)
	defer unlock()

	chunkCount, err := chunkPlan(req)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = g.defaultMaxRetries
	}

	job, created, err := g.repo.CreateOrGet(ctx, core.CreateJobParams{
		Operation:      req.Operation,
		Tenant:         identity.Tenant,
		ActorID:        identity.ActorID,
		IdempotencyKey: key,
		Payload:        req.Payload,
		ChunkCount:     chunkCount,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}

	if !created {
		if job.Status == model.StatusFailed && g.allowFailedResubmit {
			return g.resubmitFailed(ctx, identity, req, job)
		}
		return g.handleExisting(ctx, identity, req, job)
	}

	g.enqueue(ctx, job.ID)

	if g.logger != nil {
		g.logger.InfoContext(ctx, "job submitted",
			"job_id", job.ID,
			"operation", job.Operation,
			"tenant", job.Tenant,
			"chunk_count", job.ChunkCount,
		)
	}
	return &model.JobHandle{JobID: job.ID, Status: job.Status}, nil
}

// handleExisting applies the duplicate-key policy: the existing job's handle
// is returned, whatever its status. A failed job under the key is the
// caller's answer too; they must mint a new key to retry.
func (g *Gateway) handleExisting(
	ctx context.Context,
	identity model.Identity,
	req model.SubmitRequest,
	job *model.Job,
) (*model.JobHandle, error) {
	if g.logger != nil {
		g.logger.DebugContext(ctx, "duplicate submission collapsed",
			"job_id", job.ID,
			"status", job.Status,
			"tenant", identity.Tenant,
			"operation", req.Operation,
		)
	}
	return &model.JobHandle{JobID: job.ID, Status: job.Status}, nil
}

// resubmitFailed frees the key from the failed job and submits fresh work
// under it. The failed job keeps its terminal status; only the key moves.
func (g *Gateway) resubmitFailed(
	ctx context.Context,
	identity model.Identity,
	req model.SubmitRequest,
	failed *model.Job,
) (*model.JobHandle, error) {
	released, err := g.repo.ReleaseKey(ctx, failed.ID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	if !released {
		// Lost a race: the job resolved differently or another submitter
		// already released the key. Re-read and fall back to the default
		// duplicate handling.
		current, getErr := g.repo.GetByID(ctx, failed.ID)
		if getErr != nil {
			return nil, apperrors.MapDBError(getErr)
		}
		return g.handleExisting(ctx, identity, req, current)
	}

	if g.logger != nil {
		g.logger.InfoContext(ctx, "failed job superseded, resubmitting",
			"failed_job_id", failed.ID,
			"operation", req.Operation,
		)
	}

	chunkCount, err := chunkPlan(req)
	if err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = g.defaultMaxRetries
	}

	job, created, err := g.repo.CreateOrGet(ctx, core.CreateJobParams{
		Operation:      req.Operation,
		Tenant:         identity.Tenant,
		ActorID:        identity.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		ChunkCount:     chunkCount,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	if created {
		g.enqueue(ctx, job.ID)
	}
	return &model.JobHandle{JobID: job.ID, Status: job.Status}, nil
}

// enqueue publishes the job id to the work queue. Publish failures are logged
// and swallowed: the job row is the source of truth, and the lease sweep
// picks up anything the queue missed.
func (g *Gateway) enqueue(ctx context.Context, jobID string) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.PublishJob(ctx, jobID); err != nil && g.logger != nil {
		g.logger.WarnContext(ctx, "queue publish failed, job remains pending",
			"job_id", jobID,
			"error", err,
		)
	}
}

// Cancel requests cancellation of a job. Terminal jobs report a conflict.
func (g *Gateway) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return apperrors.Validation("job id is required")
	}

	cancelled, err := g.repo.Cancel(ctx, jobID)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if !cancelled {
		job, getErr := g.repo.GetByID(ctx, jobID)
		if getErr != nil {
			return apperrors.MapDBError(getErr)
		}
		return apperrors.Conflictf("job %s already settled as %s", jobID, job.Status)
	}

	if g.logger != nil {
		g.logger.InfoContext(ctx, "job cancellation requested", "job_id", jobID)
	}
	return nil
}

// GetStatus returns the status projection for a job.
func (g *Gateway) GetStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	job, err := g.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job.StatusView(), nil
}

// Stats returns per-status job counts for one operation.
func (g *Gateway) Stats(ctx context.Context, operation model.Operation) (*model.JobStats, error) {
	if !operation.Valid() {
		return nil, apperrors.Validationf("invalid operation: %s", operation)
	}
	stats, err := g.repo.Stats(ctx, operation)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return stats, nil
}

func (g *Gateway) lockKey(parts ...string) func() {
	composite := ""
	for _, p := range parts {
		composite += p + "\x1f"
	}

	g.mu.Lock()
	l, ok := g.inflight[composite]
	if !ok {
		l = &keyLock{}
		g.inflight[composite] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.inflight, composite)
		}
		g.mu.Unlock()
	}
}

// chunkPlan derives the chunk fan-out a submission declares. Only batch
// operations produce chunks.
func chunkPlan(req model.SubmitRequest) (int, error) {
	if req.Operation != model.OperationArrearsRecalc {
		return 0, nil
	}

	var p model.ArrearsPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid arrears payload")
	}

	size := p.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	count := (len(p.EmployeeIDs) + size - 1) / size
	return count, nil
}
