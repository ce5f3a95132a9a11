// Package core defines the contracts between the service layer and the data
// layer (ports in hexagonal architecture). Service implementations depend on
// these interfaces, not on concrete repositories.
package core

import (
	"context"
	"time"

	"github.com/peopleops/jobflow/internal/domain/model"
)

// CreateJobParams groups the inputs for creating a job row.
type CreateJobParams struct {
	Operation      model.Operation
	Tenant         string
	ActorID        string
	IdempotencyKey string
	Payload        []byte
	ChunkCount     int
	MaxRetries     int
}

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	// CreateOrGet atomically creates the job or returns the existing one for
	// the same (tenant, operation, idempotency_key). created reports whether
	// this call inserted the row.
	CreateOrGet(ctx context.Context, params CreateJobParams) (job *model.Job, created bool, err error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// ReserveNext claims the oldest pending job and moves it to processing
	// with a lease. Returns model.ErrNoJobsAvailable when nothing is pending.
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error)
	// WaitForNotification blocks until a job-availability notification
	// arrives or the context ends.
	WaitForNotification(ctx context.Context) error
	// Heartbeat extends the lease on a processing job. Returns false when the
	// job is no longer processing.
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)

	// SetProgress updates progress on a processing job; values below the
	// current stored progress are ignored. Returns false when the job is not
	// processing.
	SetProgress(ctx context.Context, jobID string, progress int) (bool, error)
	// Complete moves a processing job to completed with an optional result
	// reference. Returns false when the job was not processing (sticky
	// terminal states are never overwritten).
	Complete(ctx context.Context, jobID string, resultRef *string) (bool, error)
	// Fail records a failure. Below the retry budget the job returns to
	// pending with retry_count incremented; past it the job moves to failed.
	Fail(ctx context.Context, jobID, errMsg string) (bool, error)
	// Cancel requests cancellation: pending jobs flip to cancelled, processing
	// jobs get cancel_requested set for the worker to observe. Terminal jobs
	// are untouched and report false.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// ReleaseKey frees the idempotency key of a failed job by archiving it
	// under a derived name, leaving the job's terminal status untouched.
	// Reports false when the job is not failed.
	ReleaseKey(ctx context.Context, jobID string) (bool, error)

	ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error)
	// UpdateChunk writes one chunk's status and counters. Resolved chunks are
	// sticky and report false on further updates.
	UpdateChunk(ctx context.Context, params UpdateChunkParams) (bool, error)
	// FinalizeBatch flips a batch parent to its terminal aggregate status if
	// it has not already settled.
	FinalizeBatch(ctx context.Context, params FinalizeBatchParams) (bool, error)

	Stats(ctx context.Context, operation model.Operation) (*model.JobStats, error)
}

// UpdateChunkParams groups parameters for JobRepository.UpdateChunk.
type UpdateChunkParams struct {
	ChunkID        string
	Status         model.ChunkStatus
	ProcessedCount int
	ErrorDetail    *string
}

// FinalizeBatchParams groups parameters for JobRepository.FinalizeBatch.
type FinalizeBatchParams struct {
	JobID       string
	Status      model.JobStatus
	Progress    int
	ErrorDetail *string
}

// JobStatusReader is the narrow read port the client-side poller needs.
type JobStatusReader interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error)
}

// ArtifactStore stages and redeems time-limited references to completed job
// artifacts.
type ArtifactStore interface {
	// Stage stores a redeemable reference for the job with the given
	// validity window.
	Stage(ctx context.Context, ref model.ResourceRef, ttl time.Duration) error
	// Get returns the staged reference, or a NotFound error when none is
	// stored (never staged, or lapsed).
	Get(ctx context.Context, jobID string) (*model.ResourceRef, error)
	// Delete drops a staged reference.
	Delete(ctx context.Context, jobID string) error
}

// QueuePublisher publishes job ids for out-of-band execution.
type QueuePublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// IdentityProvider resolves a bearer token to a caller identity. The
// orchestration core never inspects credentials itself.
type IdentityProvider interface {
	Resolve(ctx context.Context, token string) (model.Identity, error)
}

// ReapOldJobsParams groups parameters for ReaperRepository.ReapOldJobs.
type ReapOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// RequeueExpiredLeases returns processing jobs whose lease lapsed to
	// pending so another worker can claim them. Returns the number requeued.
	RequeueExpiredLeases(ctx context.Context) (int64, error)

	// ReapOldJobs deletes jobs with the given terminal status older than
	// MaxAge, up to BatchSize rows per call to prevent long locks. Returns
	// the number of jobs deleted.
	ReapOldJobs(ctx context.Context, params ReapOldJobsParams) (int64, error)
}
