// Package data provides the Postgres and Redis repositories behind the core
// interfaces.
package data

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// Both sentinels wrap pgx.ErrNoRows so errors.MapDBError surfaces them as
// not_found at the API boundary.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = fmt.Errorf("job not found: %w", pgx.ErrNoRows)
	// ErrChunkNotFound is returned when a chunk is not found.
	ErrChunkNotFound = fmt.Errorf("chunk not found: %w", pgx.ErrNoRows)
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// RetryDelaySeconds is the delay before a failed job is retried.
	RetryDelaySeconds int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo provides database operations for job orchestration.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	var logger *slog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With("component", "job_repo")
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger,
	}
}

const jobColumns = `
  id,
  operation,
  status,
  tenant,
  actor_id,
  idempotency_key,
  payload,
  progress,
  chunk_count,
  result_ref,
  error_detail,
  cancel_requested,
  retry_count,
  max_retries,
  scheduled_at,
  started_at,
  completed_at,
  lease_expires_at,
  created_at,
  updated_at
`

const chunkColumns = `
  id,
  job_id,
  seq,
  status,
  processed_count,
  total_count,
  error_detail,
  updated_at
`
