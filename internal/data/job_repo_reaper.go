package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/data/pgxutil"
)

// Advisory lock namespace for cleanup operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockReaperMajor   = 1000
	advisoryLockReaperRequeue = 1 // minor key for RequeueExpiredLeases
	advisoryLockReaperDelete  = 2 // minor key for ReapOldJobs
)

// RequeueExpiredLeases returns processing jobs whose lease lapsed to pending.
// Uses an advisory lock so concurrent workers do not race the sweep; a loser
// skips the pass and reports zero. Returns the number of jobs requeued.
func (r *JobRepo) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperRequeue).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending', lease_expires_at = NULL, updated_at = $1
				WHERE status = 'processing'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $1
			`, currentTime.UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ReapOldJobs deletes jobs with the given terminal status older than MaxAge.
// Processes up to BatchSize jobs per call to prevent long locks and I/O
// spikes. Chunk rows go with their parent via ON DELETE CASCADE.
// Returns the number of jobs deleted.
func (r *JobRepo) ReapOldJobs(ctx context.Context, params core.ReapOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("reap requires a terminal status, got %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge)
			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = $1
					  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
			`, params.Status, cutoffTime.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("reap old jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
