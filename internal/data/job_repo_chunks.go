package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
)

// ListChunks returns the chunks of a batch job in sequence order. A job with
// no chunk rows yields an empty slice, not an error.
func (r *JobRepo) ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+chunkColumns+`
		FROM job_chunks
		WHERE job_id = $1
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	chunks := []model.Chunk{}
	for rows.Next() {
		var (
			c           model.Chunk
			errorDetail sql.NullString
		)
		if scanErr := rows.Scan(
			&c.ID,
			&c.JobID,
			&c.Seq,
			&c.Status,
			&c.ProcessedCount,
			&c.TotalCount,
			&errorDetail,
			&c.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan chunk: %w", scanErr)
		}
		c.ErrorDetail = cloneNullableString(errorDetail)
		chunks = append(chunks, c)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("list chunks: %w", rowsErr)
	}
	return chunks, nil
}

// UpdateChunk writes one chunk's status and counters. Chunks that already
// resolved are sticky: the WHERE guard refuses further transitions and the
// call reports false.
func (r *JobRepo) UpdateChunk(ctx context.Context, params core.UpdateChunkParams) (bool, error) {
	if !params.Status.Valid() {
		return false, fmt.Errorf("invalid chunk status: %s", params.Status)
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_chunks
		SET status = $2,
		    processed_count = GREATEST(processed_count, $3),
		    error_detail = $4,
		    updated_at = $5
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, params.ChunkID, params.Status, params.ProcessedCount, params.ErrorDetail,
		r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update chunk: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update chunk rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing chunk from a sticky one.
		var exists bool
		if checkErr := r.DB.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM job_chunks WHERE id = $1)`, params.ChunkID,
		).Scan(&exists); checkErr != nil {
			return false, fmt.Errorf("check chunk: %w", checkErr)
		}
		if !exists {
			return false, ErrChunkNotFound
		}
		return false, nil
	}
	return true, nil
}

// FinalizeBatch settles a batch parent at its terminal aggregate status. The
// guard keeps already-settled parents untouched, so concurrent finalizers and
// late chunk updates cannot flip a terminal batch.
func (r *JobRepo) FinalizeBatch(ctx context.Context, params core.FinalizeBatchParams) (bool, error) {
	if !params.Status.Terminal() {
		return false, errors.New("finalize requires a terminal status")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    progress = GREATEST(progress, $3),
		    error_detail = $4,
		    completed_at = $5,
		    updated_at = $5,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, params.JobID, params.Status, params.Progress, params.ErrorDetail, currentTime)
	if err != nil {
		return false, fmt.Errorf("finalize batch: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
