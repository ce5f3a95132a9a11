package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/data/pgxutil"
	"github.com/peopleops/jobflow/internal/domain/model"
)

const defaultRetryDelaySeconds = 30

// jobAddedChannel is the pg_notify channel signalling a new pending job.
const jobAddedChannel = "jobflow_job_added"

func (r *JobRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

// SQL used by ReserveNext to atomically claim the next pending job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'pending' AND scheduled_at <= $1
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.operation, j.status, j.tenant, j.actor_id, j.idempotency_key, j.payload, j.progress, j.chunk_count, j.result_ref, j.error_detail, j.cancel_requested, j.retry_count, j.max_retries, j.scheduled_at, j.started_at, j.completed_at, j.lease_expires_at, j.created_at, j.updated_at`

// CreateOrGet atomically creates the job or returns the existing row for the
// same (tenant, operation, idempotency_key). Both racing submitters observe
// the same job id; exactly one observes created=true.
func (r *JobRepo) CreateOrGet(
	ctx context.Context,
	params core.CreateJobParams,
) (*model.Job, bool, error) {
	if params.IdempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	if !params.Operation.Valid() {
		return nil, false, fmt.Errorf("invalid operation: %s", params.Operation)
	}

	var (
		job     *model.Job
		created bool
	)
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var err error
			job, created, err = r.createOrGetInTx(ctx, tx, params)
			return err
		},
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return job, created, nil
}

func (r *JobRepo) createOrGetInTx(
	ctx context.Context,
	tx pgx.Tx,
	params core.CreateJobParams,
) (*model.Job, bool, error) {
	now := r.timeProvider.Now().UTC()
	payload := params.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	rows, err := tx.Query(ctx, `
      INSERT INTO jobs(id, operation, status, tenant, actor_id, idempotency_key, payload, chunk_count, max_retries, scheduled_at)
      VALUES ($1,$2,'pending',$3,$4,$5,$6,$7,$8,$9)
      ON CONFLICT (tenant, operation, idempotency_key) DO NOTHING
      RETURNING `+jobColumns,
		uuid.NewString(),
		params.Operation,
		params.Tenant,
		params.ActorID,
		params.IdempotencyKey,
		payload,
		params.ChunkCount,
		params.MaxRetries,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()

	if collectErr == nil {
		if chunkErr := r.insertChunksInTx(ctx, tx, job); chunkErr != nil {
			return nil, false, chunkErr
		}
		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, job.ID); execErr != nil {
			return nil, false, fmt.Errorf("send job notification: %w", execErr)
		}
		return job, true, nil
	}
	if !errors.Is(collectErr, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("collect job: %w", collectErr)
	}

	// Conflict path: another submission holds this key. Return its row.
	existing, getErr := tx.Query(ctx, `
      SELECT `+jobColumns+`
      FROM jobs
      WHERE tenant = $1 AND operation = $2 AND idempotency_key = $3`,
		params.Tenant, params.Operation, params.IdempotencyKey,
	)
	if getErr != nil {
		return nil, false, fmt.Errorf("fetch existing job: %w", getErr)
	}
	job, collectErr = collectJobFromRows(existing)
	existing.Close()
	if collectErr != nil {
		return nil, false, fmt.Errorf("collect existing job: %w", collectErr)
	}
	return job, false, nil
}

// insertChunksInTx pre-creates the chunk rows declared by a batch job.
func (r *JobRepo) insertChunksInTx(ctx context.Context, tx pgx.Tx, job *model.Job) error {
	if job.ChunkCount <= 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for seq := 0; seq < job.ChunkCount; seq++ {
		batch.Queue(`
          INSERT INTO job_chunks(id, job_id, seq, status, processed_count, total_count, updated_at)
          VALUES ($1,$2,$3,'pending',0,0,$4)`,
			uuid.NewString(), job.ID, seq, r.timeProvider.Now().UTC())
	}
	br := tx.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		job, qerr = collectJobFromRows(rows)
		return qerr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ReserveNext reserves the next pending job for processing. Expired leases are
// requeued first so crashed workers do not strand jobs.
func (r *JobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if _, err := r.RequeueExpiredLeases(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now().UTC()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL,
				currentTime, currentTime, leaseExpiresAt, currentTime)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// WaitForNotification blocks until a new-job notification arrives or the
// context ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	quoted := pgx.Identifier{jobAddedChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobAddedChannel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// Heartbeat refreshes the lease on a processing job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SetProgress updates progress on a processing job. GREATEST keeps progress
// monotonic even when chunk updates land out of order.
func (r *JobRepo) SetProgress(ctx context.Context, jobID string, progress int) (bool, error) {
	if progress < 0 || progress > 100 {
		return false, fmt.Errorf("progress out of range: %d", progress)
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, jobID, progress, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("set progress: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set progress rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a processing job as completed. The status guard in the WHERE
// clause keeps terminal states sticky: a completed, failed or cancelled job is
// never flipped back.
func (r *JobRepo) Complete(ctx context.Context, jobID string, resultRef *string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    progress = 100,
		    result_ref = $2,
		    completed_at = $3,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    error_detail = NULL
		WHERE id = $1 AND status = 'processing'
	`, jobID, resultRef, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a failure on a processing job. Below the retry budget the job
// returns to pending with a retry delay; past it the job settles as failed.
func (r *JobRepo) Fail(ctx context.Context, jobID, errMsg string) (bool, error) {
	retryDelay := r.retryDelay()
	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(time.Duration(retryDelay) * time.Second)

	query := `
      UPDATE jobs
      SET
        error_detail = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 > max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN retry_count + 1 > max_retries THEN scheduled_at
                            ELSE $4::timestamptz END,
        updated_at = $5
      WHERE id = $1 AND status = 'processing'
      RETURNING status
    `

	var status string
	if err := r.DB.QueryRowContext(ctx, query,
		jobID, errMsg, currentTime.UTC(), retryScheduledAt.UTC(), currentTime.UTC(),
	).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}

	if r.logger != nil && status == string(model.StatusFailed) {
		r.logger.WarnContext(ctx, "job failed past retry budget", "job_id", jobID, "error", errMsg)
	}
	return true, nil
}

// Cancel requests cancellation. A pending job settles as cancelled in one
// statement; a processing job only gets cancel_requested set, and the worker
// finalizes the cancellation at its next checkpoint. Terminal jobs are left
// untouched.
func (r *JobRepo) Cancel(ctx context.Context, jobID string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET
		  cancel_requested = TRUE,
		  status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		  completed_at = CASE WHEN status = 'pending' THEN $2::timestamptz ELSE completed_at END,
		  lease_expires_at = CASE WHEN status = 'pending' THEN NULL ELSE lease_expires_at END,
		  updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID, currentTime)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ReleaseKey archives the idempotency key of a failed job under a derived
// name so a fresh submission can reuse the original key. The job itself stays
// failed; only the key moves.
func (r *JobRepo) ReleaseKey(ctx context.Context, jobID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET idempotency_key = idempotency_key || ':superseded:' || id,
		    updated_at = $2
		WHERE id = $1 AND status = 'failed'
		  AND idempotency_key NOT LIKE '%:superseded:%'
	`, jobID, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("release key: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release key rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Stats returns counts of jobs per status for the given operation.
func (r *JobRepo) Stats(ctx context.Context, operation model.Operation) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')    AS pending,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM jobs
  WHERE operation = $1
  `, operation).Scan(
		&s.Pending,
		&s.Processing,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload                                []byte
	resultRef, errorDetail                 sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner rowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Operation,
		&job.Status,
		&job.Tenant,
		&job.ActorID,
		&job.IdempotencyKey,
		&d.payload,
		&job.Progress,
		&job.ChunkCount,
		&d.resultRef,
		&d.errorDetail,
		&job.CancelRequested,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.ResultRef = cloneNullableString(d.resultRef)
	job.ErrorDetail = cloneNullableString(d.errorDetail)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanJobFromRow(scanner rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
