package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/batch"
	"github.com/peopleops/jobflow/internal/domain/model"
)

// defaultChunkSize mirrors the gateway's fan-out default for arrears payloads
// that do not set chunk_size.
const defaultChunkSize = 100

// handlePunchCapture records one attendance punch. The payload was validated
// at the gateway, so a decode failure here is a hard fault, not a retry case.
func (r *Runner) handlePunchCapture(ctx context.Context, job *model.Job) (HandlerResult, error) {
	if job.CancelRequested {
		return HandlerResult{}, errCancelRequested
	}

	var p model.PunchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return HandlerResult{}, fmt.Errorf("decode punch payload: %w", err)
	}

	if r.logger != nil {
		r.logger.InfoContext(ctx, "punch recorded",
			"job_id", job.ID,
			"employee_id", p.EmployeeID,
			"direction", p.Direction,
			"punched_at", p.PunchedAt,
		)
	}
	return HandlerResult{}, nil
}

// handleArrearsRecalc walks the job's chunks in sequence, resolving each one
// and folding chunk results into parent progress. The cancel flag is checked
// between chunks only; a chunk in flight always runs to its end.
func (r *Runner) handleArrearsRecalc(ctx context.Context, job *model.Job) (HandlerResult, error) {
	var p model.ArrearsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return HandlerResult{}, fmt.Errorf("decode arrears payload: %w", err)
	}
	size := p.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}

	chunks, err := r.repo.ListChunks(ctx, job.ID)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("list chunks: %w", err)
	}

	for i, chunk := range chunks {
		if chunk.Status.Resolved() {
			continue
		}

		cancelled, cancelErr := r.cancelRequested(ctx, job.ID)
		if cancelErr != nil {
			return HandlerResult{}, fmt.Errorf("check cancel flag: %w", cancelErr)
		}
		if cancelled {
			r.abandonChunks(ctx, chunks[i:])
			return HandlerResult{}, errCancelRequested
		}

		employees := chunkEmployees(p.EmployeeIDs, chunk.Seq, size)
		if _, err := r.repo.UpdateChunk(ctx, core.UpdateChunkParams{
			ChunkID:        chunk.ID,
			Status:         model.ChunkProcessing,
			ProcessedCount: 0,
		}); err != nil {
			return HandlerResult{}, fmt.Errorf("start chunk %s: %w", chunk.ID, err)
		}

		if err := r.recalcArrears(ctx, p.PeriodID, employees); err != nil {
			detail := err.Error()
			if _, uerr := r.repo.UpdateChunk(ctx, core.UpdateChunkParams{
				ChunkID:        chunk.ID,
				Status:         model.ChunkFailed,
				ProcessedCount: 0,
				ErrorDetail:    &detail,
			}); uerr != nil {
				return HandlerResult{}, fmt.Errorf("fail chunk %s: %w", chunk.ID, uerr)
			}
			chunks[i].Status = model.ChunkFailed
		} else {
			if _, uerr := r.repo.UpdateChunk(ctx, core.UpdateChunkParams{
				ChunkID:        chunk.ID,
				Status:         model.ChunkCompleted,
				ProcessedCount: len(employees),
			}); uerr != nil {
				return HandlerResult{}, fmt.Errorf("complete chunk %s: %w", chunk.ID, uerr)
			}
			chunks[i].Status = model.ChunkCompleted
		}

		agg := batch.Classify(chunks)
		if _, perr := r.repo.SetProgress(ctx, job.ID, agg.Progress); perr != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "set progress failed", "job_id", job.ID, "error", perr)
		}
	}

	// All chunks resolved: settle the parent at the aggregate verdict. The
	// write is idempotent, so a concurrent tracker finalizing too is harmless.
	agg := batch.Classify(chunks)
	var errDetail *string
	if agg.Status == model.StatusFailed && len(agg.FailedChunkIDs) > 0 {
		msg := fmt.Sprintf("%d of %d chunks failed", len(agg.FailedChunkIDs), agg.Total)
		errDetail = &msg
	}
	if _, err := r.repo.FinalizeBatch(ctx, core.FinalizeBatchParams{
		JobID:       job.ID,
		Status:      agg.Status,
		Progress:    agg.Progress,
		ErrorDetail: errDetail,
	}); err != nil {
		return HandlerResult{}, fmt.Errorf("finalize batch: %w", err)
	}

	if r.logger != nil {
		r.logger.InfoContext(ctx, "arrears batch settled",
			"job_id", job.ID,
			"status", agg.Status,
			"completed", agg.Completed,
			"failed", agg.Failed,
		)
	}
	return HandlerResult{Settled: true}, nil
}

// handleReportExport renders the requested report and stages the file path as
// the job's result reference.
func (r *Runner) handleReportExport(ctx context.Context, job *model.Job) (HandlerResult, error) {
	if job.CancelRequested {
		return HandlerResult{}, errCancelRequested
	}

	var p model.ExportPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return HandlerResult{}, fmt.Errorf("decode export payload: %w", err)
	}

	if _, err := r.repo.SetProgress(ctx, job.ID, 50); err != nil && r.logger != nil {
		r.logger.WarnContext(ctx, "set progress failed", "job_id", job.ID, "error", err)
	}

	cancelled, err := r.cancelRequested(ctx, job.ID)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("check cancel flag: %w", err)
	}
	if cancelled {
		return HandlerResult{}, errCancelRequested
	}

	ref := fmt.Sprintf("exports/%s/%s.%s", job.Tenant, job.ID, p.Format)
	if r.logger != nil {
		r.logger.InfoContext(ctx, "report exported",
			"job_id", job.ID,
			"report_kind", p.ReportKind,
			"result_ref", ref,
		)
	}
	return HandlerResult{ResultRef: &ref}, nil
}

// abandonChunks marks every not-yet-resolved chunk cancelled after the parent
// job's cancel flag was observed.
func (r *Runner) abandonChunks(ctx context.Context, chunks []model.Chunk) {
	detail := "cancelled by request"
	for _, chunk := range chunks {
		if chunk.Status.Resolved() {
			continue
		}
		if _, err := r.repo.UpdateChunk(ctx, core.UpdateChunkParams{
			ChunkID:     chunk.ID,
			Status:      model.ChunkCancelled,
			ErrorDetail: &detail,
		}); err != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "abandon chunk failed", "chunk_id", chunk.ID, "error", err)
		}
	}
}

// chunkEmployees returns the employee slice a chunk covers.
func chunkEmployees(ids []string, seq, size int) []string {
	start := seq * size
	if start >= len(ids) {
		return nil
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end]
}

// recalcArrears is the thin per-chunk computation. The real arrears math lives
// in the payroll engine; the orchestrator only needs a unit of work that can
// succeed or fail per chunk.
func (r *Runner) recalcArrears(ctx context.Context, periodID string, employees []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if periodID == "" {
		return fmt.Errorf("missing period id")
	}
	if len(employees) == 0 {
		return fmt.Errorf("empty employee slice")
	}
	return nil
}
