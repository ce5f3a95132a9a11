// Package httpx provides the HTTP surface of the jobflow orchestration API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/peopleops/jobflow/internal/domain/model"
	"github.com/peopleops/jobflow/internal/service"
)

// JobHandlers provides HTTP handlers for job submission, polling, resource
// resolution and cancellation.
type JobHandlers struct {
	Gateway  *service.Gateway
	Tracker  *service.BatchTracker
	Resolver *service.Resolver
}

// Submit handles job submission. The response is the job handle; submitting
// an already-seen idempotency key returns the original job's handle with the
// same status code.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	identity, ok := GetIdentityFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusUnauthorized,
			ErrCode: "authentication_required",
			Err:     errors.New("caller identity is required"),
		})
		return
	}

	var req model.SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	handle, err := h.Gateway.Submit(r.Context(), identity, req)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, handle)
}

// Status returns the status projection of one job.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return
	}

	view, err := h.Gateway.GetStatus(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// batchStatusResponse is the chunk-level poll response: the classified
// aggregate plus the raw chunk set.
type batchStatusResponse struct {
	BatchID        string          `json:"batch_id"`
	Status         model.JobStatus `json:"status"`
	Progress       int             `json:"progress"`
	FailedChunkIDs []string        `json:"failed_chunk_ids,omitempty"`
	Chunks         []model.Chunk   `json:"chunks"`
}

// BatchStatus returns the chunk set of a batch job with its aggregate verdict.
func (h *JobHandlers) BatchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return
	}

	agg, chunks, err := h.Tracker.Classify(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, batchStatusResponse{
		BatchID:        jobID,
		Status:         agg.Status,
		Progress:       agg.Progress,
		FailedChunkIDs: agg.FailedChunkIDs,
		Chunks:         chunks,
	})
}

// Cancel requests cancellation of a job. Pending jobs settle immediately;
// processing jobs get the cancel flag and settle when the worker observes it.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return
	}

	if err := h.Gateway.Cancel(r.Context(), jobID); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Resolve exchanges a completed job for a time-limited resource reference.
func (h *JobHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return
	}

	ref, err := h.Resolver.Resolve(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ref)
}

// Redeem validates a previously resolved reference. The resource_url query
// parameter pins the reference the caller holds; a lapsed or superseded one
// yields 410 and the caller resolves again.
func (h *JobHandlers) Redeem(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job id is required"),
		})
		return
	}

	ref, err := h.Resolver.Redeem(r.Context(), jobID, r.URL.Query().Get("resource_url"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ref)
}

// Stats returns per-status job counts for one operation.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	operation := model.Operation(r.URL.Query().Get("operation"))

	stats, err := h.Gateway.Stats(r.Context(), operation)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
