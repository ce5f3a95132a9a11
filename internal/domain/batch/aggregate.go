// Package batch classifies a set of chunk statuses into one aggregate batch
// status. The classifier is pure; write-back of a terminal aggregate is the
// tracker's job.
package batch

import (
	"math"

	"github.com/peopleops/jobflow/internal/domain/model"
)

// Aggregate is the rolled-up view of a batch's chunks.
//
// Policy: a batch with any failed chunk is FAILED once every chunk has
// resolved, and FailedChunkIDs carries the failures so callers can resubmit
// only those slices. Cancelled chunks count as failures for this purpose;
// their work did not happen.
type Aggregate struct {
	Status         model.JobStatus
	Progress       int
	FailedChunkIDs []string
	Completed      int
	Failed         int
	Total          int
}

// Terminal reports whether the aggregate has settled.
func (a Aggregate) Terminal() bool {
	return a.Status.Terminal()
}

// Classify computes the aggregate for the given chunks.
//
// A batch with zero chunks is PENDING: fan-out has not happened yet, and an
// empty set must never read as success. All chunks completed means COMPLETED
// at progress 100. All chunks resolved with at least one failure means
// FAILED. Anything else is PROCESSING with progress rounded from the
// completed fraction.
func Classify(chunks []model.Chunk) Aggregate {
	agg := Aggregate{Status: model.StatusPending, Total: len(chunks)}
	if agg.Total == 0 {
		return agg
	}

	resolved := 0
	for _, c := range chunks {
		switch c.Status {
		case model.ChunkCompleted:
			agg.Completed++
			resolved++
		case model.ChunkFailed, model.ChunkCancelled:
			agg.Failed++
			agg.FailedChunkIDs = append(agg.FailedChunkIDs, c.ID)
			resolved++
		}
	}

	agg.Progress = int(math.Round(100 * float64(agg.Completed) / float64(agg.Total)))

	switch {
	case agg.Completed == agg.Total:
		agg.Status = model.StatusCompleted
	case resolved == agg.Total:
		agg.Status = model.StatusFailed
	default:
		agg.Status = model.StatusProcessing
	}
	return agg
}

// ReconcileParent folds a server-terminal parent status into an aggregate
// whose chunk view has not settled on its own. A parent can settle ahead of
// its chunks: failing past the retry budget leaves unresolved chunk rows
// behind, and the parent's verdict wins. Unresolved chunks under a failed or
// cancelled parent count as failures so callers still get the ids they can
// resubmit.
func ReconcileParent(agg Aggregate, parent model.JobStatus, chunks []model.Chunk) Aggregate {
	if agg.Terminal() || !parent.Terminal() {
		return agg
	}

	agg.Status = parent
	if parent == model.StatusCompleted {
		agg.Progress = 100
		return agg
	}
	for _, c := range chunks {
		if c.Status.Resolved() {
			continue
		}
		agg.Failed++
		agg.FailedChunkIDs = append(agg.FailedChunkIDs, c.ID)
	}
	return agg
}
