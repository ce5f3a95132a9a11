package model

import "time"

// ChunkStatus represents the status of one chunk of a batch job. Chunks are
// server-owned only, so the client-local timeout status does not apply.
type ChunkStatus string

const (
	// ChunkPending indicates the chunk has not been picked up yet.
	ChunkPending ChunkStatus = "pending"
	// ChunkProcessing indicates a worker is executing the chunk.
	ChunkProcessing ChunkStatus = "processing"
	// ChunkCompleted indicates the chunk finished successfully.
	ChunkCompleted ChunkStatus = "completed"
	// ChunkFailed indicates the chunk failed.
	ChunkFailed ChunkStatus = "failed"
	// ChunkCancelled indicates the chunk was abandoned after a caller cancel.
	ChunkCancelled ChunkStatus = "cancelled"
)

// Valid returns true if the ChunkStatus is valid.
func (s ChunkStatus) Valid() bool {
	return s == ChunkPending || s == ChunkProcessing || s == ChunkCompleted ||
		s == ChunkFailed || s == ChunkCancelled
}

// Resolved reports whether the chunk has reached an end state.
func (s ChunkStatus) Resolved() bool {
	return s == ChunkCompleted || s == ChunkFailed || s == ChunkCancelled
}

// Chunk is one independently executed sub-unit of a batch job.
type Chunk struct {
	ID             string      `json:"chunk_id"        db:"id"`
	JobID          string      `json:"job_id"          db:"job_id"`
	Seq            int         `json:"seq"             db:"seq"`
	Status         ChunkStatus `json:"status"          db:"status"`
	ProcessedCount int         `json:"processed_count" db:"processed_count"`
	TotalCount     int         `json:"total_count"     db:"total_count"`
	ErrorDetail    *string     `json:"error_detail,omitempty" db:"error_detail"`
	UpdatedAt      time.Time   `json:"updated_at"      db:"updated_at"`
}

// BatchStatusView is the poll response for a batch: the raw chunk set.
// The aggregate is computed by the caller (see the batch package), keeping
// the server read path free of policy.
type BatchStatusView struct {
	BatchID string  `json:"batch_id"`
	Chunks  []Chunk `json:"chunks"`
}
