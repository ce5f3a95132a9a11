package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peopleops/jobflow/internal/domain/model"
)

func chunk(id string, status model.ChunkStatus) model.Chunk {
	return model.Chunk{ID: id, Status: status}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []model.Chunk
		wantStatus    model.JobStatus
		wantProgress  int
		wantFailedIDs []string
	}{
		{
			name:         "zero chunks is pending, never success",
			chunks:       nil,
			wantStatus:   model.StatusPending,
			wantProgress: 0,
		},
		{
			name: "all pending",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkPending),
				chunk("c2", model.ChunkPending),
			},
			wantStatus:   model.StatusProcessing,
			wantProgress: 0,
		},
		{
			name: "partial completion",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkProcessing),
				chunk("c3", model.ChunkPending),
			},
			wantStatus:   model.StatusProcessing,
			wantProgress: 33,
		},
		{
			name: "all completed",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkCompleted),
			},
			wantStatus:   model.StatusCompleted,
			wantProgress: 100,
		},
		{
			name: "one failure pending resolution stays processing",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkFailed),
				chunk("c2", model.ChunkProcessing),
			},
			wantStatus:    model.StatusProcessing,
			wantProgress:  0,
			wantFailedIDs: []string{"c1"},
		},
		{
			name: "all resolved with a failure",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkFailed),
				chunk("c3", model.ChunkCompleted),
			},
			wantStatus:    model.StatusFailed,
			wantProgress:  67,
			wantFailedIDs: []string{"c2"},
		},
		{
			name: "cancelled chunk counts as failure",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkCancelled),
			},
			wantStatus:    model.StatusFailed,
			wantProgress:  50,
			wantFailedIDs: []string{"c2"},
		},
		{
			name: "progress rounds to nearest",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkCompleted),
				chunk("c3", model.ChunkPending),
				chunk("c4", model.ChunkPending),
				chunk("c5", model.ChunkPending),
				chunk("c6", model.ChunkPending),
			},
			wantStatus:   model.StatusProcessing,
			wantProgress: 33,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Classify(tt.chunks)
			assert.Equal(t, tt.wantStatus, agg.Status)
			assert.Equal(t, tt.wantProgress, agg.Progress)
			assert.Equal(t, tt.wantFailedIDs, agg.FailedChunkIDs)
			assert.Equal(t, len(tt.chunks), agg.Total)
		})
	}
}

func TestReconcileParent(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []model.Chunk
		parent        model.JobStatus
		wantStatus    model.JobStatus
		wantFailedIDs []string
	}{
		{
			name: "failed parent marks unresolved chunks failed",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
				chunk("c2", model.ChunkPending),
				chunk("c3", model.ChunkProcessing),
			},
			parent:        model.StatusFailed,
			wantStatus:    model.StatusFailed,
			wantFailedIDs: []string{"c2", "c3"},
		},
		{
			name: "cancelled parent marks unresolved chunks failed",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkPending),
			},
			parent:        model.StatusCancelled,
			wantStatus:    model.StatusCancelled,
			wantFailedIDs: []string{"c1"},
		},
		{
			name: "non-terminal parent leaves the aggregate alone",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkPending),
			},
			parent:     model.StatusProcessing,
			wantStatus: model.StatusProcessing,
		},
		{
			name: "settled aggregate wins over the parent",
			chunks: []model.Chunk{
				chunk("c1", model.ChunkCompleted),
			},
			parent:     model.StatusFailed,
			wantStatus: model.StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := ReconcileParent(Classify(tt.chunks), tt.parent, tt.chunks)
			assert.Equal(t, tt.wantStatus, agg.Status)
			assert.Equal(t, tt.wantFailedIDs, agg.FailedChunkIDs)
		})
	}
}

func TestAggregate_Terminal(t *testing.T) {
	assert.False(t, Classify(nil).Terminal())
	assert.True(t, Classify([]model.Chunk{chunk("c1", model.ChunkCompleted)}).Terminal())
	assert.True(t, Classify([]model.Chunk{chunk("c1", model.ChunkFailed)}).Terminal())
	assert.False(t, Classify([]model.Chunk{chunk("c1", model.ChunkProcessing)}).Terminal())
}
