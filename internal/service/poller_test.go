package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peopleops/jobflow/internal/domain/model"
)

// stubReader sequences job reads for poller tests. Each call to GetByID pops
// the next step; the last step repeats once the script runs out.
type stubReader struct {
	mu    sync.Mutex
	steps []stubStep
	calls int
}

type stubStep struct {
	job *model.Job
	err error
}

func (s *stubReader) GetByID(_ context.Context, _ string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[idx]
	return step.job, step.err
}

func (s *stubReader) ListChunks(_ context.Context, _ string) ([]model.Chunk, error) {
	return nil, nil
}

func newTestPoller(t *testing.T, reader *stubReader, maxAttempts int) *Poller {
	t.Helper()
	return MustNewPoller(PollerOptions{
		Reader:      reader,
		Interval:    5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	})
}

func collect(t *testing.T, updates <-chan Snapshot) []Snapshot {
	t.Helper()
	var snaps []Snapshot
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return snaps
			}
			snaps = append(snaps, snap)
		case <-deadline:
			t.Fatal("timed out draining snapshots")
		}
	}
}

func TestPoller_Track_StopsOnTerminalStatus(t *testing.T) {
	reader := &stubReader{steps: []stubStep{
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing, Progress: 40}},
		{job: &model.Job{ID: testJobID, Status: model.StatusCompleted, Progress: 100}},
	}}
	p := newTestPoller(t, reader, 10)

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	snaps := collect(t, updates)
	require.Len(t, snaps, 2)
	assert.Equal(t, model.StatusProcessing, snaps[0].Status)
	assert.Equal(t, 40, snaps[0].Progress)
	assert.Equal(t, model.StatusCompleted, snaps[1].Status)
	assert.Equal(t, 100, snaps[1].Progress)
	assert.True(t, snaps[1].Terminal())

	assert.False(t, p.Tracking(testJobID))
}

func TestPoller_Track_TimeoutAfterAttemptBudget(t *testing.T) {
	reader := &stubReader{steps: []stubStep{
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing, Progress: 10}},
	}}
	p := newTestPoller(t, reader, 3)

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	snaps := collect(t, updates)
	require.Len(t, snaps, 4)
	last := snaps[len(snaps)-1]
	assert.Equal(t, model.StatusTimeout, last.Status)
	assert.Equal(t, 10, last.Progress)
	assert.True(t, last.Terminal())
}

func TestPoller_Track_TransientErrorsConsumeBudget(t *testing.T) {
	reader := &stubReader{steps: []stubStep{{err: assert.AnError}}}
	p := newTestPoller(t, reader, 3)

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	snaps := collect(t, updates)
	// Every attempt errored, so the only snapshot is the local timeout.
	require.Len(t, snaps, 1)
	assert.Equal(t, model.StatusTimeout, snaps[0].Status)
	assert.Equal(t, 0, snaps[0].Progress)
}

func TestPoller_Track_ProgressNeverRegresses(t *testing.T) {
	reader := &stubReader{steps: []stubStep{
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing, Progress: 60}},
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing, Progress: 30}},
		{job: &model.Job{ID: testJobID, Status: model.StatusCompleted, Progress: 100}},
	}}
	p := newTestPoller(t, reader, 10)

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	snaps := collect(t, updates)
	require.Len(t, snaps, 3)
	assert.Equal(t, 60, snaps[0].Progress)
	// A stale read reporting 30 is clamped to the best value seen.
	assert.Equal(t, 60, snaps[1].Progress)
	assert.Equal(t, 100, snaps[2].Progress)
}

func TestPoller_Track_SecondTrackSameJobRejected(t *testing.T) {
	reader := &stubReader{steps: []stubStep{
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing}},
	}}
	p := newTestPoller(t, reader, 50)

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	_, err = p.Track(context.Background(), testJobID)
	assert.ErrorIs(t, err, ErrAlreadyTracking)

	p.StopAll()
	collect(t, updates)

	// Once the first loop is gone the id can be tracked again.
	updates, err = p.Track(context.Background(), testJobID)
	require.NoError(t, err)
	p.StopAll()
	collect(t, updates)
}

func TestPoller_Cancel_StopsLoopAndCallsServer(t *testing.T) {
	reader := &stubReader{steps: []stubStep{
		{job: &model.Job{ID: testJobID, Status: model.StatusProcessing}},
	}}

	var cancelled []string
	var mu sync.Mutex
	p := MustNewPoller(PollerOptions{
		Reader:      reader,
		Interval:    5 * time.Millisecond,
		MaxAttempts: 50,
		Canceller: cancellerFunc(func(_ context.Context, jobID string) error {
			mu.Lock()
			cancelled = append(cancelled, jobID)
			mu.Unlock()
			return nil
		}),
	})

	updates, err := p.Track(context.Background(), testJobID)
	require.NoError(t, err)

	require.NoError(t, p.Cancel(context.Background(), testJobID))
	collect(t, updates)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{testJobID}, cancelled)
	assert.False(t, p.Tracking(testJobID))
}

func TestPoller_Track_RequiresJobID(t *testing.T) {
	p := newTestPoller(t, &stubReader{steps: []stubStep{{err: assert.AnError}}}, 1)
	_, err := p.Track(context.Background(), "")
	require.Error(t, err)
}

type cancellerFunc func(ctx context.Context, jobID string) error

func (f cancellerFunc) Cancel(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}
