package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/peopleops/jobflow/config"
	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
	"github.com/peopleops/jobflow/internal/mocks"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        time.Minute,
		CompletedMaxAge: 24 * time.Hour,
		FailedMaxAge:    24 * time.Hour,
		CancelledMaxAge: 12 * time.Hour,
		BatchSize:       100,
	}
}

func TestReaper_RunCleanup_SweepsEveryTerminalStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockRepo := mocks.NewMockReaperRepository(ctrl)

	mockRepo.EXPECT().RequeueExpiredLeases(ctx).Return(int64(2), nil)

	for _, status := range []model.JobStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		mockRepo.EXPECT().
			ReapOldJobs(ctx, gomock.AssignableToTypeOf(core.ReapOldJobsParams{})).
			DoAndReturn(func(_ context.Context, params core.ReapOldJobsParams) (int64, error) {
				assert.Equal(t, status, params.Status)
				assert.Equal(t, 100, params.BatchSize)
				return 0, nil
			})
	}

	r := MustNewReaper(ReaperOptions{Repo: mockRepo, Config: testReaperConfig()})
	require.NoError(t, r.runCleanup(ctx))
}

func TestReaper_RunCleanup_DrainsBacklogInBatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockRepo := mocks.NewMockReaperRepository(ctrl)

	mockRepo.EXPECT().RequeueExpiredLeases(ctx).Return(int64(0), nil)

	// Completed backlog needs three sweeps before coming back empty.
	completedCounts := []int64{100, 40, 0}
	call := 0
	mockRepo.EXPECT().
		ReapOldJobs(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.ReapOldJobsParams) (int64, error) {
			if params.Status != model.StatusCompleted {
				return 0, nil
			}
			count := completedCounts[call]
			call++
			return count, nil
		}).
		Times(5)

	r := MustNewReaper(ReaperOptions{Repo: mockRepo, Config: testReaperConfig()})
	require.NoError(t, r.runCleanup(ctx))
	assert.Equal(t, 3, call)
}

func TestReaper_RunCleanup_CollectsStepErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockRepo := mocks.NewMockReaperRepository(ctrl)

	mockRepo.EXPECT().RequeueExpiredLeases(ctx).Return(int64(0), assert.AnError)
	// A failed step must not stop the remaining sweeps.
	mockRepo.EXPECT().ReapOldJobs(ctx, gomock.Any()).Return(int64(0), nil).Times(3)

	r := MustNewReaper(ReaperOptions{Repo: mockRepo, Config: testReaperConfig()})

	err := r.runCleanup(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestReaper_RunCleanup_SkipsZeroRetention(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockRepo := mocks.NewMockReaperRepository(ctrl)

	cfg := testReaperConfig()
	cfg.CancelledMaxAge = 0

	mockRepo.EXPECT().RequeueExpiredLeases(ctx).Return(int64(0), nil)
	mockRepo.EXPECT().
		ReapOldJobs(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.ReapOldJobsParams) (int64, error) {
			assert.NotEqual(t, model.StatusCancelled, params.Status)
			return 0, nil
		}).
		Times(2)

	r := MustNewReaper(ReaperOptions{Repo: mockRepo, Config: cfg})
	require.NoError(t, r.runCleanup(ctx))
}

func TestReaper_Run_StopsOnContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockReaperRepository(ctrl)
	mockRepo.EXPECT().RequeueExpiredLeases(gomock.Any()).Return(int64(0), nil).AnyTimes()
	mockRepo.EXPECT().ReapOldJobs(gomock.Any(), gomock.Any()).Return(int64(0), nil).AnyTimes()

	cfg := testReaperConfig()
	r := MustNewReaper(ReaperOptions{Repo: mockRepo, Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}

func TestNewReaper_RequiresRepo(t *testing.T) {
	_, err := NewReaper(ReaperOptions{})
	require.Error(t, err)
}
