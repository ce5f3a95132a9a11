// Package mocks provides mock implementations for testing the jobflow orchestration system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the
// core ports. The mocks are generated using go:generate directives and provide a
// fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().CreateOrGet(gomock.Any(), gomock.Any()).Return(job, true, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/peopleops/jobflow/internal/core JobRepository

// Generate mock for ReaperRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/peopleops/jobflow/internal/core ReaperRepository

// Generate mock for ArtifactStore interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=artifact_store_mock.go github.com/peopleops/jobflow/internal/core ArtifactStore

// Generate mock for QueuePublisher interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=queue_publisher_mock.go github.com/peopleops/jobflow/internal/core QueuePublisher

// Generate mock for IdentityProvider interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=identity_provider_mock.go github.com/peopleops/jobflow/internal/core IdentityProvider
