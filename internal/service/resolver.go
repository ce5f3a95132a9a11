package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

const defaultArtifactTTL = 15 * time.Minute

// ResolverOptions groups dependencies for Resolver.
type ResolverOptions struct {
	Jobs      core.JobStatusReader // Required: job read port
	Artifacts core.ArtifactStore   // Required: staged reference store
	// BaseURL is the artifact download endpoint references point at.
	BaseURL string
	// TTL bounds reference validity; default 15m.
	TTL    time.Duration
	Logger *slog.Logger // Optional: structured logger
}

// Resolver exchanges a completed job for a time-limited artifact reference.
// A job that has not completed, or completed without an artifact staged,
// yields NotReady; callers compose with the poller and try again. A lapsed
// reference yields Expired on redemption, and re-resolving stages a fresh one.
type Resolver struct {
	jobs      core.JobStatusReader
	artifacts core.ArtifactStore
	baseURL   string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewResolver constructs a new Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job reader is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultArtifactTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "resolver")
	}

	return &Resolver{
		jobs:      opts.Jobs,
		artifacts: opts.Artifacts,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		ttl:       ttl,
		logger:    logger,
	}, nil
}

// MustNewResolver constructs a new Resolver and panics on error.
func MustNewResolver(opts ResolverOptions) *Resolver {
	r, err := NewResolver(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create Resolver: %v", err))
	}
	return r
}

// Resolve exchanges the job's result reference for a redeemable artifact
// reference. Each call restages, so a caller holding an expired reference
// resolves again and gets a fresh validity window.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*model.ResourceRef, error) {
	if jobID == "" {
		return nil, apperrors.Validation("job id is required")
	}

	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}

	if job.Status != model.StatusCompleted {
		return nil, apperrors.NotReadyf("job %s is %s, result not available", jobID, job.Status)
	}
	if job.ResultRef == nil || *job.ResultRef == "" {
		// Completed but the artifact is still being staged out of band.
		return nil, apperrors.NotReadyf("job %s has no staged artifact yet", jobID)
	}

	ref := model.ResourceRef{
		JobID:       jobID,
		ResourceURL: r.resourceURL(*job.ResultRef),
		ExpiresAt:   time.Now().Add(r.ttl).UTC(),
	}
	if err := r.artifacts.Stage(ctx, ref, r.ttl); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "stage artifact reference")
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "artifact reference staged",
			"job_id", jobID,
			"expires_at", ref.ExpiresAt,
		)
	}
	return &ref, nil
}

// Redeem validates a previously issued reference. A reference that lapsed or
// was never staged yields Expired; the caller should resolve again.
func (r *Resolver) Redeem(ctx context.Context, jobID, resourceURL string) (*model.ResourceRef, error) {
	if jobID == "" {
		return nil, apperrors.Validation("job id is required")
	}

	ref, err := r.artifacts.Get(ctx, jobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Expiredf("reference for job %s has expired, resolve again", jobID)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "read artifact reference")
	}
	if resourceURL != "" && ref.ResourceURL != resourceURL {
		// A superseded reference is as dead as a lapsed one.
		return nil, apperrors.Expiredf("reference for job %s was superseded, resolve again", jobID)
	}
	return ref, nil
}

// Revoke drops any staged reference for the job. Used by the reaper when a
// job is retired.
func (r *Resolver) Revoke(ctx context.Context, jobID string) error {
	if err := r.artifacts.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("revoke reference for job %s: %w", jobID, err)
	}
	return nil
}

func (r *Resolver) resourceURL(resultRef string) string {
	if r.baseURL == "" {
		return resultRef
	}
	return r.baseURL + "/" + url.PathEscape(resultRef)
}
