package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
)

// artifactKeyPrefix namespaces artifact references in Redis.
const artifactKeyPrefix = "artifact:"

// RedisArtifactStore implements the ArtifactStore interface using Redis.
// References live under their TTL only; Redis expiry is the source of truth
// for reference validity.
type RedisArtifactStore struct {
	client redis.UniversalClient
}

// NewRedisArtifactStore creates a new RedisArtifactStore with the given Redis client.
func NewRedisArtifactStore(client redis.UniversalClient) *RedisArtifactStore {
	return &RedisArtifactStore{client: client}
}

func artifactKey(jobID string) string {
	return artifactKeyPrefix + jobID
}

// Stage stores a redeemable reference for the job with the given validity
// window. Restaging overwrites any previous reference.
func (s *RedisArtifactStore) Stage(ctx context.Context, ref model.ResourceRef, ttl time.Duration) error {
	if ref.JobID == "" {
		return errors.New("job id cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	value, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal resource ref: %w", err)
	}
	if err := s.client.Set(ctx, artifactKey(ref.JobID), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the staged reference for a job. A missing key, whether never
// staged or lapsed, maps to a NotFound error; the resolver decides which of
// NotReady or Expired that means.
func (s *RedisArtifactStore) Get(ctx context.Context, jobID string) (*model.ResourceRef, error) {
	if jobID == "" {
		return nil, errors.New("job id cannot be empty")
	}

	result, err := s.client.Get(ctx, artifactKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFoundf("no staged reference for job %s", jobID)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var ref model.ResourceRef
	if err := json.Unmarshal([]byte(result), &ref); err != nil {
		return nil, fmt.Errorf("unmarshal resource ref: %w", err)
	}
	return &ref, nil
}

// Delete drops a staged reference. Deleting an absent reference is not an error.
func (s *RedisArtifactStore) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := s.client.Del(ctx, artifactKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Health checks the health of the Redis connection.
func (s *RedisArtifactStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NewRedisClient creates a new Redis client with the given configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
