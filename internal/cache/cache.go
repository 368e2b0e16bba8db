package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/redis/go-redis/v9"
)

// JobTTL is how long a mirrored job snapshot stays readable after its last update.
const JobTTL = 30 * time.Minute

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	// SetJob mirrors a batch job snapshot for cheap status polling.
	SetJob(ctx context.Context, job *models.BatchJob, ttl time.Duration) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.BatchJob, bool, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJob(ctx context.Context, job *models.BatchJob, ttl time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	return c.client.Set(ctx, JobStatusKey(job.ID), payload, ttl).Err()
}

func (c *RedisCache) GetJob(ctx context.Context, jobID uuid.UUID) (*models.BatchJob, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var job models.BatchJob
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &job, true, nil
}

func (c *RedisCache) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
