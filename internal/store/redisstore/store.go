package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the redis client for the short-lived state the platform
// keeps outside MySQL, currently the per-job shared context blobs.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func contextKey(jobID string) string {
	return fmt.Sprintf("insight:ctx:%s", jobID)
}

func (s *Store) SetContext(ctx context.Context, jobID, blob string, ttl time.Duration) error {
	return s.rdb.Set(ctx, contextKey(jobID), blob, ttl).Err()
}

// GetContext returns ("", nil) on a cache miss.
func (s *Store) GetContext(ctx context.Context, jobID string) (string, error) {
	v, err := s.rdb.Get(ctx, contextKey(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
