package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func pauseKey(campaignID string) string {
	return fmt.Sprintf("pause:%s", campaignID)
}

// SetPaused sets or clears the cooperative pause flag for a campaign run.
// The run loop checks it between batches; in-flight sends complete normally.
func (s *RedisStore) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	if paused {
		return s.client.Set(ctx, pauseKey(campaignID), "1", 0).Err()
	}
	return s.client.Del(ctx, pauseKey(campaignID)).Err()
}

// IsPaused reports whether a campaign run has been paused by an operator.
func (s *RedisStore) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.client.Exists(ctx, pauseKey(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking pause flag: %w", err)
	}
	return n > 0, nil
}
