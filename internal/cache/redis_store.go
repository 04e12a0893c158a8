// Package cache provides the optional Redis warm cache for recent comment
// history, so a join does not have to hit Postgres on the hot path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"feedloop/api/internal/collab"
)

// RedisStore keeps the newest comments per session in a capped list,
// write-through on every successful comment commit.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
}

func NewRedisStore(redisURL string, limit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, limit), nil
}

func NewRedisStoreWithClient(client *redis.Client, limit int) *RedisStore {
	if limit <= 0 {
		limit = 50
	}
	return &RedisStore{
		client: client,
		prefix: "recent:",
		limit:  int64(limit),
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Push prepends the comment and trims the list to the configured bound.
func (s *RedisStore) Push(ctx context.Context, sessionID string, c collab.Comment) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push comment: %w", err)
	}
	return nil
}

// List returns up to limit cached comments in chronological order (oldest
// first), matching the store's read contract.
func (s *RedisStore) List(ctx context.Context, sessionID string, limit int) ([]collab.Comment, error) {
	if limit <= 0 || int64(limit) > s.limit {
		limit = int(s.limit)
	}
	values, err := s.client.LRange(ctx, s.key(sessionID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	comments := make([]collab.Comment, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var c collab.Comment
		if err := json.Unmarshal([]byte(values[i]), &c); err != nil {
			return nil, fmt.Errorf("unmarshal comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
