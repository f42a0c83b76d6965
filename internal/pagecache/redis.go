package pagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FranksOps/prospect/internal/storage"
)

const redisPrefix = "prospect:page:"

// Redis is a Cache shared between processes.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisFromClient(client, ttl), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

type redisPage struct {
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type"`
	HTTPStatus  int       `json:"http_status"`
	Body        []byte    `json:"body"`
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, url string) (*storage.RawPage, error) {
	raw, err := r.client.Get(ctx, keyFor(redisPrefix, url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var p redisPage
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cached page: %w", err)
	}
	return &storage.RawPage{
		URL:         p.URL,
		FetchedAt:   p.FetchedAt,
		ContentHash: p.ContentHash,
		ContentType: p.ContentType,
		HTTPStatus:  p.HTTPStatus,
		Body:        p.Body,
	}, nil
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, page *storage.RawPage) error {
	raw, err := json.Marshal(redisPage{
		URL:         page.URL,
		FetchedAt:   page.FetchedAt,
		ContentHash: page.ContentHash,
		ContentType: page.ContentType,
		HTTPStatus:  page.HTTPStatus,
		Body:        page.Body,
	})
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	if err := r.client.SetEx(ctx, keyFor(redisPrefix, page.URL), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
