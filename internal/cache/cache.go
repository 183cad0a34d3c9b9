// Package cache stores endpoint results keyed by the hash of the input image.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a best-effort result store.
type Cache interface {
	// Get decodes the value stored under key into dst and reports whether
	// it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Close() error
}

// Key builds a cache key from the endpoint name, the decoded payload and
// optional variant parts such as the render mode.
func Key(endpoint string, data []byte, variant ...string) string {
	sum := md5.Sum(data)
	parts := append([]string{endpoint, hex.EncodeToString(sum[:])}, variant...)
	return strings.Join(parts, ":")
}

// Options configures the redis cache.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Redis implements Cache with go-redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates the client without connecting; use Ping to check it.
func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "lesionseg"
	}
	return &Redis{client: client, ttl: opts.TTL, prefix: prefix}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, r.prefix+":"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+":"+key, data, r.ttl).Err()
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop never stores anything. It stands in when caching is disabled.
type Noop struct{}

func (Noop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, any) error         { return nil }
func (Noop) Close() error                                   { return nil }
