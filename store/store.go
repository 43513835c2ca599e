// Package store wraps the shared Redis-compatible key-value store used by
// every coordination primitive in refhub: string get/set/del, and the hash
// (mapping) operations the reflist, registry and heartbeat map are built
// from. A package-level singleton client and thin per-operation methods,
// not a generic repository layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"refhub/config"
	"refhub/logger"
)

// ErrStoreUnavailable tags round-trip failures caused by the store being
// unreachable, as opposed to a domain error. Callers that can defer work
// (the LRU cache's flush path) match on it with errors.Is and retry later.
var ErrStoreUnavailable = errors.New("store: unavailable")

// wrapErr tags connectivity failures with ErrStoreUnavailable and passes
// everything else through untouched.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

// connParams identifies the parameters a connection was established with, so
// a second, differently-configured construction can be detected and warned
// about instead of silently opening a second pool.
type connParams struct {
	host string
	port int
	db   int
}

var (
	mu        sync.Mutex
	singleton *redis.Client
	params    connParams
)

// Client is a thin handle onto the process-wide Redis connection.
type Client struct {
	rdb *redis.Client
}

// Connect establishes (or reuses) the address-space-wide Redis connection.
// The first caller's parameters win: a later caller with different
// host/port/db gets a warning and the existing pool, never a second one.
// Accidentally multiplying pools hides bugs.
func Connect(cfg config.Redis) (*Client, error) {
	mu.Lock()
	defer mu.Unlock()

	want := connParams{host: cfg.Host, port: cfg.Port, db: cfg.DB}

	if singleton != nil {
		if want != params {
			logger.Warn("redis connection parameters differ from the already-established pool; reusing existing connection",
				"requested_host", cfg.Host, "requested_port", cfg.Port, "requested_db", cfg.DB,
				"active_host", params.host, "active_port", params.port, "active_db", params.db)
		}
		return &Client{rdb: singleton}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	singleton = rdb
	params = want
	return &Client{rdb: rdb}, nil
}

// Raw exposes the underlying *redis.Client for collaborators (the lock
// package's redsync pool connector) that need the real client type.
func (c *Client) Raw() *redis.Client { return c.rdb }

// WrapForTest builds a Client around an already-constructed *redis.Client,
// bypassing the package singleton. Collaborator packages' tests use this to
// point at an independent miniredis instance per test without fighting
// refhub/store's own singleton-reuse tests over shared package state.
func WrapForTest(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, wrapErr(err)
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	return wrapErr(c.rdb.Set(ctx, key, value, 0).Err())
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(c.rdb.Del(ctx, keys...).Err())
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, wrapErr(err)
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return wrapErr(c.rdb.HSet(ctx, key, field, value).Err())
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return val, true, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.rdb.HGetAll(ctx, key).Result()
	return val, wrapErr(err)
}

func (c *Client) HKeys(ctx context.Context, key string) ([]string, error) {
	val, err := c.rdb.HKeys(ctx, key).Result()
	return val, wrapErr(err)
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapErr(c.rdb.HDel(ctx, key, fields...).Err())
}

func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.HLen(ctx, key).Result()
	return n, wrapErr(err)
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	return n, wrapErr(err)
}

// LPushCapped pushes value to the front of the list at key and trims it to
// maxLen entries, keeping only the most recent ones.
func (c *Client) LPushCapped(ctx context.Context, key, value string, maxLen int64) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	val, err := c.rdb.LRange(ctx, key, start, stop).Result()
	return val, wrapErr(err)
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(c.rdb.Expire(ctx, key, ttl).Err())
}
