package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"copydesk/internal/config"
)

// ErrCacheMiss is what Get returns for an absent key.
var ErrCacheMiss = redis.Nil

var errNoClient = errors.New("redis: no client")

const (
	defaultHost = "127.0.0.1"
	defaultPort = 6379
	dialTimeout = 3 * time.Second
	// cache calls sit on the request path; a slow redis must not stall them
	opTimeout = 500 * time.Millisecond
)

// Client is the history cache's view of redis. A nil *Client is valid and
// fails every call with an error, so callers can treat redis as optional.
type Client struct {
	rdb *redis.Client
}

// Addr renders host:port for cfg, filling in local defaults.
func Addr(cfg config.RedisConfig) string {
	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = defaultHost
	}
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NewRedisClient connects to the configured server and verifies it answers.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         Addr(cfg),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", rdb.Options().Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) conn() (*redis.Client, error) {
	if c == nil || c.rdb == nil {
		return nil, errNoClient
	}
	return c.rdb, nil
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the raw value; ErrCacheMiss when the key is absent or expired.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}
	return rdb.Get(ctx, key).Bytes()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	return rdb.Del(ctx, keys...).Err()
}

// TTL reports the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}
	return rdb.TTL(ctx, key).Result()
}

func (c *Client) Close() error {
	rdb, err := c.conn()
	if err != nil {
		return nil
	}
	return rdb.Close()
}

// Raw is for tests and admin tasks that need commands the wrapper lacks.
func (c *Client) Raw() *redis.Client {
	rdb, _ := c.conn()
	return rdb
}
