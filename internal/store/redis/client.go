// Package redis is the coordination store client. Every anchor state
// transition executes as a single atomic Lua script over the anchor's
// key group, so concurrent sessions across processes serialize on the
// store itself.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// redisNil aliases the driver's miss sentinel for the rest of the package.
var redisNil = goredis.Nil

// Config configures the coordination store connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Client wraps the shared Redis connection.
type Client struct {
	rdb *goredis.Client
}

// New creates a coordination store client and pings the server.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[statecache] connected to %s", cfg.Addr)
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing go-redis client. Used by tests.
func NewFromClient(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis returns the underlying client for health checks and pub/sub.
func (c *Client) Redis() *goredis.Client { return c.rdb }

// Tstamp reads the coordination store's monotonic clock and folds
// (seconds, micros) into one float64 timestamp.
func (c *Client) Tstamp(ctx context.Context) (float64, error) {
	t, err := c.rdb.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time: %w", err)
	}
	return float64(t.Unix()) + float64(t.Nanosecond()/1000)/1e6, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
