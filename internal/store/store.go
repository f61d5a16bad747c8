// ABOUTME: Explicit Redis client handle shared by the queue, registry, and health probe
// ABOUTME: Owns connection lifecycle only; keyspace ownership lives with each component

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultURL is used when no store endpoint is configured.
const DefaultURL = "redis://localhost:6379"

// Config holds connection parameters for the shared store.
// The zero value plus a URL is a working configuration.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is the handle to the shared key-value/pub-sub backend. It embeds the
// Redis client so components issue primitives directly; Client itself adds no
// business logic. Construct one at process start with Open, pass it by
// reference, and Close it on shutdown.
type Client struct {
	*redis.Client

	url    string
	logger *slog.Logger
}

// Open parses the store URL and returns a connected handle. The underlying
// connection pool dials lazily; call Ping to verify reachability.
func Open(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	c := &Client{
		Client: redis.NewClient(opts),
		url:    cfg.URL,
		logger: logger.With("component", "store"),
	}
	c.logger.Debug("store client opened", "addr", opts.Addr)
	return c, nil
}

// URL returns the endpoint this client was opened against.
func (c *Client) URL() string {
	return c.url
}

// Check verifies the store is reachable.
func (c *Client) Check(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging store: %w", err)
	}
	return nil
}
