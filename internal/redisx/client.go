// Package redisx wraps the go-redis client with the key layout and atomic
// operations the authorization pipeline, whitelist store, session store, and
// M3U8 counter need. Grounded on the teacher's internal/redis/client.go
// (Client struct shape, NewClient pool-option wiring, Ping-on-construct,
// key-builder-function convention, ScanBatchSize bulk-delete pattern) with
// the OAuth2 key namespace replaced by the layout in SPEC_FULL.md §6.4.
package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/config"
)

// ScanBatchSize is the number of keys scanned per Redis SCAN iteration and
// the chunk size used for batched deletes.
const ScanBatchSize = 100

// ErrCacheMiss is returned when a key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Client wraps *redis.Client with structured logging.
type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// NewClient parses cfg.URL, applies pool/timeout settings, and pings the
// server once before returning, exactly as the teacher's NewClient does.
func NewClient(cfg *config.RedisConfig, logger *logrus.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password // pragma: allowlist secret
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConn
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)
	client := &Client{rdb: rdb, logger: logger}

	if err := client.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis successfully")
	return client, nil
}

// Raw exposes the underlying go-redis client for packages that need direct
// pipeline/transaction access (whitelist FIFO eviction, m3u8 counter).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.WithError(err).Error("failed to close redis connection")
		return err
	}
	c.logger.Info("redis connection closed")
	return nil
}

// Ping verifies connectivity; used directly by requests and by the /health
// handler.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Key-builder helpers. Layout matches SPEC_FULL.md §6.4 exactly.

func SessionKey(sid string) string { return fmt.Sprintf("session:%s", sid) }

func SessionIdxKey(uid, ip, ua, keyPath string) string {
	return fmt.Sprintf("session_idx:%s:%s:%s:%s", uid, ip, ua, keyPath)
}

func IPCidrAccessKey(ipPattern, uaHash string) string {
	return fmt.Sprintf("ip_cidr_access:%s:%s", ipPattern, uaHash)
}

func StaticFileAccessKey(ipPattern, uaHash string) string {
	return fmt.Sprintf("static_file_access:%s:%s", ipPattern, uaHash)
}

// IPCidrAccessScanPattern and StaticFileAccessScanPattern are SCAN globs over
// every stored ip_pattern for a given ua_hash, used by whitelist.ProbeByIP to
// test genuine CIDR containment against each candidate instead of an exact
// match on a single re-derived pattern.
func IPCidrAccessScanPattern(uaHash string) string {
	return fmt.Sprintf("ip_cidr_access:*:%s", uaHash)
}

func StaticFileAccessScanPattern(uaHash string) string {
	return fmt.Sprintf("static_file_access:*:%s", uaHash)
}

func UIDUAIPPairsKey(uid string) string { return fmt.Sprintf("uid_ua_ip_pairs:%s", uid) }

func UIDStaticUAIPPairsKey(uid string) string {
	return fmt.Sprintf("uid_static_ua_ip_pairs:%s", uid)
}

func M3U8AccessKey(uidOrIP, pathHash string) string {
	return fmt.Sprintf("m3u8_access:%s:%s", uidOrIP, pathHash)
}

const (
	AccessLogDeniedKey = "access_log:denied"
	AccessLogRecentKey = "access_log:recent"
	AccessLogReplayKey = "access_log:replay"
)

// DeleteInBatches deletes keys in chunks of ScanBatchSize, mirroring the
// teacher's batched-Del-after-SCAN pattern used for bulk cache clears.
func (c *Client) DeleteInBatches(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	for i := 0; i < len(keys); i += ScanBatchSize {
		end := i + ScanBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		n, err := c.rdb.Del(ctx, keys[i:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("batch delete failed: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// ScanKeys walks all keys matching pattern using SCAN (never KEYS, which
// blocks the server on a large keyspace).
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, nextCursor, err := c.rdb.Scan(ctx, cursor, pattern, ScanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
