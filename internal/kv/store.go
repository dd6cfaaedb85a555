package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Store is the shared key-value contract the delivery pipeline runs on.
//
// Every counter mutation goes through IncrWithExpiry or IncrBy so that
// several processes sharing one store never lose updates.
type Store interface {
	// IncrWithExpiry increments key by one and returns the new value.
	// ttl is applied only when the increment created the key.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy adds delta to key (creating it at zero) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZUpdate sets the score of an existing member and reports whether it
	// was present. An absent member is not added.
	ZUpdate(ctx context.Context, key string, score float64, member string) (bool, error)
	// ZRangeByScore returns members with score <= max, lowest score first.
	// limit <= 0 returns every match.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)
	// ZRem reports whether member was present and removed.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Pruner is implemented by drivers whose expiry is lazy and needs a sweep.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Config configures the store.
//
// Driver values:
//   - "memory": process-local maps (tests, single instance)
//   - "redis": shared Redis server addressed by URL
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	URL         string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DialTimeout time.Duration // redis only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		log.Warn("using in-memory store; queue contents are lost on restart")
		return NewMemory(), nil
	case "redis":
		return openRedis(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
