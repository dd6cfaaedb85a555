package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/pkg/logx"
)

// incrExpireScript increments KEYS[1] and sets a millisecond TTL only when the
// increment created the key, in one server-side step.
var incrExpireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// zupdateScript re-scores ARGV[2] in KEYS[1] only if it is already a member.
var zupdateScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

type redisStore struct {
	rdb *redis.Client
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis store connected", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return NewRedis(rdb, log), nil
}

// NewRedis wraps an existing client. The store owns the client and closes it on Close.
func NewRedis(rdb *redis.Client, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, log: log}
}

func (s *redisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrExpireScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return b, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del: %w", err)
	}
	return n, nil
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) ZUpdate(ctx context.Context, key string, score float64, member string) (bool, error) {
	n, err := zupdateScript.Run(ctx, s.rdb, []string{key}, strconv.FormatFloat(score, 'f', -1, 64), member).Int64()
	if err != nil {
		return false, fmt.Errorf("zupdate %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *redisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !math.IsInf(max, 1) {
		by.Max = strconv.FormatFloat(max, 'f', -1, 64)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	out, err := s.rdb.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return out, nil
}

func (s *redisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
