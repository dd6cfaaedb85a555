package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"courier/internal/kv"
	"courier/pkg/logx"
)

// WindowLimiter approximates a sliding window with fixed buckets in the
// shared store, so every process sharing the store shares one ceiling.
//
// Each call increments the counter of bucket floor(now/window). The key is
// created with a TTL of two windows. Denied calls are not refunded.
//
// Because buckets are fixed, up to 2*MaxRequests calls can be admitted in
// any span of one window that straddles a bucket boundary (MaxRequests at the
// end of one bucket, MaxRequests at the start of the next). Use the token
// algorithm when that burst is not acceptable.
type WindowLimiter struct {
	store kv.Store
	cfg   Config
	opt   options
	counters
}

func NewWindow(cfg Config, store kv.Store, opts ...Option) *WindowLimiter {
	cfg = cfg.withDefaults()
	cfg.Algorithm = AlgorithmWindow
	return &WindowLimiter{store: store, cfg: cfg, opt: buildOptions(opts)}
}

func (l *WindowLimiter) bucketKey(now time.Time) string {
	bucket := now.UnixMilli() / l.cfg.Window.Milliseconds()
	return l.cfg.KeyPrefix + ":rl:" + strconv.FormatInt(bucket, 10)
}

func (l *WindowLimiter) TryAdmit(ctx context.Context) (bool, error) {
	key := l.bucketKey(l.opt.now())
	n, err := l.store.IncrWithExpiry(ctx, key, 2*l.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	ok := n <= int64(l.cfg.MaxRequests)
	l.record(l.opt.metrics, ok)
	if !ok && n == int64(l.cfg.MaxRequests)+1 {
		l.opt.log.Debug("rate window exhausted", logx.String("key", key), logx.Int("max", l.cfg.MaxRequests))
	}
	return ok, nil
}

func (l *WindowLimiter) Window() time.Duration { return l.cfg.Window }

func (l *WindowLimiter) Stats() Stats {
	return Stats{
		Algorithm:   AlgorithmWindow,
		MaxRequests: l.cfg.MaxRequests,
		Window:      l.cfg.Window,
		Admitted:    l.admitted.Load(),
		Denied:      l.denied.Load(),
	}
}
