package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenLimiter is a process-local token bucket refilling MaxRequests tokens
// per window with a burst of MaxRequests. It never admits more than
// MaxRequests in any window-sized span, but it does not coordinate across
// processes; run it only with a single processor instance.
type TokenLimiter struct {
	lim *rate.Limiter
	cfg Config
	opt options
	counters
}

func NewToken(cfg Config, opts ...Option) *TokenLimiter {
	cfg = cfg.withDefaults()
	cfg.Algorithm = AlgorithmToken
	every := rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds())
	return &TokenLimiter{
		lim: rate.NewLimiter(every, cfg.MaxRequests),
		cfg: cfg,
		opt: buildOptions(opts),
	}
}

func (l *TokenLimiter) TryAdmit(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok := l.lim.AllowN(l.opt.now(), 1)
	l.record(l.opt.metrics, ok)
	return ok, nil
}

func (l *TokenLimiter) Window() time.Duration { return l.cfg.Window }

func (l *TokenLimiter) Stats() Stats {
	return Stats{
		Algorithm:   AlgorithmToken,
		MaxRequests: l.cfg.MaxRequests,
		Window:      l.cfg.Window,
		Admitted:    l.admitted.Load(),
		Denied:      l.denied.Load(),
	}
}
