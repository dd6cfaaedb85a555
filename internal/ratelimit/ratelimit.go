package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"courier/internal/kv"
	"courier/internal/metrics"
	"courier/pkg/logx"
)

const (
	AlgorithmWindow = "window"
	AlgorithmToken  = "token"

	DefaultMaxRequests = 80
	DefaultWindow      = time.Second

	// MinWindow is the smallest window; buckets are keyed in whole milliseconds.
	MinWindow = time.Millisecond
)

// Admitter decides whether one more provider call may be made right now.
// It never blocks; callers back off on false.
type Admitter interface {
	TryAdmit(ctx context.Context) (bool, error)
}

// Config controls admission. Zero values fall back to the defaults above.
type Config struct {
	Algorithm   string
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	} else if c.Window < MinWindow {
		c.Window = MinWindow
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "courier"
	}
	c.Algorithm = strings.ToLower(strings.TrimSpace(c.Algorithm))
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmWindow
	}
	return c
}

// Stats are process-local decision totals.
type Stats struct {
	Algorithm   string        `json:"algorithm"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Admitted    uint64        `json:"admitted"`
	Denied      uint64        `json:"denied"`
}

type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
	log     logx.Logger
}

// WithClock replaces time.Now for bucket selection.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// Limiter is an Admitter that also reports its configuration and totals.
type Limiter interface {
	Admitter
	Stats() Stats
	Window() time.Duration
}

// New returns the limiter selected by cfg.Algorithm.
func New(cfg Config, store kv.Store, opts ...Option) (Limiter, error) {
	if cfg.Window > 0 && cfg.Window < MinWindow {
		return nil, fmt.Errorf("ratelimit: window %s is below %s", cfg.Window, MinWindow)
	}
	cfg = cfg.withDefaults()
	switch cfg.Algorithm {
	case AlgorithmWindow:
		if store == nil {
			return nil, fmt.Errorf("ratelimit: window algorithm needs a store")
		}
		return NewWindow(cfg, store, opts...), nil
	case AlgorithmToken:
		return NewToken(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown algorithm %q", cfg.Algorithm)
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

type counters struct {
	admitted atomic.Uint64
	denied   atomic.Uint64
}

func (c *counters) record(m *metrics.Metrics, ok bool) {
	if ok {
		c.admitted.Add(1)
	} else {
		c.denied.Add(1)
	}
	m.ObserveAdmission(ok)
}
