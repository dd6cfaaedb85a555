package sender

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"courier/internal/metrics"
	"courier/internal/provider"
	"courier/internal/ratelimit"
	"courier/pkg/logx"
)

var (
	// ErrCircuitOpen is reported when the breaker refuses a call.
	ErrCircuitOpen = errors.New("sender: circuit open")
	// ErrRetryBudget is reported when a local retry could not get an admission slot.
	ErrRetryBudget = errors.New("sender: no admission for retry")
)

type Kind int

const (
	Delivered Kind = iota
	Retryable
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Send. Reason is nil only for Delivered.
// RetryAfter carries the largest provider or breaker hint seen, if any.
type Outcome struct {
	Kind       Kind
	Receipt    provider.Receipt
	Reason     error
	Attempts   int
	RetryAfter time.Duration
}

type Config struct {
	MaxAttempts    int           // provider calls per Send; default 3
	RetryBase      time.Duration // default 200ms
	RetryMaxDelay  time.Duration // default 2s
	AttemptTimeout time.Duration // default 5s
	Breaker        BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = 2 * time.Second
		if c.RetryMaxDelay < c.RetryBase {
			c.RetryMaxDelay = c.RetryBase
		}
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	return c
}

type Option func(*Sender)

// WithAdmitter gates every attempt after the first through a.
func WithAdmitter(a ratelimit.Admitter) Option { return func(s *Sender) { s.admit = a } }

func WithLogger(log logx.Logger) Option { return func(s *Sender) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sender) { s.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep replaces the wait between local retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sender) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Sender delivers one message through a provider transport with bounded
// local retries and a circuit breaker. It is safe for concurrent use.
type Sender struct {
	transport provider.Transport
	cfg       Config
	breaker   *Breaker
	admit     ratelimit.Admitter
	log       logx.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(t provider.Transport, cfg Config, opts ...Option) *Sender {
	s := &Sender{
		transport: t,
		cfg:       cfg.withDefaults(),
		log:       logx.Nop(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "sender"), logx.String("provider", t.Name()))
	s.breaker = NewBreaker(s.cfg.Breaker, s.now)
	s.metrics.SetCircuitState(t.Name(), int(StateClosed))
	return s
}

func (s *Sender) Provider() string { return s.transport.Name() }

func (s *Sender) Breaker() *Breaker { return s.breaker }

// Send tries req up to MaxAttempts times. Permanent provider errors stop
// immediately. Parent cancellation, an open breaker or a refused retry
// admission end the loop with a Retryable outcome so the caller can
// hand the message back to the queue.
func (s *Sender) Send(ctx context.Context, req provider.Request) Outcome {
	var (
		lastErr error
		hint    time.Duration
	)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && s.admit != nil {
			ok, err := s.admit.TryAdmit(ctx)
			if err != nil || !ok {
				if err == nil {
					err = ErrRetryBudget
				}
				s.log.Debug("retry not admitted", logx.String("msg_id", req.MessageID), logx.Int("attempt", attempt), logx.Any("err", err))
				return s.finish(Outcome{Kind: Retryable, Reason: errors.Join(lastErr, err), Attempts: attempt - 1, RetryAfter: hint})
			}
		}

		allowed, retryAt := s.breaker.Allow()
		if !allowed {
			wait := retryAt.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			if wait > hint {
				hint = wait
			}
			err := ErrCircuitOpen
			if lastErr != nil {
				err = fmt.Errorf("%w (last error: %v)", ErrCircuitOpen, lastErr)
			}
			return s.finish(Outcome{Kind: Retryable, Reason: err, Attempts: attempt - 1, RetryAfter: hint})
		}

		rc, err := s.attempt(ctx, req)
		if err == nil {
			s.record(resultSuccess)
			if attempt > 1 {
				s.log.Info("delivered after retry", logx.String("msg_id", req.MessageID), logx.Int("attempts", attempt))
			}
			return s.finish(Outcome{Kind: Delivered, Receipt: rc, Attempts: attempt})
		}

		if ctx.Err() != nil {
			s.record(resultIgnored)
			return s.finish(Outcome{Kind: Retryable, Reason: fmt.Errorf("%w: %v", ctx.Err(), err), Attempts: attempt, RetryAfter: hint})
		}
		if provider.IsPermanent(err) {
			// The provider answered; a rejected message says nothing about its health.
			s.record(resultSuccess)
			return s.finish(Outcome{Kind: Permanent, Reason: err, Attempts: attempt})
		}

		s.record(resultFailure)
		lastErr = err
		if d, ok := provider.RetryAfterHint(err); ok && d > hint {
			hint = d
		}
		if attempt >= s.cfg.MaxAttempts {
			break
		}
		if hint > s.cfg.RetryMaxDelay {
			// Longer than we are willing to hold a worker; let the queue wait instead.
			return s.finish(Outcome{Kind: Retryable, Reason: err, Attempts: attempt, RetryAfter: hint})
		}

		delay := Backoff(s.cfg.RetryBase, s.cfg.RetryMaxDelay, attempt)
		if hint > delay {
			delay = hint
		}
		s.log.Debug("attempt failed, retrying", logx.String("msg_id", req.MessageID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Any("err", err))
		if err := s.sleep(ctx, delay); err != nil {
			return s.finish(Outcome{Kind: Retryable, Reason: fmt.Errorf("%w: %v", err, lastErr), Attempts: attempt, RetryAfter: hint})
		}
	}
	return s.finish(Outcome{Kind: Retryable, Reason: lastErr, Attempts: s.cfg.MaxAttempts, RetryAfter: hint})
}

func (s *Sender) attempt(ctx context.Context, req provider.Request) (rc provider.Receipt, err error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
			s.log.Error("transport panic", logx.String("msg_id", req.MessageID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		s.metrics.ObserveSendAttempt(s.transport.Name(), s.now().Sub(start))
	}()
	return s.transport.Deliver(actx, req)
}

func (s *Sender) record(r result) {
	s.breaker.record(r)
	s.metrics.SetCircuitState(s.transport.Name(), int(s.breaker.State()))
}

func (s *Sender) finish(o Outcome) Outcome {
	s.metrics.IncSendResult(s.transport.Name(), o.Kind.String())
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
