package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/provider"
)

type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedTransport) Name() string { return "fake" }

func (s *scriptedTransport) Deliver(ctx context.Context, req provider.Request) (provider.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return provider.Receipt{}, s.errs[i]
	}
	return provider.Receipt{DeliveryID: "d-" + req.MessageID}, nil
}

type denyAdmitter struct{ calls int }

func (d *denyAdmitter) TryAdmit(context.Context) (bool, error) {
	d.calls++
	return false, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	})
}

var msg = provider.Request{MessageID: "m1", RecipientID: "r1", MessageType: "text"}

func TestSendDeliversAfterTransientFailures(t *testing.T) {
	tr := &scriptedTransport{errs: []error{errors.New("503"), errors.New("503")}}
	var delays []time.Duration
	s := New(tr, Config{MaxAttempts: 3, RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}, noSleep(&delays))

	out := s.Send(context.Background(), msg)
	if out.Kind != Delivered || out.Attempts != 3 || out.Receipt.DeliveryID != "d-m1" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 waits, got %v", delays)
	}
	for i, d := range delays {
		if d <= 0 || d > time.Second {
			t.Fatalf("delay %d out of range: %v", i, d)
		}
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	tr := &scriptedTransport{errs: []error{provider.Permanent(errors.New("invalid recipient"))}}
	s := New(tr, Config{MaxAttempts: 3}, noSleep(nil))

	out := s.Send(context.Background(), msg)
	if out.Kind != Permanent || out.Attempts != 1 || tr.calls != 1 {
		t.Fatalf("outcome = %+v, calls = %d", out, tr.calls)
	}
	if !provider.IsPermanent(out.Reason) {
		t.Fatalf("reason lost permanent marker: %v", out.Reason)
	}
}

func TestSendExhaustsAttempts(t *testing.T) {
	boom := errors.New("timeout")
	tr := &scriptedTransport{errs: []error{boom, boom, boom}}
	s := New(tr, Config{MaxAttempts: 3}, noSleep(nil))

	out := s.Send(context.Background(), msg)
	if out.Kind != Retryable || out.Attempts != 3 || !errors.Is(out.Reason, boom) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSendHandsLongRetryAfterToQueue(t *testing.T) {
	tr := &scriptedTransport{errs: []error{provider.RetryAfter(errors.New("429"), 30*time.Second)}}
	s := New(tr, Config{MaxAttempts: 3, RetryMaxDelay: 2 * time.Second}, noSleep(nil))

	out := s.Send(context.Background(), msg)
	if out.Kind != Retryable || out.RetryAfter != 30*time.Second || tr.calls != 1 {
		t.Fatalf("outcome = %+v, calls = %d", out, tr.calls)
	}
}

func TestSendRetryNeedsAdmission(t *testing.T) {
	tr := &scriptedTransport{errs: []error{errors.New("503")}}
	adm := &denyAdmitter{}
	s := New(tr, Config{MaxAttempts: 3}, WithAdmitter(adm), noSleep(nil))

	out := s.Send(context.Background(), msg)
	if out.Kind != Retryable || out.Attempts != 1 || tr.calls != 1 || adm.calls != 1 {
		t.Fatalf("outcome = %+v, calls = %d, admits = %d", out, tr.calls, adm.calls)
	}
	if !errors.Is(out.Reason, ErrRetryBudget) {
		t.Fatalf("reason = %v", out.Reason)
	}
}

func TestSendCanceledContextIsRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &scriptedTransport{errs: []error{context.Canceled}}
	s := New(tr, Config{}, noSleep(nil))

	out := s.Send(ctx, msg)
	if out.Kind != Retryable || !errors.Is(out.Reason, context.Canceled) {
		t.Fatalf("outcome = %+v", out)
	}
	if s.Breaker().Snapshot().Calls != 0 {
		t.Fatal("cancellation must not count against the provider")
	}
}

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Window: 10 * time.Second, Buckets: 10, MinRequests: 4, FailureRatio: 0.5, Cooldown: 5 * time.Second}, clk.now)

	b.record(resultSuccess)
	b.record(resultSuccess)
	b.record(resultFailure)
	if b.State() != StateClosed {
		t.Fatal("below MinRequests the breaker stays closed")
	}
	b.record(resultFailure)
	if b.State() != StateOpen {
		t.Fatalf("2/4 failures should open, state = %v", b.State())
	}
	if ok, retryAt := b.Allow(); ok || !retryAt.Equal(clk.t.Add(5*time.Second)) {
		t.Fatalf("allow = %v, retryAt = %v", ok, retryAt)
	}

	clk.advance(5 * time.Second)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("probe should pass after cooldown")
	}
	if ok, _ := b.Allow(); ok {
		t.Fatal("only one probe may be in flight")
	}
	b.record(resultFailure)
	if ok, retryAt := b.Allow(); ok || !retryAt.Equal(clk.t.Add(10*time.Second)) {
		t.Fatalf("failed probe should double cooldown, retryAt = %v", retryAt)
	}

	clk.advance(10 * time.Second)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("second probe should pass")
	}
	b.record(resultSuccess)
	if b.State() != StateClosed || b.Snapshot().Trips != 0 {
		t.Fatalf("successful probe should close, snapshot = %+v", b.Snapshot())
	}
}

func TestBreakerForgetsOldSlots(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{Window: 10 * time.Second, Buckets: 10, MinRequests: 3, FailureRatio: 0.5}, clk.now)

	b.record(resultFailure)
	b.record(resultFailure)
	clk.advance(11 * time.Second)
	b.record(resultFailure)
	if b.State() != StateClosed {
		t.Fatal("failures outside the window must not count")
	}
	if got := b.Snapshot().Calls; got != 1 {
		t.Fatalf("window calls = %d", got)
	}
}

func TestSendRefusedWhileOpen(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	boom := errors.New("503")
	tr := &scriptedTransport{errs: []error{boom, boom}}
	s := New(tr, Config{
		MaxAttempts: 2,
		Breaker:     BreakerConfig{MinRequests: 2, FailureRatio: 0.5, Cooldown: 15 * time.Second},
	}, WithClock(clk.now), noSleep(nil))

	first := s.Send(context.Background(), msg)
	if first.Kind != Retryable || tr.calls != 2 {
		t.Fatalf("first = %+v, calls = %d", first, tr.calls)
	}
	second := s.Send(context.Background(), msg)
	if second.Kind != Retryable || !errors.Is(second.Reason, ErrCircuitOpen) || tr.calls != 2 {
		t.Fatalf("second = %+v, calls = %d", second, tr.calls)
	}
	if second.RetryAfter != 15*time.Second {
		t.Fatalf("breaker hint = %v", second.RetryAfter)
	}
}

func TestBackoffBounds(t *testing.T) {
	base, maxD := 100*time.Millisecond, time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		d := Backoff(base, maxD, attempt)
		if d <= 0 || d > maxD {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if d := Backoff(base, maxD, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
}
