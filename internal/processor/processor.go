package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"courier/internal/eventbus"
	"courier/internal/metrics"
	"courier/internal/provider"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/sender"
	"courier/internal/tracking"
	"courier/pkg/logx"
)

const (
	// Budget for queue and tracking writes after a dispatch returns.
	settleTimeout = 5 * time.Second
	// How long Stop keeps waiting once it has force-cancelled in-flight sends.
	forceGrace = 5 * time.Second
)

type Config struct {
	BatchSize   int           // default 20
	IdleSleep   time.Duration // sleep when nothing is due; default 250ms
	DenySleep   time.Duration // sleep when no item is admitted; default: limiter window, else 1s
	MaxRetries  int           // requeues before a message fails terminally; default 3
	RequeueBase time.Duration // default 1s
	RequeueMax  time.Duration // default 5m
	Concurrency int           // parallel sends per batch; default BatchSize
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 250 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RequeueBase <= 0 {
		c.RequeueBase = time.Second
	}
	if c.RequeueMax < c.RequeueBase {
		c.RequeueMax = 5 * time.Minute
		if c.RequeueMax < c.RequeueBase {
			c.RequeueMax = c.RequeueBase
		}
	}
	if c.Concurrency <= 0 || c.Concurrency > c.BatchSize {
		c.Concurrency = c.BatchSize
	}
	return c
}

// Sender is the delivery side of the processor; *sender.Sender implements it.
type Sender interface {
	Send(ctx context.Context, req provider.Request) sender.Outcome
}

// Tracker receives per-message state changes; *tracking.Tracker implements it.
type Tracker interface {
	Record(ctx context.Context, u tracking.Update) error
}

type Option func(*Processor)

func WithLogger(log logx.Logger) Option { return func(p *Processor) { p.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(p *Processor) { p.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }
func WithTracker(t Tracker) Option { return func(p *Processor) { p.tracker = t } }
func WithProviderName(name string) Option { return func(p *Processor) { p.provider = name } }
func WithSleep(fn func(time.Duration)) Option { return func(p *Processor) { p.onSleep = fn } }
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor pulls due messages, admits them through the rate limiter and
// dispatches the admitted ones in parallel, reconciling every outcome
// before the next batch.
type Processor struct {
	queue   *queue.Queue
	admit   ratelimit.Admitter
	sender  Sender
	tracker Tracker
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
	onSleep func(time.Duration)

	provider string

	mu  sync.Mutex
	cfg Config

	sup        *rtsup.Supervisor
	stopCh     chan struct{}
	loopDone   chan struct{}
	dctx       context.Context
	dcancel    context.CancelFunc
	lastReport CycleReport
}

func New(q *queue.Queue, admit ratelimit.Admitter, s Sender, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		queue:  q,
		admit:  admit,
		sender: s,
		cfg:    cfg.withDefaults(),
		log:    logx.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	p.log = p.log.With(logx.String("comp", "processor"))
	p.dctx, p.dcancel = context.WithCancel(context.Background())
	return p
}

// Config returns the effective tuning, defaults applied.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Apply swaps the tuning knobs. The next cycle picks them up.
func (p *Processor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	p.mu.Unlock()
	if prev != cfg {
		p.log.Info("processor config applied", logx.Int("batch_size", cfg.BatchSize), logx.Int("concurrency", cfg.Concurrency), logx.Int("max_retries", cfg.MaxRetries))
	}
}

// LastCycle returns the report of the most recent cycle.
func (p *Processor) LastCycle() CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReport
}

// Start launches the loop under a supervisor. It is idempotent.
func (p *Processor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.dctx, p.dcancel = context.WithCancel(context.Background())
	stopCh, done := p.stopCh, p.loopDone
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	sup.GoRestart("processor.loop", func(c context.Context) error {
		err := p.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		return err
	}, rtsup.WithPublishFirstError(true))

	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()

	p.log.Info("processor started", logx.Int("batch_size", p.Config().BatchSize))
}

// Stop stops pulling batches and waits for in-flight sends. If ctx expires
// first, in-flight sends are cancelled; they settle as retryable.
func (p *Processor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return nil
	}
	stopCh, done, sup, dcancel := p.stopCh, p.loopDone, p.sup, p.dcancel
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	p.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("processor stop deadline reached; cancelling in-flight sends")
		dcancel()
		t := time.NewTimer(forceGrace)
		select {
		case <-done:
		case <-t.C:
			p.log.Error("processor did not settle after cancel")
		}
		t.Stop()
		err = ctx.Err()
	}
	sup.Cancel()
	dcancel()

	p.mu.Lock()
	p.stopCh, p.loopDone, p.sup = nil, nil, nil
	p.mu.Unlock()
	if err == nil {
		p.log.Info("processor stopped")
	}
	return err
}

// Run drives cycles until ctx is done. It is the loop Start supervises.
func (p *Processor) Run(ctx context.Context) error {
	return p.run(ctx, nil)
}

func (p *Processor) run(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		// The loop context only gates pulling; sends use the detached dispatch context.
		rep, err := p.Cycle(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("processing cycle failed", logx.Err(err))
			if rep.Sleep <= 0 {
				rep.Sleep = p.Config().IdleSleep
			}
		}
		if rep.Sleep <= 0 {
			continue
		}
		if p.onSleep != nil {
			p.onSleep(rep.Sleep)
		}
		t := time.NewTimer(rep.Sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *Processor) dispatchContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dctx
}

// Cycle runs one iteration: peek, admit, dispatch, reconcile. It does not
// sleep; the returned report says how long the caller should wait.
func (p *Processor) Cycle(ctx context.Context) (CycleReport, error) {
	cfg := p.Config()
	start := p.now()

	msgs, err := p.queue.DequeueBatch(ctx, cfg.BatchSize)
	if err != nil {
		return CycleReport{Sleep: cfg.IdleSleep}, err
	}
	rep := CycleReport{Pulled: len(msgs)}
	if len(msgs) == 0 {
		rep.Sleep = cfg.IdleSleep
		return rep, nil
	}

	for range msgs {
		ok, err := p.admit.TryAdmit(ctx)
		if err != nil {
			p.log.Warn("admission check failed", logx.Err(err))
			break
		}
		if !ok {
			break
		}
		rep.Admitted++
	}
	if rep.Admitted == 0 {
		rep.Sleep = p.denySleep(cfg)
		p.log.Debug("no admission; waiting for next window", logx.Int("pulled", rep.Pulled), logx.Duration("sleep", rep.Sleep))
		return rep, nil
	}

	batch := msgs[:rep.Admitted]
	results := make([]Result, len(batch))
	dctx := p.dispatchContext()

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i := range batch {
		g.Go(func() error {
			results[i] = p.dispatch(dctx, cfg, batch[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		rep.add(r)
	}
	rep.Duration = p.now().Sub(start)
	p.metrics.ObserveCycle(rep.Admitted, rep.Duration)

	p.mu.Lock()
	p.lastReport = rep
	p.mu.Unlock()
	return rep, nil
}

func (p *Processor) denySleep(cfg Config) time.Duration {
	if cfg.DenySleep > 0 {
		return cfg.DenySleep
	}
	if w, ok := p.admit.(interface{ Window() time.Duration }); ok && w.Window() > 0 {
		return w.Window()
	}
	return time.Second
}

func (p *Processor) dispatch(ctx context.Context, cfg Config, m queue.Message) Result {
	p.track(ctx, tracking.Update{MessageID: m.ID, RecipientID: m.RecipientID, State: tracking.StateDispatched, RetryCount: m.RetryCount})
	p.publish(eventbus.TypeDispatched, m, nil)

	out := p.sender.Send(ctx, provider.Request{
		MessageID:   m.ID,
		RecipientID: m.RecipientID,
		MessageType: m.MessageType,
		Content:     m.Content,
	})

	// Settle on a context that survives a forced cancel of the send.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch out.Kind {
	case sender.Delivered:
		return p.settleDelivered(sctx, m, out)
	case sender.Retryable:
		m.RetryCount++
		if m.RetryCount < cfg.MaxRetries {
			return p.settleRetry(sctx, cfg, m, out)
		}
		return p.settleFailed(sctx, m, out)
	case sender.Permanent:
		return p.settleFailed(sctx, m, out)
	default:
		// Unknown kinds are treated as transient so nothing is lost.
		out.Kind = sender.Retryable
		m.RetryCount++
		if m.RetryCount < cfg.MaxRetries {
			return p.settleRetry(sctx, cfg, m, out)
		}
		return p.settleFailed(sctx, m, out)
	}
}

func (p *Processor) settleDelivered(ctx context.Context, m queue.Message, out sender.Outcome) Result {
	// The delivery id alias must exist before the message leaves the queue
	// so an early provider callback can be matched.
	p.track(ctx, tracking.Update{MessageID: m.ID, State: tracking.StateDelivered, DeliveryID: out.Receipt.DeliveryID})
	if _, err := p.queue.Remove(ctx, m.ID); err != nil {
		p.log.Error("delivered message could not be removed", logx.String("msg_id", m.ID), logx.Err(err))
	}
	p.publish(eventbus.TypeDelivered, m, func(ev *eventbus.DeliveryEvent) {
		ev.DeliveryID = out.Receipt.DeliveryID
		ev.Attempts = out.Attempts
	})
	p.metrics.IncOutcome(string(StateDelivered))
	p.log.Debug("message delivered", logx.String("msg_id", m.ID), logx.String("delivery_id", out.Receipt.DeliveryID), logx.Int("attempts", out.Attempts))
	return Result{ID: m.ID, State: StateDelivered, RetryCount: m.RetryCount, DeliveryID: out.Receipt.DeliveryID}
}

func (p *Processor) settleRetry(ctx context.Context, cfg Config, m queue.Message, out sender.Outcome) Result {
	delay := sender.Backoff(cfg.RequeueBase, cfg.RequeueMax, m.RetryCount)
	if out.RetryAfter > delay {
		delay = out.RetryAfter
	}
	reason := errString(out.Reason)

	if err := p.queue.RequeueWithBackoff(ctx, m, delay); err != nil {
		if errors.Is(err, queue.ErrNotQueued) {
			p.log.Debug("message left the queue during dispatch", logx.String("msg_id", m.ID))
			return Result{ID: m.ID, State: StateGone, RetryCount: m.RetryCount, Err: out.Reason}
		}
		// The index entry keeps its old score, so the message is due again right away.
		p.log.Error("requeue failed; message stays due", logx.String("msg_id", m.ID), logx.Err(err))
		delay = 0
	}
	p.track(ctx, tracking.Update{MessageID: m.ID, State: tracking.StateRetryScheduled, RetryCount: m.RetryCount, LastError: reason})
	p.publish(eventbus.TypeRetryScheduled, m, func(ev *eventbus.DeliveryEvent) {
		ev.Delay = delay
		ev.Attempts = out.Attempts
		ev.Error = reason
	})
	p.metrics.IncOutcome(string(StateRetryScheduled))
	p.log.Debug("retry scheduled", logx.String("msg_id", m.ID), logx.Int("retry_count", m.RetryCount), logx.Duration("delay", delay), logx.String("err", reason))
	return Result{ID: m.ID, State: StateRetryScheduled, RetryCount: m.RetryCount, Delay: delay, Err: out.Reason}
}

func (p *Processor) settleFailed(ctx context.Context, m queue.Message, out sender.Outcome) Result {
	reason := errString(out.Reason)
	if _, err := p.queue.Remove(ctx, m.ID); err != nil {
		p.log.Error("failed message could not be removed", logx.String("msg_id", m.ID), logx.Err(err))
	}
	p.track(ctx, tracking.Update{MessageID: m.ID, State: tracking.StateFailed, RetryCount: m.RetryCount, LastError: reason})
	p.publish(eventbus.TypeFailed, m, func(ev *eventbus.DeliveryEvent) {
		ev.Attempts = out.Attempts
		ev.Error = reason
	})
	p.metrics.IncOutcome(string(StateFailed))
	p.log.Warn("message failed terminally",
		logx.String("msg_id", m.ID),
		logx.String("recipient_id", m.RecipientID),
		logx.String("kind", out.Kind.String()),
		logx.Int("retry_count", m.RetryCount),
		logx.String("err", reason),
	)
	return Result{ID: m.ID, State: StateFailed, RetryCount: m.RetryCount, Err: out.Reason}
}

func (p *Processor) track(ctx context.Context, u tracking.Update) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.Record(context.WithoutCancel(ctx), u); err != nil {
		p.log.Warn("tracking update failed", logx.String("msg_id", u.MessageID), logx.String("state", string(u.State)), logx.Err(err))
	}
}

func (p *Processor) publish(typ string, m queue.Message, fill func(*eventbus.DeliveryEvent)) {
	if p.bus == nil {
		return
	}
	now := p.now()
	ev := eventbus.DeliveryEvent{
		MessageID:   m.ID,
		RecipientID: m.RecipientID,
		MessageType: m.MessageType,
		Provider:    p.provider,
		RetryCount:  m.RetryCount,
		At:          now,
	}
	if fill != nil {
		fill(&ev)
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
