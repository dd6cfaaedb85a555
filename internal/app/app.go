package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"courier/internal/config"
	"courier/internal/eventbus"
	"courier/internal/events"
	"courier/internal/kv"
	"courier/internal/maintenance"
	"courier/internal/metrics"
	"courier/internal/processor"
	"courier/internal/provider"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/sender"
	"courier/internal/server"
	"courier/internal/tracking"
	"courier/internal/webhook"
	"courier/pkg/logx"
)

// App wires the delivery pipeline: HTTP intake, queue, processor, sender,
// webhook ingestion and housekeeping.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics
	bus     *eventbus.MemBus
	store   kv.Store

	queue     *queue.Queue
	limiter   ratelimit.Limiter
	tracker   *tracking.Tracker
	sender    *sender.Sender
	processor *processor.Processor
	ingestor  *webhook.Ingestor
	maint     *maintenance.Service
	forwarder *events.Forwarder
	server    *server.Server

	stopBudget time.Duration
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, nil)
}

// build assembles the app. A nil transport is built from cfg.Provider.
func build(cfgm *config.Manager, cfg *config.Config, transport provider.Transport) (a *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))

	a = &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		metrics:    metrics.New(),
		bus:        eventbus.New(),
		stopBudget: shutdownTimeout(cfg),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.closeResources())
			a = nil
		}
	}()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return a, err
	}
	if a.store, err = kv.Open(sc, log.With(logx.String("comp", "store"))); err != nil {
		return a, err
	}

	a.queue = queue.New(a.store, mapQueueConfig(cfg),
		queue.WithLogger(log.With(logx.String("comp", "queue"))),
		queue.WithMetrics(a.metrics),
	)

	rc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return a, err
	}
	if a.limiter, err = ratelimit.New(rc, a.store,
		ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))),
		ratelimit.WithMetrics(a.metrics),
	); err != nil {
		return a, err
	}

	tc, err := mapTrackingConfig(cfg)
	if err != nil {
		return a, err
	}
	a.tracker = tracking.New(a.store, tc, tracking.WithLogger(log))

	if transport == nil {
		if transport, err = newTransport(cfg, log.With(logx.String("comp", "provider"))); err != nil {
			return a, err
		}
	}
	senderCfg, err := mapSenderConfig(cfg)
	if err != nil {
		return a, err
	}
	a.sender = sender.New(transport, senderCfg,
		sender.WithAdmitter(a.limiter),
		sender.WithLogger(log),
		sender.WithMetrics(a.metrics),
	)

	pc, err := mapProcessorConfig(cfg)
	if err != nil {
		return a, err
	}
	a.processor = processor.New(a.queue, a.limiter, a.sender, pc,
		processor.WithLogger(log),
		processor.WithBus(a.bus),
		processor.WithMetrics(a.metrics),
		processor.WithTracker(a.tracker),
		processor.WithProviderName(transport.Name()),
	)

	a.ingestor = webhook.New(mapWebhookConfig(cfg), a.tracker,
		webhook.WithLogger(log),
		webhook.WithMetrics(a.metrics),
	)

	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return a, err
	}
	a.maint = maintenance.New(mc, log, a.metrics)
	a.maint.Register(maintenance.JobQueueReconcile, maintenance.ReconcileJob(a.queue, log.With(logx.String("comp", "maintenance"))))
	a.maint.Register(maintenance.JobStorePrune, maintenance.PruneJob(a.store, log.With(logx.String("comp", "maintenance"))))
	if err := a.maint.Validate(mc); err != nil {
		return a, err
	}

	if kc := mapKafkaConfig(cfg); kc.Enabled {
		prod, err := events.NewSyncProducer(kc.Brokers)
		if err != nil {
			return a, err
		}
		a.forwarder = events.NewForwarder(prod, kc,
			events.WithLogger(log),
			events.WithMetrics(a.metrics),
		)
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return a, err
	}
	a.server = server.New(srvCfg, server.Deps{
		Queue:    a.queue,
		Tracker:  a.tracker,
		Limiter:  a.limiter,
		Breaker:  a.sender.Breaker(),
		Provider: transport.Name(),
		Ingestor: a.ingestor,
		Store:    a.store,
		Metrics:  a.metrics,
		Log:      log,
	})

	a.log.Info("app built",
		logx.String("store", sc.Driver),
		logx.String("provider", transport.Name()),
		logx.String("limiter", rc.Algorithm),
		logx.Bool("kafka", a.forwarder != nil),
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopBudget is the total time Stop should be given.
func (a *App) StopBudget() time.Duration { return a.stopBudget }

// Addr returns the HTTP listen address once started.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(a.validateReload)

	if err := a.server.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	a.processor.Start(a.sup.Context())
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.forwarder != nil {
		a.sup.Go("events.kafka", func(c context.Context) error {
			return a.forwarder.Run(c, a.bus)
		})
	}

	evs, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-evs:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs error
	// Intake first so nothing new arrives while the processor drains.
	errs = multierr.Append(errs, a.step(ctx, "http", 3*time.Second, a.server.Stop))
	errs = multierr.Append(errs, a.step(ctx, "processor", 8*time.Second, a.processor.Stop))
	errs = multierr.Append(errs, a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error {
		a.maint.Stop(c)
		return nil
	}))

	a.sup.Cancel()
	errs = multierr.Append(errs, a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait))
	errs = multierr.Append(errs, a.closeResources())

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errs
}

// step runs fn with its own upper bound so one component can't stall the
// whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return fmt.Errorf("stop %s: %w", name, context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}

// closeResources releases the producer and the store.
func (a *App) closeResources() error {
	var err error
	if a.forwarder != nil {
		err = multierr.Append(err, a.forwarder.Close())
		a.forwarder = nil
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
		a.store = nil
	}
	return err
}

// validateReload rejects configs whose hot sections can't be applied.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapProcessorConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return a.maint.Validate(mc)
}
