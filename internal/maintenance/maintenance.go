package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/kv"
	"courier/internal/metrics"
	"courier/internal/queue"
	"courier/pkg/logx"
)

const (
	JobQueueReconcile = "queue.reconcile"
	JobStorePrune     = "store.prune"
)

// DefaultSchedules is used for jobs without an explicit schedule.
var DefaultSchedules = map[string]string{
	JobQueueReconcile: "@every 1m",
	JobStorePrune:     "@every 10m",
}

var ErrUnknownJob = errors.New("maintenance: unknown job")

type Config struct {
	Enabled  bool
	Timezone string
	// Schedules maps job name to a cron spec or "@every <duration>". "off" disables a job.
	Schedules  map[string]string
	JobTimeout time.Duration // default 30s
}

func (c Config) spec(job string) string {
	if s := strings.TrimSpace(c.Schedules[job]); s != "" {
		return s
	}
	return DefaultSchedules[job]
}

type JobFunc func(ctx context.Context) error

// Service runs registered housekeeping jobs on cron schedules. A job never
// overlaps with itself; a run that is still going when the next tick fires
// is skipped.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics
	parser  cron.Parser

	jobs map[string]JobFunc
	c    *cron.Cron
	ctx  context.Context
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "maintenance")),
		metrics: m,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]JobFunc{},
	}
}

// Register adds a job. It must be called before Start.
func (s *Service) Register(name string, fn JobFunc) {
	s.mu.Lock()
	s.jobs[name] = fn
	s.mu.Unlock()
}

// Validate checks every schedule in cfg for the registered jobs.
func (s *Service) Validate(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.jobs {
		spec := cfg.spec(name)
		if spec == "" || spec == "off" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("maintenance: job %s: schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance: timezone %q: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	scheduled := 0
	for _, name := range names {
		spec := s.cfg.spec(name)
		if spec == "" || spec == "off" {
			s.log.Info("job disabled", logx.String("job", name))
			continue
		}
		if _, err := c.AddFunc(spec, func() { _ = s.run(name) }); err != nil {
			return fmt.Errorf("maintenance: job %s: schedule %q: %w", name, spec, err)
		}
		scheduled++
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", scheduled))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out; a job is still running")
	}
}

// Apply swaps the config and reschedules when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		if cfg.Enabled && s.ctx != nil {
			return s.startLocked()
		}
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}
	return s.startLocked()
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	return s.run(name)
}

func (s *Service) run(name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	parent, timeout := s.ctx, s.cfg.JobTimeout
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if parent == nil {
		parent = context.Background()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.IncMaintenanceRun(name, err)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job finished", logx.String("job", name), logx.Duration("took", time.Since(start)))
	return nil
}

// ReconcileJob corrects the queue size counter and prunes orphaned entries.
func ReconcileJob(q *queue.Queue, log logx.Logger) JobFunc {
	return func(ctx context.Context) error {
		rep, err := q.Reconcile(ctx)
		if err != nil {
			return err
		}
		if rep.Corrected || rep.OrphansPruned > 0 {
			log.Info("queue reconciled",
				logx.Int64("index", rep.IndexSize),
				logx.Int64("counter", rep.Counter),
				logx.Int64("drift", rep.Drift),
				logx.Int("orphans_pruned", rep.OrphansPruned),
			)
		}
		return nil
	}
}

// PruneJob sweeps expired keys when the store supports it.
func PruneJob(store kv.Store, log logx.Logger) JobFunc {
	return func(ctx context.Context) error {
		p, ok := store.(kv.Pruner)
		if !ok {
			return nil
		}
		n, err := p.Prune(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Debug("expired keys pruned", logx.Int64("count", n))
		}
		return nil
	}
}
