package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"courier/internal/metrics"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/sender"
	"courier/internal/tracking"
	"courier/internal/webhook"
	"courier/pkg/logx"
)

type Config struct {
	Addr         string // default 127.0.0.1:8080
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource exposes limiter decision totals.
type StatsSource interface {
	Stats() ratelimit.Stats
}

// Deps are the pipeline components the HTTP surface fronts. Breaker,
// Limiter, Ingestor and Metrics may be nil.
type Deps struct {
	Queue    *queue.Queue
	Tracker  *tracking.Tracker
	Limiter  StatsSource
	Breaker  *sender.Breaker
	Provider string
	Ingestor *webhook.Ingestor
	Store    Pinger
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

// Server owns the public HTTP listener.
type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *supervisor.Supervisor
}

func New(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

// Handler builds the router. It is exported for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(s.deps.Metrics.HTTPMiddleware)

	h := &handlers{deps: s.deps, log: s.log}
	r.Get("/healthz", h.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.enqueue)
		r.Get("/messages/{id}", h.message)
		r.Get("/queue", h.queueStatus)
	})
	if s.cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	if s.deps.Ingestor != nil {
		r.Get("/webhooks/provider", h.webhookChallenge)
		r.Post("/webhooks/provider", h.webhookEvents)
	}
	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.srv, s.ln, s.sup = srv, ln, sup

	sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx is done, then closes the rest.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	_ = sup.Stop(ctx)
	s.log.Info("http stopped")
	return err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chimw.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}
