// Package push is the relay's inbound HTTP surface. The application backend
// POSTs messages to a single configurable path; the server authenticates,
// rate limits, validates and enqueues them, and exposes health and readiness
// probes for the process around it.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/internal/flowlog"
)

// maxBodyBytes caps an inbound request body. A backend that streams more than
// this at the relay gets its connection destroyed mid-read.
const maxBodyBytes = 15 << 20

// Error codes returned in push error bodies.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeBusy         = "BUSY"
	CodeValidation   = "VALIDATION_ERROR"
	CodeQueueFull    = "QUEUE_FULL"
	CodeShuttingDown = "SHUTTING_DOWN"
	CodeServerError  = "PUSH_SERVER_ERROR"
)

// Enqueuer takes accepted messages off the server's hands. The dispatch queue
// implements it.
type Enqueuer interface {
	Enqueue(msg *backend.InboundMessage) error
}

// Health is a point-in-time report from the daemon. OK is liveness, Ready is
// whether new work should be routed here.
type Health struct {
	OK      bool
	Ready   bool
	Details map[string]interface{}
}

// HealthFunc supplies the current Health for the probe endpoints.
type HealthFunc func() Health

// Options configures a Server. Queue is required.
type Options struct {
	// Port is the TCP port Start listens on.
	Port int
	// Path is the POST path for inbound messages.
	Path string
	// Token is the bearer token pushes must carry.
	Token string

	// RateLimitPerSec caps accepted pushes per second, with an equal burst.
	RateLimitPerSec int
	// MaxConcurrentRequests caps pushes being handled at once.
	MaxConcurrentRequests int

	Queue  Enqueuer
	Health HealthFunc

	// Flow, when non-nil, records message lifecycle stages.
	Flow *flowlog.Logger
	Log  *slog.Logger
}

// Server is the inbound HTTP server. Create one with New, then Start it.
type Server struct {
	opts Options
	log  *slog.Logger

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	flow    *flowlog.Logger

	router chi.Router
	srv    *http.Server
}

// New builds a Server. It panics if opts.Queue is nil.
func New(opts Options) *Server {
	if opts.Queue == nil {
		panic("push: Options.Queue is nil")
	}
	if opts.Path == "" {
		opts.Path = "/relay/messages"
	}
	if opts.RateLimitPerSec < 1 {
		opts.RateLimitPerSec = 1
	}
	if opts.MaxConcurrentRequests < 1 {
		opts.MaxConcurrentRequests = 1
	}
	if opts.Health == nil {
		opts.Health = func() Health { return Health{OK: true, Ready: true} }
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	s := &Server{
		opts:    opts,
		log:     opts.Log.With("component", "push"),
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitPerSec),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrentRequests)),
		flow:    opts.Flow,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Post(opts.Path, s.handleMessage)

	// Anything else is a 404, including known paths with the wrong method.
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)

	s.router = r
	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until Shutdown. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "push server cannot listen on %s", addr)
	}

	s.log.Info("push server listening", "addr", ln.Addr().String(), "path", s.opts.Path)
	return s.Serve(ln)
}

// Serve runs the server on a caller-provided listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return errors.Wrap(err, "push server failed")
	}
	return nil
}

// Shutdown closes the listener and waits for in-flight handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// recoverer turns handler panics into a PUSH_SERVER_ERROR reply.
// http.ErrAbortHandler is re-panicked so net/http destroys the connection
// without replying; the body-size cap relies on that.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}

			s.log.Error("push handler panicked",
				"path", r.URL.Path,
				"panic", v)
			s.writeError(w, http.StatusInternalServerError, CodeServerError, "internal server error", nil)
		}()

		next.ServeHTTP(w, r)
	})
}
