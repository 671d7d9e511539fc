// Package service assembles the relay daemon and owns its lifecycle: the
// gateway client, the dispatch queue, the chat runner, the push server and
// the backend client, started together and stopped in an order that never
// strands an accepted message.
package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/config"
	"github.com/openclaw/relay/gateway"
	"github.com/openclaw/relay/identity"
	"github.com/openclaw/relay/internal/flowlog"
	"github.com/openclaw/relay/media"
	"github.com/openclaw/relay/push"
	"github.com/openclaw/relay/queue"
	"github.com/openclaw/relay/runner"
	"github.com/openclaw/relay/stt"
)

// Version is reported to the gateway during connect and printed by the
// -version flag.
const Version = "0.3.0"

// callbackTimeout bounds one result callback including its retry schedule.
const callbackTimeout = 2 * time.Minute

// Service is the assembled daemon. Build one with New, then call Run.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	flow    *flowlog.Logger
	backend *backend.Client
	gw      *gateway.Client
	runner  *runner.Runner
	queue   *queue.Queue
	push    *push.Server

	shuttingDown atomic.Bool
}

// New wires the daemon together from configuration. Nothing is dialed or
// bound yet; Run does that.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg: cfg,
		log: log.With("component", "service"),
	}

	if cfg.FlowLogPath != "" {
		flow, err := flowlog.Open(cfg.FlowLogPath)
		if err != nil {
			return nil, err
		}
		s.flow = flow
	}

	var device *identity.Device
	if cfg.Gateway.DeviceIdentity {
		d, err := identity.LoadOrCreate(filepath.Join(cfg.Gateway.StateDir, "identity"))
		if err != nil {
			return nil, errors.Wrap(err, "cannot load device identity")
		}
		device = d
	}

	transcriber, err := stt.FromConfig(cfg.STT, log)
	if err != nil {
		return nil, err
	}

	s.backend, err = backend.NewClient(backend.Options{
		BaseURL:    cfg.BackendBaseURL,
		Token:      cfg.BackendToken,
		InstanceID: cfg.RelayInstanceID,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	// The gateway hands terminal chat events straight to the runner. The
	// closure keeps the gateway free of a runner reference; events arriving
	// before Run are impossible since nothing is dialed yet.
	s.gw = gateway.NewClient(gateway.Options{
		URL:           cfg.Gateway.URL,
		Token:         cfg.Gateway.Token,
		Password:      cfg.Gateway.Password,
		Role:          cfg.Gateway.Role,
		Scopes:        cfg.Gateway.Scopes,
		InstanceID:    cfg.RelayInstanceID,
		ClientVersion: Version,
		Identity:      device,
		OnEvent:       func(ev *gateway.ChatEvent) { s.runner.HandleChatEvent(ev) },
		Log:           log,
	})

	s.runner = runner.New(runner.Options{
		Gateway: s.gw,
		STT:     transcriber,
		Media:   media.NewStore(cfg.Gateway.StateDir, log),
		Log:     log,
	})

	proc := &processor{
		runner:      s.runner,
		gateway:     s.gw,
		backend:     s.backend,
		instanceID:  cfg.RelayInstanceID,
		taskTimeout: cfg.TaskTimeout,
		flow:        s.flow,
		log:         log.With("component", "processor"),
	}

	s.queue = queue.New(queue.Options{
		Concurrency: cfg.Concurrency,
		MaxQueue:    cfg.Push.MaxQueue,
		Process:     proc.process,
		Log:         log,
	})

	s.push = push.New(push.Options{
		Port:                  cfg.Push.Port,
		Path:                  cfg.Push.Path,
		Token:                 cfg.RelayToken,
		RateLimitPerSec:       cfg.Push.RateLimitPerSec,
		MaxConcurrentRequests: cfg.Push.MaxConcurrentRequests,
		Queue:                 s.queue,
		Health:                s.health,
		Flow:                  s.flow,
		Log:                   log,
	})

	return s, nil
}

// Run starts the daemon and blocks until ctx is canceled or the push server
// fails. It always tears down gracefully before returning: intake stops
// first, accepted work drains, then the gateway disconnects.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("relay starting",
		"instance_id", s.cfg.RelayInstanceID,
		"version", Version,
		"gateway_url", s.cfg.Gateway.URL,
		"push_port", s.cfg.Push.Port)

	if err := s.gw.Start(ctx); err != nil {
		return errors.Wrap(err, "cannot connect to gateway")
	}

	// Workers are detached from ctx so the drain below can finish in-flight
	// tasks after the stop signal.
	s.queue.Start(context.Background())

	pushErr := make(chan error, 1)
	go func() { pushErr <- s.push.Start() }()

	if s.cfg.PullInterval > 0 {
		go s.pullLoop(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("relay stopping", "reason", ctx.Err())
	case err := <-pushErr:
		runErr = errors.Wrap(err, "push server stopped")
	}

	s.stop()
	return runErr
}

// stop tears the daemon down in dependency order. Readiness flips false
// before the listener closes, so load balancers stop routing first.
func (s *Service) stop() {
	s.shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.push.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("push server shutdown failed", "err", err)
	}

	s.queue.StopAccepting()

	drain := 2 * s.cfg.TaskTimeout
	if drain < 15*time.Second {
		drain = 15 * time.Second
	}
	if !s.queue.Drain(drain) {
		s.log.Warn("queue did not drain in time", "timeout", drain.String())
	}

	s.queue.Stop()
	s.gw.Stop()

	if err := s.flow.Close(); err != nil {
		s.log.Debug("flow log close failed", "err", err)
	}

	s.log.Info("relay stopped")
}

// health feeds the push probes. Liveness is unconditional; readiness means
// the relay would actually accept and run a message right now.
func (s *Service) health() push.Health {
	qs := s.queue.State()
	gwReady := s.gw.Ready()
	down := s.shuttingDown.Load()

	return push.Health{
		OK:    true,
		Ready: readiness(down, gwReady, qs, s.cfg.Push.MaxQueue),
		Details: map[string]interface{}{
			"gateway": map[string]interface{}{
				"connected": gwReady,
			},
			"queue": map[string]interface{}{
				"queued":   qs.Queued,
				"inFlight": qs.InFlight,
			},
			"shuttingDown": down,
		},
	}
}

func readiness(shuttingDown, gatewayReady bool, qs queue.State, maxQueue int) bool {
	return !shuttingDown && gatewayReady && qs.Accepting && qs.Queued < maxQueue
}
