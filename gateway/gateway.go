// Package gateway implements the client half of the OpenClaw Gateway
// protocol: a persistent websocket carrying JSON frames, where requests are
// correlated to responses by id and the server pushes events in between.
//
// A Client owns one connection at a time. A single event-loop goroutine
// dials, completes the connect handshake, then routes incoming frames:
// responses resolve their pending requests, tick events feed the liveness
// watchdog, and chat events are handed to the OnEvent callback. When the
// connection drops, every in-flight request is rejected and the loop redials
// with exponential backoff.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/openclaw/relay/identity"
	"github.com/openclaw/relay/internal/backoff"
	"github.com/openclaw/relay/internal/timeutil"
	"github.com/openclaw/relay/utils/json"
	"github.com/openclaw/relay/utils/ws"
)

// Protocol is the frame protocol version range this client speaks.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// ClientID and ClientMode identify this process to the gateway during
// connect. They are also signed into the device signature payload.
const (
	ClientID   = "openclaw-relay"
	ClientMode = "relay"
)

// CloseTickTimeout is the private close code used when the gateway stops
// ticking and the client gives the connection up.
const CloseTickTimeout = 4000

// Reconnect backoff bounds. The delay grows from min towards max on each
// consecutive failure and rewinds after a successful handshake.
const (
	reconnectMin    = time.Second
	reconnectMax    = 30 * time.Second
	reconnectFactor = 1.5
)

// Defaults for the Options durations.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultChallengeWait    = 50 * time.Millisecond
)

// Options configures a Client. URL is required; zero durations fall back to
// the defaults above.
type Options struct {
	// URL is the websocket address of the gateway.
	URL string

	// Token and Password authenticate the connect request. Both may be empty
	// when the gateway runs unauthenticated.
	Token    string
	Password string

	// Role and Scopes are requested during connect.
	Role   string
	Scopes []string

	// InstanceID distinguishes this process from other clients of the same
	// gateway.
	InstanceID string

	// ClientVersion is reported in the connect request.
	ClientVersion string

	// Identity, when set, signs the connect request so the gateway can pin
	// this client across restarts.
	Identity *identity.Device

	// OnEvent receives every chat event. It is invoked from the event loop
	// and must not block; slow consumers should hand off to their own
	// goroutine or channel.
	OnEvent func(*ChatEvent)

	// OnHello is invoked after every completed handshake, including
	// reconnects.
	OnHello func(Hello)

	// RequestTimeout bounds each request's wait for its response frame.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the whole challenge-connect-hello sequence.
	HandshakeTimeout time.Duration
	// ChallengeWait is how long to wait for a connect.challenge nonce before
	// connecting without one.
	ChallengeWait time.Duration

	// Log overrides slog.Default for connection lifecycle logs.
	Log *slog.Logger
}

func (opts *Options) normalize() {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ChallengeWait <= 0 {
		opts.ChallengeWait = DefaultChallengeWait
	}
	if opts.Scopes == nil {
		opts.Scopes = []string{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
}

type pendingResult struct {
	payload json.Raw
	err     error
}

// Client is a connection manager for the gateway. Its methods are safe for
// concurrent use.
type Client struct {
	opts Options
	ws   *ws.Websocket
	log  *slog.Logger

	mut      sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	helloMu sync.Mutex
	hello   *Hello

	ready    atomic.Bool
	lastTick atomic.Int64 // unix ms, 0 until the epoch's first tick
}

// NewClient creates an undialed Client with the given options. Call Start to
// connect.
func NewClient(opts Options) *Client {
	opts.normalize()

	return &Client{
		opts:    opts,
		ws:      ws.NewWebsocket(opts.URL),
		log:     opts.Log.With("component", "gateway"),
		pending: make(map[string]chan pendingResult),
	}
}

// Start dials the gateway and completes the connect handshake. It blocks
// until the first hello arrives or the first attempt fails; a first-attempt
// failure is returned instead of retried. Once Start returns nil, the client
// keeps the connection alive in the background until Stop, redialing with
// backoff whenever it drops.
//
// ctx bounds only the startup wait. The background loop is detached from it
// so that callers can shut the client down on their own schedule.
func (c *Client) Start(ctx context.Context) error {
	if c.opts.URL == "" {
		return errors.New("gateway URL is required")
	}

	c.mut.Lock()
	if c.cancel != nil {
		c.mut.Unlock()
		return errors.New("gateway client is already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.cancel = cancel
	c.loopDone = done
	c.mut.Unlock()

	ready := make(chan error, 1)
	go c.run(loopCtx, done, ready)

	select {
	case err := <-ready:
		if err != nil {
			c.Stop()
			return errors.Wrap(err, "cannot connect to gateway")
		}
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	}
}

// Stop gracefully closes the connection and stops the event loop, rejecting
// any requests still in flight. It is idempotent, and the client can be
// started again afterwards.
func (c *Client) Stop() {
	c.mut.Lock()
	cancel, done := c.cancel, c.loopDone
	c.cancel = nil
	c.loopDone = nil
	c.mut.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	c.closeSocket(websocket.CloseNormalClosure, "shutting down")
	<-done

	c.ready.Store(false)
	c.clearHello()
	c.failPending(&ClosedError{Code: websocket.CloseNormalClosure, Reason: "client stopped"})
}

// Ready reports whether the client currently has a connection that completed
// the handshake.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// LastHello returns the hello of the current connection, if any.
func (c *Client) LastHello() (Hello, bool) {
	c.helloMu.Lock()
	defer c.helloMu.Unlock()

	if c.hello == nil {
		return Hello{}, false
	}
	return *c.hello, true
}

// run is the reconnect loop. It reports the outcome of the first connection
// attempt on ready and keeps redialing after that until ctx is canceled.
func (c *Client) run(ctx context.Context, done chan<- struct{}, ready chan<- error) {
	defer close(done)

	retry := backoff.NewTimer(reconnectMin, reconnectMax, reconnectFactor)
	defer retry.Stop()

	first := true
	for {
		err := c.epoch(ctx, func() {
			retry.Reset()
			if first {
				first = false
				ready <- nil
			}
		})

		if first {
			// The first attempt decides Start's outcome; surface the failure
			// instead of retrying behind the caller's back.
			ready <- err
			return
		}

		if ctx.Err() != nil {
			return
		}

		c.log.Warn("gateway connection lost, reconnecting", "err", err)

		select {
		case <-ctx.Done():
			return
		case <-retry.Next():
		}
	}
}

// epoch runs one connection from dial to disconnect. onReady fires once the
// handshake has completed, before any events are routed.
func (c *Client) epoch(ctx context.Context, onReady func()) error {
	src, err := c.ws.Dial(ctx)
	if err != nil {
		return err
	}

	hello, err := c.handshake(ctx, src)
	if err != nil {
		// The socket may still be up, e.g. after a handshake timeout. Make
		// sure this epoch's connection is gone before the next dial.
		c.closeSocket(ws.CloseCodeNone, "")
		return err
	}

	c.lastTick.Store(0)
	c.setHello(hello)
	c.ready.Store(true)

	onReady()

	if f := c.opts.OnHello; f != nil {
		f(*hello)
	}

	c.log.Info("gateway connected",
		"protocol", hello.Protocol,
		"tick_interval_ms", hello.Policy.TickIntervalMS)

	err = c.serve(ctx, src, hello)

	// Tear down in this order: requests issued after the ready flag drops
	// get an immediate ClosedError rather than racing into a pending map
	// that is about to be swept.
	c.ready.Store(false)
	c.clearHello()

	closed := &ClosedError{Code: ws.CloseCodeNone, Reason: "connection lost"}
	var ce *ws.CloseEvent
	if errors.As(err, &ce) {
		closed.Code = ce.Code
		closed.Reason = ce.Error()
	}
	c.failPending(closed)

	return err
}

// serve routes events off the source channel until the connection ends. It
// also owns the tick watchdog: the gateway promises a tick event every tick
// interval, and a connection that stops ticking is closed so the reconnect
// path takes over.
func (c *Client) serve(ctx context.Context, src <-chan ws.Event, hello *Hello) error {
	tickInterval := hello.Policy.TickIntervalMS

	watchPeriod := time.Duration(tickInterval/2) * time.Millisecond
	if watchPeriod < time.Second {
		watchPeriod = time.Second
	}

	var watchdog timeutil.Ticker
	watchdog.Reset(watchPeriod)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-watchdog.C:
			last := c.lastTick.Load()
			if last == 0 {
				// No tick yet this epoch; nothing to compare against.
				continue
			}
			if age := now.UnixMilli() - last; age > 2*tickInterval {
				c.log.Warn("gateway stopped ticking, closing connection",
					"last_tick_age_ms", age,
					"tick_interval_ms", tickInterval)
				c.closeSocket(CloseTickTimeout, "tick timeout")
			}

		case ev, ok := <-src:
			if !ok {
				return &ClosedError{Code: ws.CloseCodeNone, Reason: "event channel closed"}
			}

			switch ev := ev.(type) {
			case *ws.BackgroundErrorEvent:
				ws.WSError(ev)
			case *ws.CloseEvent:
				return ev
			case ws.Frame:
				c.handleFrame(ev)
			}
		}
	}
}

// handleFrame routes a single decoded frame.
func (c *Client) handleFrame(f ws.Frame) {
	switch f.Type {
	case ws.FrameResponse:
		c.resolvePending(f)

	case ws.FrameEvent:
		switch f.Event {
		case EventTick:
			c.lastTick.Store(time.Now().UnixMilli())

		case EventChallenge:
			// Challenges only matter during the handshake.
			ws.WSDebug("Ignoring connect.challenge outside the handshake.")

		case EventChat, EventAgent:
			var ev ChatEvent
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				ws.WSError(errors.Wrapf(err, "malformed %s event", f.Event))
				return
			}
			if f.Seq != nil {
				ev.Seq = *f.Seq
			}
			if fn := c.opts.OnEvent; fn != nil {
				fn(&ev)
			}

		default:
			ws.WSDebug("Unhandled gateway event:", f.Event)
		}

	default:
		ws.WSDebug("Unhandled frame type:", string(f.Type))
	}
}

// failPending sweeps the pending map and rejects everything in it. The
// responses died with the connection; nothing else will resolve them.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func (c *Client) setHello(h *Hello) {
	c.helloMu.Lock()
	c.hello = h
	c.helloMu.Unlock()
}

func (c *Client) clearHello() {
	c.setHello(nil)
}

func (c *Client) closeSocket(code int, reason string) {
	if err := c.ws.Close(code, reason); err != nil && !errors.Is(err, ws.ErrWebsocketClosed) {
		ws.WSDebug("Error closing gateway socket:", err)
	}
}

func (c *Client) send(ctx context.Context, f ws.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "cannot encode frame")
	}
	return c.ws.Send(ctx, b)
}
