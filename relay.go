// Package relay contains the OpenClaw relay daemon: a bridge between an
// application backend and a locally running OpenClaw Gateway.
//
// Push
//
// Package push is the inbound surface. The backend pushes messages over
// HTTP; the server authenticates, rate limits and validates them before
// handing them to the queue.
//
// Queue
//
// Package queue is a bounded in-memory dispatch queue with a small worker
// pool. It decouples ingress from task execution and gives the daemon a
// drainable shutdown point.
//
// Gateway
//
// Package gateway speaks the OpenClaw Gateway websocket protocol: a duplex
// JSON frame stream with request/response correlation, a connect handshake,
// tick liveness and automatic reconnects. Package utils/ws underneath it
// owns the raw socket.
//
// Runner
//
// Package runner executes chat tasks against the gateway: idempotent sends,
// terminal-event waiters, bounded retries and usage accounting.
//
// Backend
//
// Package backend holds the message contract shared with the application
// backend and the HTTP client that reports task results back to it.
package relay

import (
	// Daemon surface.
	_ "github.com/openclaw/relay/push"
	_ "github.com/openclaw/relay/queue"
	_ "github.com/openclaw/relay/service"

	// Gateway plumbing.
	_ "github.com/openclaw/relay/gateway"
	_ "github.com/openclaw/relay/runner"
)
