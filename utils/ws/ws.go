// Package ws provides abstractions around the gateway websocket: a JSON
// frame envelope, rate limits and connection lifecycle.
package ws

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var (
	// WSError is the default error handler.
	WSError = func(err error) { log.Println("Gateway error:", err) }
	// WSDebug is used for extra debug logging. This is expected to behave
	// similarly to log.Println().
	WSDebug = func(v ...interface{}) {}
)

// Websocket is a wrapper around a websocket Conn with thread safety and rate
// limiting for sending and dialing.
type Websocket struct {
	mutex sync.Mutex
	conn  Connection
	addr  string

	sendLimiter *rate.Limiter
	dialLimiter *rate.Limiter
}

// NewWebsocket creates a default Websocket with the given address.
func NewWebsocket(addr string) *Websocket {
	return NewCustomWebsocket(NewConn(), addr)
}

// NewCustomWebsocket creates a new undialed Websocket.
func NewCustomWebsocket(conn Connection, addr string) *Websocket {
	return &Websocket{
		conn: conn,
		addr: addr,

		sendLimiter: NewSendLimiter(),
		dialLimiter: NewDialLimiter(),
	}
}

// Addr returns the address the Websocket dials.
func (ws *Websocket) Addr() string {
	return ws.addr
}

// Dial waits until the rate limiter allows then dials the websocket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Event, error) {
	if err := ws.dialLimiter.Wait(ctx); err != nil {
		// Expired, fatal error
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	// Reset the send limiter; its budget belongs to the old connection.
	ws.sendLimiter = NewSendLimiter()

	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b over the Websocket with a deadline. The send rate limiter is
// waited on first.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	WSDebug("Acquiring the websocket mutex for sending.")

	ws.mutex.Lock()
	sendLimiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	WSDebug("Waiting for the send rate limiter...")

	if err := sendLimiter.Wait(ctx); err != nil {
		WSDebug("Send rate limiter timed out.")
		return errors.Wrap(err, "SendLimiter failed")
	}

	WSDebug("Send has passed the rate limiting.")

	return conn.Send(ctx, b)
}

// Close closes the websocket connection, sending a close frame with the
// given code and reason first unless code is CloseCodeNone. It assumes that
// the Websocket is closed even when it returns an error. If the Websocket
// was already closed before, ErrWebsocketClosed will be returned.
func (ws *Websocket) Close(code int, reason string) error {
	WSDebug("Conn: Acquiring mutex lock to close...")

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	WSDebug("Conn: Write mutex acquired")

	return ws.conn.Close(code, reason)
}
