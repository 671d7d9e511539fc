package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const rwBufferSize = 1 << 15 // 32KB

// ErrWebsocketClosed is returned if the websocket is already closed.
var ErrWebsocketClosed = errors.New("websocket is closed")

// CloseCodeNone tells Close to drop the connection without sending a close
// frame first.
const CloseCodeNone = -1

// Connection is an interface that abstracts around a generic websocket
// driver. The implementation doesn't have to be safe for concurrent use.
type Connection interface {
	// Dial dials the address (string). Context needs to be passed in for
	// timeout. This method should also be re-usable after Close is called.
	Dial(context.Context, string) (<-chan Event, error)

	// Send allows the caller to send bytes.
	Send(context.Context, []byte) error

	// Close closes the websocket connection. The Connection instance must be
	// reusable with Dial afterwards, even if Close returns an error. If code
	// is a valid close code, a close frame with that code and reason is sent
	// before the connection is dropped; CloseCodeNone skips the frame.
	Close(code int, reason string) error
}

// Conn is the default websocket connection. The gateway protocol is
// text-frame JSON only; binary messages surface as background errors.
type Conn struct {
	dialer  websocket.Dialer
	headers http.Header

	// conn is used for synchronizing the conn instance itself. Any use of
	// conn must copy conn out.
	conn *connMutex
	// mut is used for synchronizing the conn field.
	mut sync.Mutex

	// CloseTimeout is the deadline for writing the close frame. It's
	// defaulted to 5s.
	CloseTimeout time.Duration
}

type connMutex struct {
	*websocket.Conn
	wrmut chan struct{}
}

var _ Connection = (*Conn)(nil)

// NewConn creates a new default websocket connection with a default dialer.
func NewConn() *Conn {
	return NewConnWithDialer(websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   rwBufferSize,
		WriteBufferSize:  rwBufferSize,
	})
}

// NewConnWithDialer creates a new default websocket connection with a custom
// dialer.
func NewConnWithDialer(dialer websocket.Dialer) *Conn {
	return &Conn{
		dialer:       dialer,
		CloseTimeout: 5 * time.Second,
	}
}

// SetHeaders sets the headers sent with the HTTP upgrade request.
func (c *Conn) SetHeaders(h http.Header) {
	c.mut.Lock()
	c.headers = h
	c.mut.Unlock()
}

// Dial starts a new connection and returns the listening channel for it. If
// the websocket is already dialed, then the connection is closed first.
func (c *Conn) Dial(ctx context.Context, addr string) (<-chan Event, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	// Ensure that the previous connection is closed.
	if c.conn != nil {
		c.conn.close(c.CloseTimeout, CloseCodeNone, "")
	}

	conn, _, err := c.dialer.DialContext(ctx, addr, c.headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial WS")
	}

	events := make(chan Event, 1)
	go readLoop(conn, events)

	c.conn = &connMutex{
		wrmut: make(chan struct{}, 1),
		Conn:  conn,
	}

	return events, nil
}

// Close implements Connection.
func (c *Conn) Close(code int, reason string) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.conn.close(c.CloseTimeout, code, reason)
}

func (c *connMutex) close(timeout time.Duration, code int, reason string) error {
	if c == nil || c.Conn == nil {
		WSDebug("Conn: Close is called on already closed connection")
		return ErrWebsocketClosed
	}

	WSDebug("Conn: Close is called; shutting down the Websocket connection.")

	if code != CloseCodeNone {
		// Have a deadline before closing.
		deadline := time.Now().Add(timeout)

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		select {
		case c.wrmut <- struct{}{}:
			// Lock acquired. We can now safely set the deadline and write.
			c.SetWriteDeadline(deadline)

			WSDebug("Conn: sending close frame, code", code)

			if err := c.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
			); err != nil {
				WSError(err)
			}

			// Release the lock.
			<-c.wrmut

		case <-ctx.Done():
			// We couldn't acquire the lock. Resort to just closing the
			// connection directly.
		}
	}

	// Close the WS.
	err := c.Conn.Close()

	if err != nil {
		WSDebug("Conn: Websocket closed; error:", err)
	} else {
		WSDebug("Conn: Websocket closed successfully")
	}

	c.Conn = nil

	return err
}

// resetDeadline is used to reset the write deadline after using the
// context's.
var resetDeadline = time.Time{}

// Send implements Connection.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil || conn.Conn == nil {
		return ErrWebsocketClosed
	}

	select {
	case conn.wrmut <- struct{}{}:
		defer func() { <-conn.wrmut }()

		if ctx != context.Background() {
			d, ok := ctx.Deadline()
			if ok {
				conn.SetWriteDeadline(d)
				defer conn.SetWriteDeadline(resetDeadline)
			}
		}

		return conn.WriteMessage(websocket.TextMessage, b)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readLoop(conn *websocket.Conn, evCh chan<- Event) {
	// Clean up the events channel in the end.
	defer close(evCh)

	for {
		t, b, err := conn.ReadMessage()
		if err != nil {
			WSDebug("Conn: fatal Conn error:", err)

			closeEv := &CloseEvent{
				Err:  err,
				Code: CloseCodeNone,
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeEv.Code = closeErr.Code
				closeEv.Err = fmt.Errorf("%d %s", closeErr.Code, closeErr.Text)
			}

			evCh <- closeEv
			return
		}

		if t != websocket.TextMessage {
			evCh <- &BackgroundErrorEvent{
				Err: fmt.Errorf("unexpected non-text message type %d", t),
			}
			continue
		}

		frame, err := DecodeFrame(b)
		if err != nil {
			evCh <- &BackgroundErrorEvent{Err: err}
			continue
		}

		evCh <- frame
	}
}
