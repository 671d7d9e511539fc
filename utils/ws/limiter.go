package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst determines the number of gateway frames that can be sent all at
// once before being throttled.
var SendBurst = 10

// NewSendLimiter returns a rate limiter for throttling outgoing gateway
// frames. The gateway is local, so the ceiling is generous; it exists to
// keep a misbehaving retry loop from flooding the socket.
func NewSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(50*time.Millisecond), SendBurst)
}

// NewDialLimiter returns a rate limiter for throttling new gateway
// connections. Reconnect backoff does the real pacing; this is a floor.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 1)
}
