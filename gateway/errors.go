package gateway

import (
	"fmt"
	"strconv"
	"time"

	"github.com/openclaw/relay/utils/ws"
)

// Error is a gateway-reported request failure: a response frame with ok set
// to false.
type Error struct {
	Method       string
	Code         string
	Message      string
	Retryable    *bool
	RetryAfterMS int64
}

func newError(method string, fe *ws.FrameError) *Error {
	e := &Error{
		Method:  method,
		Code:    "UNKNOWN",
		Message: "gateway rejected the request",
	}
	if fe != nil {
		if fe.Code != "" {
			e.Code = fe.Code
		}
		if fe.Message != "" {
			e.Message = fe.Message
		}
		e.Retryable = fe.Retryable
		if fe.RetryAfterMS != nil {
			e.RetryAfterMS = *fe.RetryAfterMS
		}
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %s", e.Method, e.Code, e.Message)
}

// NumericCode returns the error code as an int, or 0 when it isn't numeric.
func (e *Error) NumericCode() int {
	n, err := strconv.Atoi(e.Code)
	if err != nil {
		return 0
	}
	return n
}

// TimeoutError is returned when a request outlives its wait budget without
// a response frame arriving.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway %s: no response within %s", e.Method, e.Timeout)
}

// ClosedError rejects requests issued against a closed connection, and
// resolves the ones in flight when the connection drops.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Code != 0 && e.Code != ws.CloseCodeNone {
		return fmt.Sprintf("gateway connection closed (%d): %s", e.Code, e.Reason)
	}
	return "gateway connection closed: " + e.Reason
}
