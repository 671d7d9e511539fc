package ws

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/utils/json"
)

// FrameType is the discriminator of a gateway frame.
type FrameType string

const (
	// FrameRequest is a client-initiated request carrying an id and method.
	FrameRequest FrameType = "req"
	// FrameResponse is the reply to a request, correlated by id.
	FrameResponse FrameType = "res"
	// FrameEvent is a server push carrying an event name and payload.
	FrameEvent FrameType = "event"
)

// Frame is the single JSON envelope exchanged with the gateway. Which fields
// are meaningful depends on Type; payloads stay json.Raw until the consumer
// knows their shape.
type Frame struct {
	Type FrameType `json:"type"`

	// Request and response fields.
	ID     string   `json:"id,omitempty"`
	Method string   `json:"method,omitempty"`
	Params json.Raw `json:"params,omitempty"`

	// Response fields.
	OK    *bool       `json:"ok,omitempty"`
	Error *FrameError `json:"error,omitempty"`

	// Event fields. Payload is shared with responses.
	Event   string   `json:"event,omitempty"`
	Payload json.Raw `json:"payload,omitempty"`
	Seq     *int64   `json:"seq,omitempty"`
}

func (f Frame) isEvent() {}

// Ok reports whether f is a response frame with ok set to true.
func (f Frame) Ok() bool {
	return f.Type == FrameResponse && f.OK != nil && *f.OK
}

// FrameError is the error half of a response frame.
type FrameError struct {
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
	Retryable    *bool  `json:"retryable,omitempty"`
	RetryAfterMS *int64 `json:"retryAfterMs,omitempty"`
}

// frameErrorJSON mirrors FrameError with a raw code so that both string and
// numeric codes decode.
type frameErrorJSON struct {
	Code         json.Raw `json:"code,omitempty"`
	Message      string   `json:"message"`
	Retryable    *bool    `json:"retryable,omitempty"`
	RetryAfterMS *int64   `json:"retryAfterMs,omitempty"`
}

func (e *FrameError) UnmarshalJSON(b []byte) error {
	var raw frameErrorJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	e.Message = raw.Message
	e.Retryable = raw.Retryable
	e.RetryAfterMS = raw.RetryAfterMS

	if len(raw.Code) > 0 {
		var s string
		if err := json.Unmarshal(raw.Code, &s); err == nil {
			e.Code = s
		} else {
			e.Code = string(raw.Code)
		}
	}

	return nil
}

func (e *FrameError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Event is a value read off the gateway socket: a decoded Frame, a
// BackgroundErrorEvent for recoverable decoding hiccups, or a terminal
// CloseEvent once the connection dies.
type Event interface {
	isEvent()
}

// CloseEvent is the last event delivered on a connection's event channel. It
// wraps the close error, if any. Code is the websocket close code when one
// was received, and -1 otherwise.
type CloseEvent struct {
	Err  error
	Code int
}

var _ Event = (*CloseEvent)(nil)
var _ error = (*CloseEvent)(nil)

func (e *CloseEvent) isEvent() {}

func (e *CloseEvent) Error() string {
	if e.Err == nil {
		return "websocket closed, code " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *CloseEvent) Unwrap() error { return e.Err }

// BackgroundErrorEvent describes an error that the websocket loop can
// tolerate without dropping the connection, such as an undecodable frame.
type BackgroundErrorEvent struct {
	Err error
}

var _ Event = (*BackgroundErrorEvent)(nil)
var _ error = (*BackgroundErrorEvent)(nil)

func (e *BackgroundErrorEvent) isEvent() {}

func (e *BackgroundErrorEvent) Error() string {
	return "background error: " + e.Err.Error()
}

func (e *BackgroundErrorEvent) Unwrap() error { return e.Err }

// DecodeFrame decodes a single text message into a Frame. The frame type is
// validated; payloads are left raw.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(err, "cannot decode frame")
	}

	switch f.Type {
	case FrameRequest, FrameResponse, FrameEvent:
		return f, nil
	case "":
		return Frame{}, errors.New("frame has no type")
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
}
