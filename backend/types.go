// Package backend holds the message contract shared with the application
// backend and the HTTP client that reports task results to it.
package backend

import (
	"fmt"

	"github.com/openclaw/relay/utils/json"
)

// Input kinds accepted from the backend.
const (
	InputChat       = "chat"
	InputHandshake  = "handshake"
	InputSessionNew = "session_new"
)

// Media kinds accepted on chat inputs.
const (
	MediaAudio = "audio"
	MediaFile  = "file"
)

// Error codes reported in callbacks.
const (
	ErrCodeInternal       = "RELAY_INTERNAL_ERROR"
	ErrCodeGatewayTimeout = "GATEWAY_TIMEOUT"
	ErrCodeGatewayError   = "GATEWAY_ERROR"
	ErrCodeAborted        = "ABORTED"
	ErrCodeNoRunID        = "NO_RUN_ID"
	ErrCodeUsageRequired  = "USAGE_REQUIRED"
)

// InboundMessage is one unit of work pushed (or pulled) from the backend.
type InboundMessage struct {
	// MessageID is the backend's id for this message. It doubles as the
	// idempotency key for gateway sends, so retries never fork a run.
	MessageID string `json:"messageId"`

	// SentAtMS is when the backend emitted the message, for latency
	// accounting.
	SentAtMS int64 `json:"sentAtMs,omitempty"`

	Input TaskInput `json:"input"`

	// Meta is carried through untouched.
	Meta json.Raw `json:"meta,omitempty"`
}

// TaskInput is a tagged union over the task kinds.
type TaskInput struct {
	Kind string

	Chat       *ChatInput
	Handshake  *HandshakeInput
	SessionNew *SessionNewInput
}

// ChatInput asks the relay to run one chat turn.
type ChatInput struct {
	Kind       string       `json:"kind"`
	SessionKey string       `json:"sessionKey"`
	Message    string       `json:"messageText"`
	Media      []InputMedia `json:"media,omitempty"`

	// OpenClawMeta is opaque backend context echoed back in the callback.
	OpenClawMeta json.Raw `json:"openclawMeta,omitempty"`
}

// InputMedia is one attachment on a chat input.
type InputMedia struct {
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	// Data is base64.
	Data string `json:"data"`
}

// HandshakeInput probes the gateway connection.
type HandshakeInput struct {
	Kind  string `json:"kind"`
	Nonce string `json:"nonce,omitempty"`
}

// SessionNewInput rotates every known gateway session.
type SessionNewInput struct {
	Kind string `json:"kind"`
}

func (in *TaskInput) UnmarshalJSON(b []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}

	in.Kind = head.Kind
	in.Chat, in.Handshake, in.SessionNew = nil, nil, nil

	switch head.Kind {
	case InputChat:
		in.Chat = new(ChatInput)
		return json.Unmarshal(b, in.Chat)
	case InputHandshake:
		in.Handshake = new(HandshakeInput)
		return json.Unmarshal(b, in.Handshake)
	case InputSessionNew:
		in.SessionNew = new(SessionNewInput)
		return json.Unmarshal(b, in.SessionNew)
	default:
		// Unknown kinds survive decoding; Validate reports them.
		return nil
	}
}

func (in TaskInput) MarshalJSON() ([]byte, error) {
	switch in.Kind {
	case InputChat:
		if in.Chat != nil {
			chat := *in.Chat
			chat.Kind = InputChat
			return json.Marshal(chat)
		}
	case InputHandshake:
		if in.Handshake != nil {
			hs := *in.Handshake
			hs.Kind = InputHandshake
			return json.Marshal(hs)
		}
	case InputSessionNew:
		return json.Marshal(SessionNewInput{Kind: InputSessionNew})
	}
	return json.Marshal(struct {
		Kind string `json:"kind"`
	}{in.Kind})
}

// FieldError names a rejected field for push validation replies.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Problem
}

// Validate checks the message shape and returns one entry per problem.
func (m *InboundMessage) Validate() []FieldError {
	var errs []FieldError

	if m.MessageID == "" {
		errs = append(errs, FieldError{"messageId", "required"})
	}

	switch m.Input.Kind {
	case "":
		errs = append(errs, FieldError{"input.kind", "required"})

	case InputChat:
		chat := m.Input.Chat
		if chat == nil {
			errs = append(errs, FieldError{"input", "chat input missing"})
			break
		}
		if chat.SessionKey == "" {
			errs = append(errs, FieldError{"input.sessionKey", "required"})
		}
		if chat.Message == "" && len(chat.Media) == 0 {
			errs = append(errs, FieldError{"input.messageText", "message or media required"})
		}
		for i, media := range chat.Media {
			field := fmt.Sprintf("input.media[%d]", i)
			switch media.Kind {
			case MediaAudio, MediaFile:
			default:
				errs = append(errs, FieldError{field + ".kind", fmt.Sprintf("unknown kind %q", media.Kind)})
			}
			if media.Data == "" {
				errs = append(errs, FieldError{field + ".data", "required"})
			}
		}

	case InputHandshake, InputSessionNew:
		// No further shape.

	default:
		errs = append(errs, FieldError{"input.kind", fmt.Sprintf("unknown kind %q", m.Input.Kind)})
	}

	return errs
}

// Outcome is the terminal disposition of a message.
type Outcome string

const (
	OutcomeReply   Outcome = "reply"
	OutcomeNoReply Outcome = "no_reply"
	OutcomeError   Outcome = "error"
)

// MessageResult is the callback body posted to the backend, exactly one per
// accepted message.
type MessageResult struct {
	RelayInstanceID string  `json:"relayInstanceId"`
	RelayMessageID  string  `json:"relayMessageId"`
	FinishedAtMS    int64   `json:"finishedAtMs"`
	Outcome         Outcome `json:"outcome"`

	Reply   *Reply       `json:"reply,omitempty"`
	NoReply *NoReply     `json:"noReply,omitempty"`
	Error   *ResultError `json:"error,omitempty"`

	OpenClawMeta map[string]interface{} `json:"openclawMeta,omitempty"`
}

// Reply carries the agent's answer.
type Reply struct {
	RunID   string        `json:"runId,omitempty"`
	Message json.Raw      `json:"message"`
	Media   []OutputMedia `json:"media,omitempty"`
}

// OutputMedia is one attachment scraped from the agent's reply.
type OutputMedia struct {
	ContentType string `json:"contentType"`
	Name        string `json:"name,omitempty"`
	// Data is base64.
	Data string `json:"data"`
}

// NoReply reports a turn that finished without an answer.
type NoReply struct {
	Reason string `json:"reason,omitempty"`
}

// ResultError reports a failed turn.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"runId,omitempty"`
}

// Usage is the canonical per-message token consumption derived from the
// before/after snapshots.
type Usage struct {
	InputTokens     int64  `json:"inputTokens"`
	OutputTokens    int64  `json:"outputTokens"`
	CacheReadTokens int64  `json:"cacheReadTokens"`
	TotalTokens     int64  `json:"totalTokens"`
	Model           string `json:"model,omitempty"`
}
