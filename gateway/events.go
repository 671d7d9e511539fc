package gateway

import (
	"github.com/pkg/errors"

	"github.com/openclaw/relay/utils/json"
)

// Gateway event names.
const (
	EventTick      = "tick"
	EventChallenge = "connect.challenge"
	EventChat      = "chat"
	EventAgent     = "agent"
)

// Hello is the gateway's accepted-connect payload. The client keeps the most
// recent one for the lifetime of the connection.
type Hello struct {
	Protocol int           `json:"protocol"`
	Policy   HelloPolicy   `json:"policy"`
	Features HelloFeatures `json:"features"`
	Auth     HelloAuth     `json:"auth"`
}

// HelloPolicy carries the connection policy. TickIntervalMS drives the
// liveness watchdog and must be positive.
type HelloPolicy struct {
	TickIntervalMS int64 `json:"tickIntervalMs"`
}

// HelloFeatures lists what the connected gateway can do.
type HelloFeatures struct {
	Methods []string `json:"methods,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// HelloAuth reports the role and scopes the gateway actually granted, which
// may be narrower than what connect asked for.
type HelloAuth struct {
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// ChallengeEvent is the nonce the gateway may offer before connect. Clients
// with a device identity sign it into the connect request.
type ChallengeEvent struct {
	Nonce string `json:"nonce"`
}

// TickEvent is the payload of the periodic liveness event. Gateways may
// attach a timestamp; the client only cares that the event arrived.
type TickEvent struct {
	TS int64 `json:"ts,omitempty"`
}

// Chat event states. A run emits any number of delta events followed by
// exactly one terminal event.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// ChatEvent is one increment of an agent run. Seq comes from the frame
// envelope when present, else from the payload.
type ChatEvent struct {
	RunID        string   `json:"runId"`
	SessionKey   string   `json:"sessionKey,omitempty"`
	Seq          int64    `json:"seq,omitempty"`
	State        string   `json:"state"`
	Message      json.Raw `json:"message,omitempty"`
	Usage        json.Raw `json:"usage,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	StopReason   string   `json:"stopReason,omitempty"`
}

// Terminal reports whether this event ends its run.
func (ev *ChatEvent) Terminal() bool {
	switch ev.State {
	case ChatStateFinal, ChatStateError, ChatStateAborted:
		return true
	}
	return false
}

// UsageSnapshot is the result of a sessions.usage request: the raw payload
// plus the parsed totals and per-model aggregates.
type UsageSnapshot struct {
	Raw     json.Raw
	Totals  map[string]int64
	ByModel []ModelUsage
}

// ModelUsage is one entry of the usage aggregates, keyed by provider and
// model.
type ModelUsage struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func parseUsage(raw json.Raw) (*UsageSnapshot, error) {
	var body struct {
		Totals     map[string]int64 `json:"totals"`
		Aggregates struct {
			ByModel []ModelUsage `json:"byModel"`
		} `json:"aggregates"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "cannot parse usage payload")
	}
	return &UsageSnapshot{
		Raw:     raw,
		Totals:  body.Totals,
		ByModel: body.Aggregates.ByModel,
	}, nil
}
