package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/gateway"
	"github.com/openclaw/relay/internal/flowlog"
	"github.com/openclaw/relay/runner"
	"github.com/openclaw/relay/utils/json"
)

// taskRunner is the slice of *runner.Runner the processor uses.
type taskRunner interface {
	RunChatTask(ctx context.Context, task runner.ChatTask) (runner.Result, runner.Meta)
	StartNewSessionForAll(ctx context.Context) (rotated, failed int, err error)
}

// helloSource is the slice of *gateway.Client the handshake probe uses.
type helloSource interface {
	Ready() bool
	LastHello() (gateway.Hello, bool)
}

// resultSubmitter is the slice of *backend.Client the callback uses.
type resultSubmitter interface {
	SubmitResult(ctx context.Context, res *backend.MessageResult) error
}

// processor turns one dequeued message into exactly one backend callback.
// It is the queue's Process function.
type processor struct {
	runner  taskRunner
	gateway helloSource
	backend resultSubmitter

	instanceID  string
	taskTimeout time.Duration

	flow *flowlog.Logger
	log  *slog.Logger
}

// process handles one message end to end. A panic anywhere in the task
// becomes an internal-error callback rather than a dead worker.
func (p *processor) process(ctx context.Context, msg *backend.InboundMessage) {
	relayMessageID := uuid.New().String()

	p.flow.Record(flowlog.StageProcessing, map[string]interface{}{
		"messageId":      msg.MessageID,
		"relayMessageId": relayMessageID,
		"kind":           msg.Input.Kind,
	})

	res, meta := p.dispatch(ctx, msg)

	// A run id means the message made it onto the gateway, whatever the
	// outcome was.
	if meta.RunID != "" {
		p.flow.Record(flowlog.StageGatewaySend, map[string]interface{}{
			"messageId":      msg.MessageID,
			"relayMessageId": relayMessageID,
			"runId":          meta.RunID,
		})
	}

	p.callback(msg, relayMessageID, res, meta)
}

func (p *processor) dispatch(ctx context.Context, msg *backend.InboundMessage) (res runner.Result, meta runner.Meta) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}

		p.log.Error("message processing panicked",
			"messageId", msg.MessageID,
			"panic", v,
			"stack", string(debug.Stack()))

		res = runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeInternal,
				Message: fmt.Sprint("processing panicked: ", v),
			},
		}
		meta = runner.Meta{}
	}()

	switch msg.Input.Kind {
	case backend.InputChat:
		chat := msg.Input.Chat
		return p.runner.RunChatTask(ctx, runner.ChatTask{
			BackendMessageID: msg.MessageID,
			SessionKey:       chat.SessionKey,
			Message:          chat.Message,
			Media:            chat.Media,
			Timeout:          p.taskTimeout,
		})

	case backend.InputHandshake:
		return p.handshakeProbe(msg.Input.Handshake), runner.Meta{}

	case backend.InputSessionNew:
		return p.rotateSessions(ctx), runner.Meta{}

	default:
		// Validation should have caught this; a pulled message can still
		// carry a kind this relay build does not know.
		return runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeInternal,
				Message: fmt.Sprintf("unsupported input kind %q", msg.Input.Kind),
			},
		}, runner.Meta{}
	}
}

// handshakeProbe answers a backend connectivity check from the cached hello,
// without a gateway round trip.
func (p *processor) handshakeProbe(in *backend.HandshakeInput) runner.Result {
	hello, ok := p.gateway.LastHello()
	if !ok || !p.gateway.Ready() {
		return runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeGatewayError,
				Message: "gateway is not connected",
			},
		}
	}

	var nonce string
	if in != nil {
		nonce = in.Nonce
	}

	body, err := json.Marshal(map[string]interface{}{
		"nonce":     nonce,
		"helloType": "hello-ok",
		"protocol":  hello.Protocol,
		"policy":    hello.Policy,
		"features": map[string]int{
			"methodsCount": len(hello.Features.Methods),
			"eventsCount":  len(hello.Features.Events),
		},
		"auth": hello.Auth,
	})
	if err != nil {
		return runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeInternal,
				Message: "cannot encode handshake reply: " + err.Error(),
			},
		}
	}

	return runner.Result{
		Outcome: backend.OutcomeReply,
		Reply:   &backend.Reply{Message: json.Raw(body)},
	}
}

// rotateSessions runs /new across every known session and reports the tally.
func (p *processor) rotateSessions(ctx context.Context) runner.Result {
	rotated, failed, err := p.runner.StartNewSessionForAll(ctx)
	if err != nil {
		return runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeGatewayError,
				Message: "session rotation failed: " + err.Error(),
			},
		}
	}

	body, err := json.Marshal(map[string]int{
		"rotated": rotated,
		"failed":  failed,
	})
	if err != nil {
		return runner.Result{
			Outcome: backend.OutcomeError,
			Error: &backend.ResultError{
				Code:    backend.ErrCodeInternal,
				Message: "cannot encode rotation reply: " + err.Error(),
			},
		}
	}

	return runner.Result{
		Outcome: backend.OutcomeReply,
		Reply:   &backend.Reply{Message: json.Raw(body)},
	}
}

// callback posts the one and only result for msg. The context is fresh: a
// task that ran out its deadline still owes the backend an outcome.
func (p *processor) callback(msg *backend.InboundMessage, relayMessageID string, res runner.Result, meta runner.Meta) {
	result := &backend.MessageResult{
		RelayInstanceID: p.instanceID,
		RelayMessageID:  relayMessageID,
		FinishedAtMS:    time.Now().UnixMilli(),
		Outcome:         res.Outcome,
		Reply:           res.Reply,
		NoReply:         res.NoReply,
		Error:           res.Error,
		OpenClawMeta:    p.openclawMeta(msg, relayMessageID, meta),
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := p.backend.SubmitResult(ctx, result); err != nil {
		p.log.Error("result callback failed, dropping result",
			"messageId", msg.MessageID,
			"relayMessageId", relayMessageID,
			"outcome", res.Outcome,
			"err", err)
		p.flow.Record(flowlog.StageDropped, map[string]interface{}{
			"messageId":      msg.MessageID,
			"relayMessageId": relayMessageID,
			"reason":         "callback",
			"error":          err.Error(),
		})
		return
	}

	p.flow.Record(flowlog.StageCallback, map[string]interface{}{
		"messageId":      msg.MessageID,
		"relayMessageId": relayMessageID,
		"outcome":        res.Outcome,
	})
}

// openclawMeta builds the callback's meta block: the opaque context the
// backend attached to the chat input, plus the relay's own trace and usage
// accounting.
func (p *processor) openclawMeta(msg *backend.InboundMessage, relayMessageID string, meta runner.Meta) map[string]interface{} {
	out := make(map[string]interface{})

	if msg.Input.Kind == backend.InputChat && msg.Input.Chat != nil && len(msg.Input.Chat.OpenClawMeta) > 0 {
		// Best effort: non-object meta is dropped rather than failing the
		// callback.
		if err := json.Unmarshal(msg.Input.Chat.OpenClawMeta, &out); err != nil {
			out = make(map[string]interface{})
		}
	}

	trace := map[string]interface{}{
		"backendMessageId": msg.MessageID,
		"relayMessageId":   relayMessageID,
		"relayInstanceId":  p.instanceID,
	}
	if meta.RunID != "" {
		trace["openclawRunId"] = meta.RunID
	}
	out["trace"] = trace

	if meta.Attempts > 0 {
		out["attempts"] = meta.Attempts
	}
	if len(meta.UsageIncoming) > 0 {
		out["usageIncoming"] = meta.UsageIncoming
	}
	if len(meta.UsageOutgoing) > 0 {
		out["usageOutgoing"] = meta.UsageOutgoing
	}
	if meta.Usage != nil {
		out["usage"] = meta.Usage
	}

	return out
}
