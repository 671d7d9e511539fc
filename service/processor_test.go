package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/gateway"
	"github.com/openclaw/relay/queue"
	"github.com/openclaw/relay/runner"
	relayjson "github.com/openclaw/relay/utils/json"
)

type fakeRunner struct {
	result runner.Result
	meta   runner.Meta
	panics bool

	mu    sync.Mutex
	tasks []runner.ChatTask

	rotated, failed int
	rotateErr       error
}

func (f *fakeRunner) RunChatTask(ctx context.Context, task runner.ChatTask) (runner.Result, runner.Meta) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()

	if f.panics {
		panic("boom")
	}
	return f.result, f.meta
}

func (f *fakeRunner) StartNewSessionForAll(ctx context.Context) (int, int, error) {
	return f.rotated, f.failed, f.rotateErr
}

func (f *fakeRunner) all() []runner.ChatTask {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]runner.ChatTask(nil), f.tasks...)
}

type fakeHello struct {
	ready bool
	hello gateway.Hello
	has   bool
}

func (f *fakeHello) Ready() bool                      { return f.ready }
func (f *fakeHello) LastHello() (gateway.Hello, bool) { return f.hello, f.has }

type fakeSubmitter struct {
	mu      sync.Mutex
	results []*backend.MessageResult
	err     error
}

func (f *fakeSubmitter) SubmitResult(ctx context.Context, res *backend.MessageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSubmitter) all() []*backend.MessageResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*backend.MessageResult(nil), f.results...)
}

func newTestProcessor(r *fakeRunner, h *fakeHello, sub *fakeSubmitter) *processor {
	return &processor{
		runner:      r,
		gateway:     h,
		backend:     sub,
		instanceID:  "relay-test-1",
		taskTimeout: 30 * time.Second,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func chatMessage(id string) *backend.InboundMessage {
	return &backend.InboundMessage{
		MessageID: id,
		Input: backend.TaskInput{
			Kind: backend.InputChat,
			Chat: &backend.ChatInput{
				SessionKey:   "agent:main:tests",
				Message:      "hello",
				OpenClawMeta: relayjson.Raw(`{"user":"u-1"}`),
			},
		},
	}
}

func TestProcessChatReply(t *testing.T) {
	r := &fakeRunner{
		result: runner.Result{
			Outcome: backend.OutcomeReply,
			Reply:   &backend.Reply{RunID: "run-1", Message: relayjson.Raw(`"hi"`)},
		},
		meta: runner.Meta{
			RunID:    "run-1",
			Attempts: 2,
			Usage:    &backend.Usage{TotalTokens: 42},
		},
	}
	sub := &fakeSubmitter{}
	p := newTestProcessor(r, &fakeHello{}, sub)

	p.process(context.Background(), chatMessage("msg-1"))

	tasks := r.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, "msg-1", tasks[0].BackendMessageID)
	assert.Equal(t, "agent:main:tests", tasks[0].SessionKey)
	assert.Equal(t, 30*time.Second, tasks[0].Timeout)

	results := sub.all()
	require.Len(t, results, 1)
	res := results[0]

	require.Equalf(t, backend.OutcomeReply, res.Outcome, "unexpected result: %s", spew.Sdump(res))
	assert.Equal(t, "relay-test-1", res.RelayInstanceID)
	assert.NotEmpty(t, res.RelayMessageID)
	assert.NotEqual(t, "msg-1", res.RelayMessageID)
	assert.NotZero(t, res.FinishedAtMS)

	meta := res.OpenClawMeta
	require.NotNil(t, meta)
	assert.Equal(t, "u-1", meta["user"], "chat openclawMeta should pass through")
	assert.EqualValues(t, 2, meta["attempts"])

	trace, ok := meta["trace"].(map[string]interface{})
	require.True(t, ok, "trace should be a map")
	assert.Equal(t, "msg-1", trace["backendMessageId"])
	assert.Equal(t, res.RelayMessageID, trace["relayMessageId"])
	assert.Equal(t, "relay-test-1", trace["relayInstanceId"])
	assert.Equal(t, "run-1", trace["openclawRunId"])

	usage, ok := meta["usage"].(*backend.Usage)
	require.True(t, ok)
	assert.EqualValues(t, 42, usage.TotalTokens)
}

func TestProcessHandshake(t *testing.T) {
	hello := gateway.Hello{
		Protocol: 3,
		Policy:   gateway.HelloPolicy{TickIntervalMS: 15000},
		Features: gateway.HelloFeatures{
			Methods: []string{"connect", "chat.send", "chat.abort", "sessions.usage"},
			Events:  []string{"tick", "chat"},
		},
		Auth: gateway.HelloAuth{Role: "operator", Scopes: []string{"operator.admin"}},
	}

	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{}, &fakeHello{ready: true, hello: hello, has: true}, sub)

	p.process(context.Background(), &backend.InboundMessage{
		MessageID: "msg-hs",
		Input: backend.TaskInput{
			Kind:      backend.InputHandshake,
			Handshake: &backend.HandshakeInput{Nonce: "n-123"},
		},
	})

	results := sub.all()
	require.Len(t, results, 1)
	require.Equal(t, backend.OutcomeReply, results[0].Outcome)
	require.NotNil(t, results[0].Reply)

	var body struct {
		Nonce     string `json:"nonce"`
		HelloType string `json:"helloType"`
		Protocol  int    `json:"protocol"`
		Features  struct {
			MethodsCount int `json:"methodsCount"`
			EventsCount  int `json:"eventsCount"`
		} `json:"features"`
		Auth gateway.HelloAuth `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(results[0].Reply.Message, &body))

	assert.Equal(t, "n-123", body.Nonce)
	assert.Equal(t, "hello-ok", body.HelloType)
	assert.Equal(t, 3, body.Protocol)
	assert.Equal(t, 4, body.Features.MethodsCount)
	assert.Equal(t, 2, body.Features.EventsCount)
	assert.Equal(t, "operator", body.Auth.Role)
}

func TestProcessHandshakeGatewayDown(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{}, &fakeHello{ready: false}, sub)

	p.process(context.Background(), &backend.InboundMessage{
		MessageID: "msg-hs",
		Input:     backend.TaskInput{Kind: backend.InputHandshake},
	})

	results := sub.all()
	require.Len(t, results, 1)
	require.Equal(t, backend.OutcomeError, results[0].Outcome)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, backend.ErrCodeGatewayError, results[0].Error.Code)
}

func TestProcessSessionNew(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{rotated: 3, failed: 1}, &fakeHello{}, sub)

	p.process(context.Background(), &backend.InboundMessage{
		MessageID: "msg-rot",
		Input:     backend.TaskInput{Kind: backend.InputSessionNew},
	})

	results := sub.all()
	require.Len(t, results, 1)
	require.Equal(t, backend.OutcomeReply, results[0].Outcome)

	var body struct {
		Rotated int `json:"rotated"`
		Failed  int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(results[0].Reply.Message, &body))
	assert.Equal(t, 3, body.Rotated)
	assert.Equal(t, 1, body.Failed)
}

func TestProcessSessionNewFailure(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{rotateErr: errors.New("gateway gone")}, &fakeHello{}, sub)

	p.process(context.Background(), &backend.InboundMessage{
		MessageID: "msg-rot",
		Input:     backend.TaskInput{Kind: backend.InputSessionNew},
	})

	results := sub.all()
	require.Len(t, results, 1)
	require.Equal(t, backend.OutcomeError, results[0].Outcome)
	assert.Equal(t, backend.ErrCodeGatewayError, results[0].Error.Code)
	assert.Contains(t, results[0].Error.Message, "gateway gone")
}

func TestProcessUnknownKind(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{}, &fakeHello{}, sub)

	p.process(context.Background(), &backend.InboundMessage{
		MessageID: "msg-odd",
		Input:     backend.TaskInput{Kind: "telepathy"},
	})

	results := sub.all()
	require.Len(t, results, 1)
	require.Equal(t, backend.OutcomeError, results[0].Outcome)
	assert.Equal(t, backend.ErrCodeInternal, results[0].Error.Code)
	assert.Contains(t, results[0].Error.Message, "telepathy")
}

func TestProcessPanicBecomesErrorCallback(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newTestProcessor(&fakeRunner{panics: true}, &fakeHello{}, sub)

	p.process(context.Background(), chatMessage("msg-boom"))

	results := sub.all()
	require.Len(t, results, 1, "a panicking task still owes exactly one callback")
	require.Equal(t, backend.OutcomeError, results[0].Outcome)
	assert.Equal(t, backend.ErrCodeInternal, results[0].Error.Code)
	assert.Contains(t, results[0].Error.Message, "boom")
}

func TestProcessCallbackFailureDropsResult(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("backend down")}
	p := newTestProcessor(&fakeRunner{result: runner.Result{
		Outcome: backend.OutcomeNoReply,
		NoReply: &backend.NoReply{Reason: "empty"},
	}}, &fakeHello{}, sub)

	// Must not panic or retry forever; the drop is terminal.
	p.process(context.Background(), chatMessage("msg-drop"))

	assert.Empty(t, sub.all())
}

func TestReadiness(t *testing.T) {
	accepting := queue.State{Queued: 0, InFlight: 1, Accepting: true}

	tests := []struct {
		name         string
		shuttingDown bool
		gwReady      bool
		qs           queue.State
		maxQueue     int
		want         bool
	}{
		{"all good", false, true, accepting, 10, true},
		{"shutting down", true, true, accepting, 10, false},
		{"gateway down", false, false, accepting, 10, false},
		{"queue closed", false, true, queue.State{Accepting: false}, 10, false},
		{"queue saturated", false, true, queue.State{Queued: 10, Accepting: true}, 10, false},
		{"queue nearly full", false, true, queue.State{Queued: 9, Accepting: true}, 10, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := readiness(tc.shuttingDown, tc.gwReady, tc.qs, tc.maxQueue)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProcessChatMetaUsageSnapshots(t *testing.T) {
	r := &fakeRunner{
		result: runner.Result{
			Outcome: backend.OutcomeReply,
			Reply:   &backend.Reply{Message: relayjson.Raw(`"ok"`)},
		},
		meta: runner.Meta{
			Attempts:      1,
			UsageIncoming: relayjson.Raw(`{"totals":{"totalTokens":10}}`),
			UsageOutgoing: relayjson.Raw(`{"totals":{"totalTokens":15}}`),
		},
	}
	sub := &fakeSubmitter{}
	p := newTestProcessor(r, &fakeHello{}, sub)

	p.process(context.Background(), chatMessage("msg-u"))

	results := sub.all()
	require.Len(t, results, 1)

	meta := results[0].OpenClawMeta
	require.Contains(t, meta, "usageIncoming")
	require.Contains(t, meta, "usageOutgoing")

	// The snapshots must survive the callback encoding as raw JSON, not as
	// base64ed bytes.
	encoded, err := json.Marshal(meta)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(encoded), `"usageIncoming":{"totals"`),
		"snapshot should embed as JSON: %s", encoded)
}
