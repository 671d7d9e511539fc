package push

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/queue"
)

const testToken = "push-test-token"

type fakeQueue struct {
	mu      sync.Mutex
	msgs    []*backend.InboundMessage
	err     error
	entered chan struct{}
	release chan struct{}
}

func (q *fakeQueue) Enqueue(msg *backend.InboundMessage) error {
	if q.entered != nil {
		q.entered <- struct{}{}
	}
	if q.release != nil {
		<-q.release
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return q.err
	}

	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) all() []*backend.InboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*backend.InboundMessage(nil), q.msgs...)
}

func newTestServer(t *testing.T, mutate func(*Options)) (*fakeQueue, *httptest.Server) {
	t.Helper()

	q := &fakeQueue{}
	opts := Options{
		Path:                  "/relay/messages",
		Token:                 testToken,
		RateLimitPerSec:       100,
		MaxConcurrentRequests: 8,
		Queue:                 q,
		Log:                   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	ts := httptest.NewServer(New(opts).Handler())
	t.Cleanup(ts.Close)

	return q, ts
}

func validBody() string {
	return `{
		"messageId": "msg-1",
		"sentAtMs": 1700000000000,
		"input": {"kind": "chat", "sessionKey": "agent:main:tests", "messageText": "hello"}
	}`
}

func doPush(t *testing.T, ts *httptest.Server, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest("POST", ts.URL+"/relay/messages", strings.NewReader(body))
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestPushAccepted(t *testing.T) {
	q, ts := newTestServer(t, nil)

	resp := doPush(t, ts, testToken, validBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body acceptedBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Accepted)
	assert.Equal(t, "msg-1", body.MessageID)

	msgs := q.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].MessageID)
	assert.Equal(t, backend.InputChat, msgs[0].Input.Kind)
	assert.Equal(t, "hello", msgs[0].Input.Chat.Message)
}

func TestPushNotFound(t *testing.T) {
	q, ts := newTestServer(t, nil)

	// Wrong path.
	req, err := http.NewRequest("POST", ts.URL+"/other", strings.NewReader(validBody()))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decodeError(t, resp).Code)

	// Right path, wrong method.
	resp2, err := ts.Client().Get(ts.URL + "/relay/messages")
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Equal(t, CodeNotFound, decodeError(t, resp2).Code)

	assert.Empty(t, q.all())
}

func TestPushUnauthorized(t *testing.T) {
	q, ts := newTestServer(t, nil)

	for name, token := range map[string]string{
		"missing": "",
		"wrong":   "not-the-token",
	} {
		resp := doPush(t, ts, token, validBody())
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		assert.Equal(t, CodeUnauthorized, decodeError(t, resp).Code, name)
	}

	assert.Empty(t, q.all())
}

func TestPushRateLimited(t *testing.T) {
	_, ts := newTestServer(t, func(o *Options) {
		o.RateLimitPerSec = 1
	})

	resp := doPush(t, ts, testToken, validBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := doPush(t, ts, testToken, validBody())
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
	assert.Equal(t, CodeRateLimited, decodeError(t, resp2).Code)
}

func TestPushBusy(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	_, ts := newTestServer(t, func(o *Options) {
		o.MaxConcurrentRequests = 1
		o.Queue = &fakeQueue{entered: entered, release: release}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)

		req, err := http.NewRequest("POST", ts.URL+"/relay/messages", strings.NewReader(validBody()))
		if err != nil {
			t.Error("building request:", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+testToken)

		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Error("first push:", err)
			return
		}
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}()

	// Wait for the first request to hold the only concurrency slot.
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the queue")
	}

	resp := doPush(t, ts, testToken, validBody())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeBusy, decodeError(t, resp).Code)

	close(release)
	<-done
}

func TestPushValidation(t *testing.T) {
	q, ts := newTestServer(t, nil)

	t.Run("malformed JSON", func(t *testing.T) {
		resp := doPush(t, ts, testToken, "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeValidation, decodeError(t, resp).Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		resp := doPush(t, ts, testToken, `{"input": {"kind": "chat", "sessionKey": ""}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeError(t, resp)
		assert.Equal(t, CodeValidation, body.Code)

		details, ok := body.Details.(map[string]interface{})
		require.True(t, ok, "details should be an object")
		fields, ok := details["fields"].([]interface{})
		require.True(t, ok, "details.fields should be a list")
		assert.NotEmpty(t, fields)

		var names []string
		for _, f := range fields {
			m := f.(map[string]interface{})
			names = append(names, m["field"].(string))
		}
		assert.Contains(t, names, "messageId")
		assert.Contains(t, names, "input.sessionKey")
	})

	assert.Empty(t, q.all())
}

func TestPushQueueFull(t *testing.T) {
	_, ts := newTestServer(t, func(o *Options) {
		o.Queue = &fakeQueue{err: &queue.FullError{MaxQueue: 7}}
	})

	resp := doPush(t, ts, testToken, validBody())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, CodeQueueFull, body.Code)

	details, ok := body.Details.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 7, details["maxQueue"])
}

func TestPushShuttingDown(t *testing.T) {
	_, ts := newTestServer(t, func(o *Options) {
		o.Queue = &fakeQueue{err: &queue.ClosedError{}}
	})

	resp := doPush(t, ts, testToken, validBody())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeShuttingDown, decodeError(t, resp).Code)
}

func TestPushBodyTooLarge(t *testing.T) {
	q, ts := newTestServer(t, nil)

	// Valid JSON prefix so the decoder keeps reading past the cap instead of
	// bailing on a syntax error first.
	var b bytes.Buffer
	b.WriteString(`{"messageId":"`)
	b.Write(bytes.Repeat([]byte("a"), maxBodyBytes+1024))

	req, err := http.NewRequest("POST", ts.URL+"/relay/messages", &b)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected a destroyed connection, got HTTP %d", resp.StatusCode)
	}

	assert.Empty(t, q.all())
}

func TestPushHealthEndpoints(t *testing.T) {
	var (
		mu     sync.Mutex
		health = Health{OK: true, Ready: true}
	)
	set := func(h Health) {
		mu.Lock()
		health = h
		mu.Unlock()
	}

	health.Details = map[string]interface{}{
		"gateway": map[string]interface{}{"connected": true},
		"queue":   map[string]interface{}{"queued": 0, "inFlight": 0},
	}

	_, ts := newTestServer(t, func(o *Options) {
		o.Health = func() Health {
			mu.Lock()
			defer mu.Unlock()
			return health
		}
	})

	get := func(path string) int {
		resp, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	var body healthBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.OK)
	assert.True(t, body.Ready)
	assert.Contains(t, body.Details, "gateway")
	assert.Contains(t, body.Details, "queue")

	assert.Equal(t, http.StatusOK, get("/ready"))

	// Alive but not accepting work: health stays up, ready flips.
	set(Health{OK: true, Ready: false})
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	set(Health{OK: false, Ready: false})
	assert.Equal(t, http.StatusServiceUnavailable, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
}

func TestPushHealthNeedsNoAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
