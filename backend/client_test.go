package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/relay/breaker"
	"github.com/openclaw/relay/utils/json"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:    srv.URL,
		Token:      "backend-token",
		InstanceID: "relay-test",
	})
	require.NoError(t, err)

	return c, srv
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "not a url"})
	require.Error(t, err)

	_, err = NewClient(Options{BaseURL: "ftp://x"})
	require.Error(t, err)
}

func TestSubmitResult(t *testing.T) {
	var got MessageResult
	var auth string

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/relays/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.DecodeStream(r.Body, &got))
		w.WriteHeader(http.StatusOK)
	})

	err := c.SubmitResult(context.Background(), &MessageResult{
		RelayMessageID: "r-1",
		Outcome:        OutcomeNoReply,
		NoReply:        &NoReply{Reason: "aborted"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer backend-token", auth)
	assert.Equal(t, "relay-test", got.RelayInstanceID, "instance id is stamped on")
	assert.Equal(t, OutcomeNoReply, got.Outcome)
}

func TestSubmitResultRetriesTransient(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "backend hiccup", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.SubmitResult(context.Background(), &MessageResult{
		RelayMessageID: "r-2",
		Outcome:        OutcomeReply,
		Reply:          &Reply{Message: json.Raw(`{"text":"hi"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubmitResultDoesNotRetryPermanent(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	})

	err := c.SubmitResult(context.Background(), &MessageResult{RelayMessageID: "r-3"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestPullPending(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/relays/messages/pending", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"messages":[{"messageId":"m-1","input":{"kind":"session_new"}}]}`))
	})

	msgs, err := c.PullPending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].MessageID)
	assert.Equal(t, InputSessionNew, msgs[0].Input.Kind)
}

func TestPullBreakerOpensIndependently(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	ctx := context.Background()

	// Five consecutive pull failures trip the pull breaker.
	for i := 0; i < 5; i++ {
		_, err := c.PullPending(ctx, 1)
		var se *StatusError
		require.ErrorAs(t, err, &se, "call %d should reach the backend", i)
	}

	_, err := c.PullPending(ctx, 1)
	var open *breaker.OpenError
	require.ErrorAs(t, err, &open, "sixth pull should fail fast")

	// The submit breaker is untouched by pull failures.
	require.NoError(t, c.submit.Allow())
}
