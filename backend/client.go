package backend

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/breaker"
	"github.com/openclaw/relay/retry"
	"github.com/openclaw/relay/utils/json"
)

const messagesPath = "/api/v1/relays/messages"

// submitSchedule paces result callback retries.
var submitSchedule = retry.Schedule{
	Delays: []time.Duration{250 * time.Millisecond, time.Second, 3 * time.Second, 10 * time.Second, 30 * time.Second},
	Jitter: 250 * time.Millisecond,
}

const submitAttempts = 5

// StatusError is a non-2xx backend reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend replied %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status indicates a transient condition.
func (e *StatusError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root; required.
	BaseURL string
	// Token is the bearer token for callbacks.
	Token string
	// InstanceID stamps every result with the relay identity.
	InstanceID string

	// HTTPClient overrides the default 30s-timeout client.
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Client reports message results to the backend and optionally pulls pending
// messages from it. Write and read paths fail independently: each sits
// behind its own circuit breaker so a broken callback endpoint does not
// block polling, and vice versa.
type Client struct {
	base       string
	token      string
	instanceID string
	hc         *http.Client
	log        *slog.Logger

	submit *breaker.Breaker
	pull   *breaker.Breaker
}

// NewClient validates the base URL and builds a Client.
func NewClient(o Options) (*Client, error) {
	u, err := url.Parse(o.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Errorf("invalid backend base URL %q", o.BaseURL)
	}

	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "backend")

	onChange := func(name string, from, to breaker.State) {
		log.Warn("circuit state changed",
			"circuit", name, "from", from.String(), "to", to.String())
	}

	return &Client{
		base:       strings.TrimRight(o.BaseURL, "/"),
		token:      o.Token,
		instanceID: o.InstanceID,
		hc:         hc,
		log:        log,
		submit:     breaker.New(breaker.Config{Name: "backend-submit", OnStateChange: onChange}),
		pull:       breaker.New(breaker.Config{Name: "backend-pull", OnStateChange: onChange}),
	}, nil
}

// SubmitResult posts one message result, retrying transient failures through
// the submit breaker. The breaker's fail-fast rejections are themselves
// retried on the schedule, so a half-open probe can succeed mid-loop.
func (c *Client) SubmitResult(ctx context.Context, res *MessageResult) error {
	if res.RelayInstanceID == "" {
		res.RelayInstanceID = c.instanceID
	}

	body, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "cannot encode message result")
	}

	cfg := retry.Config{
		Attempts:    submitAttempts,
		Schedule:    submitSchedule,
		ShouldRetry: func(err error, _ int) bool { return retryableSubmit(err) },
		OnRetry: func(err error, attempt int, delay time.Duration) {
			c.log.Warn("result callback failed, retrying",
				"relayMessageId", res.RelayMessageID,
				"attempt", attempt+1,
				"delay", delay.String(),
				"err", err)
		},
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return c.submit.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, messagesPath, body)
		})
	})
}

// PullPending fetches up to limit queued messages from the backend. The
// read path runs behind its own breaker.
func (c *Client) PullPending(ctx context.Context, limit int) ([]InboundMessage, error) {
	if limit < 1 {
		limit = 1
	}

	var out struct {
		Messages []InboundMessage `json:"messages"`
	}

	err := c.pull.Do(ctx, func(ctx context.Context) error {
		u := c.base + messagesPath + "/pending?limit=" + strconv.Itoa(limit)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrap(err, "cannot build pull request")
		}
		c.auth(req)

		resp, err := c.hc.Do(req)
		if err != nil {
			return errors.Wrap(err, "pull request failed")
		}
		defer drain(resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Status: resp.StatusCode, Body: peek(resp.Body)}
		}

		return errors.Wrap(json.DecodeStream(resp.Body, &out), "cannot decode pending messages")
	})
	if err != nil {
		return nil, err
	}

	return out.Messages, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "cannot build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "callback request failed")
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: peek(resp.Body)}
	}

	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// retryableSubmit treats network errors, 5xx, 429 and breaker rejections as
// transient. Anything else (e.g. a 400) is permanent.
func retryableSubmit(err error) bool {
	var se *StatusError
	if stderr.As(err, &se) {
		return se.Retryable()
	}

	var oe *breaker.OpenError
	if stderr.As(err, &oe) {
		return true
	}

	// Transport-level failure.
	return true
}

func drain(rc io.ReadCloser) {
	io.Copy(io.Discard, rc)
	rc.Close()
}

// peek reads a short prefix of an error body for log context.
func peek(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
