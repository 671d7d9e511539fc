package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openclaw/relay/internal/timeutil"
	"github.com/openclaw/relay/utils/json"
	"github.com/openclaw/relay/utils/ws"
)

// RequestRaw sends a request frame and waits for the matching response. The
// wait is bounded by ctx and by Options.RequestTimeout, whichever ends
// first. Calling it while disconnected fails immediately with ClosedError.
func (c *Client) RequestRaw(ctx context.Context, method string, params interface{}) (json.Raw, error) {
	if !c.ready.Load() {
		return nil, &ClosedError{Code: ws.CloseCodeNone, Reason: "not connected"}
	}

	var raw json.Raw
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode %s params", method)
		}
		raw = json.Raw(b)
	}

	id := uuid.NewString()

	// The result channel is buffered so that whichever side loses the
	// resolve race can still deposit its value and move on.
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(ctx, ws.Frame{
		Type:   ws.FrameRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}); err != nil {
		c.removePending(id)
		return nil, errors.Wrapf(err, "cannot send %s request", method)
	}

	var timeout timeutil.Timer
	timeout.Reset(c.opts.RequestTimeout)
	defer timeout.Stop()

	select {
	case res := <-ch:
		if gerr, ok := res.err.(*Error); ok {
			gerr.Method = method
		}
		return res.payload, res.err

	case <-timeout.C:
		c.removePending(id)
		return nil, &TimeoutError{Method: method, Timeout: c.opts.RequestTimeout}

	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Request sends a request and decodes the response payload into out. Pass a
// nil out to only check for success.
func (c *Client) Request(ctx context.Context, method string, params, out interface{}) error {
	payload, err := c.RequestRaw(ctx, method, params)
	if err != nil {
		return err
	}

	if out == nil || len(payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(err, "cannot decode %s response", method)
	}
	return nil
}

// resolvePending hands a response frame to its waiting request, if it is
// still waiting. Late responses to timed-out requests are dropped.
func (c *Client) resolvePending(f ws.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		ws.WSDebug("Dropping response for unknown request ID:", f.ID)
		return
	}

	if f.Ok() {
		ch <- pendingResult{payload: f.Payload}
		return
	}
	ch <- pendingResult{err: newError("", f.Error)}
}

// removePending unregisters an abandoned request. Whether it was already
// resolved doesn't matter; the buffered channel absorbs either order.
func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// SendChatParams is the body of a chat.send request.
type SendChatParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	// IdempotencyKey dedupes retries on the gateway side. Retries of the
	// same task must reuse the same key.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// TimeoutMS tells the gateway how long the caller will wait around.
	TimeoutMS int64 `json:"timeoutMs,omitempty"`
}

// SendChat dispatches a chat message and returns the gateway's run id. The
// terminal outcome arrives later as a chat event with the same run id.
func (c *Client) SendChat(ctx context.Context, params SendChatParams) (string, error) {
	var res struct {
		RunID string `json:"runId"`
	}
	if err := c.Request(ctx, "chat.send", params, &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

// AbortChat asks the gateway to abort a run.
func (c *Client) AbortChat(ctx context.Context, sessionKey, runID string) error {
	params := struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}{sessionKey, runID}

	return c.Request(ctx, "chat.abort", params, nil)
}

// SessionsUsage fetches a usage snapshot, scoped to a session when
// sessionKey is non-empty.
func (c *Client) SessionsUsage(ctx context.Context, sessionKey string) (*UsageSnapshot, error) {
	params := map[string]interface{}{}
	if sessionKey != "" {
		params["sessionKey"] = sessionKey
	}

	raw, err := c.RequestRaw(ctx, "sessions.usage", params)
	if err != nil {
		return nil, err
	}
	return parseUsage(raw)
}
