// Package runner executes relay tasks against the gateway: it turns one
// inbound chat message into a chat.send, waits for the run's terminal event,
// and folds usage accounting and media on the way in and out. It also owns
// the session maintenance lock used for rotating every session at once.
package runner

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/gateway"
	"github.com/openclaw/relay/media"
	"github.com/openclaw/relay/retry"
	"github.com/openclaw/relay/stt"
	"github.com/openclaw/relay/utils/json"
)

// GatewayRequester is the slice of the gateway client the runner needs.
type GatewayRequester interface {
	SendChat(ctx context.Context, params gateway.SendChatParams) (string, error)
	AbortChat(ctx context.Context, sessionKey, runID string) error
	SessionsUsage(ctx context.Context, sessionKey string) (*gateway.UsageSnapshot, error)
}

// Attempt policy for one chat task. Delays are clipped to the remaining
// budget, and no attempt starts with less than minRemaining left.
const (
	maxAttempts  = 3
	minRemaining = time.Second
)

var attemptSchedule = retry.Schedule{
	Delays: []time.Duration{2 * time.Second, 5 * time.Second},
	Jitter: 500 * time.Millisecond,
}

// Defaults for the Options durations.
const (
	DefaultUsageTimeout = 10 * time.Second
	DefaultAbortTimeout = 5 * time.Second
	DefaultUploadMaxAge = 30 * 24 * time.Hour
)

// Options configures a Runner.
type Options struct {
	Gateway GatewayRequester

	// STT transcribes audio attachments. Nil disables transcription.
	STT stt.Transcriber

	// Media stages uploads and collects reply attachments.
	Media *media.Store

	// UsageTimeout bounds each sessions.usage request.
	UsageTimeout time.Duration
	// AbortTimeout bounds best-effort chat.abort calls.
	AbortTimeout time.Duration
	// UploadMaxAge is how long staged uploads live before rotation.
	UploadMaxAge time.Duration

	Log *slog.Logger
}

// Runner runs chat tasks. Safe for concurrent use; each task occupies one
// goroutine from send to terminal event.
type Runner struct {
	gw    GatewayRequester
	stt   stt.Transcriber
	media *media.Store
	log   *slog.Logger

	usageTimeout time.Duration
	abortTimeout time.Duration
	uploadMaxAge time.Duration

	// sessLock is the session maintenance gate. Chat tasks take it briefly;
	// StartNewSessionForAll holds it for the whole rotation.
	sessLock csync.Mutex

	waitersMu sync.Mutex
	waiters   map[string]*waiter
	orphans   map[string]orphanEvent
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.UsageTimeout <= 0 {
		opts.UsageTimeout = DefaultUsageTimeout
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = DefaultAbortTimeout
	}
	if opts.UploadMaxAge <= 0 {
		opts.UploadMaxAge = DefaultUploadMaxAge
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Runner{
		gw:           opts.Gateway,
		stt:          opts.STT,
		media:        opts.Media,
		log:          opts.Log.With("component", "runner"),
		usageTimeout: opts.UsageTimeout,
		abortTimeout: opts.AbortTimeout,
		uploadMaxAge: opts.UploadMaxAge,
		waiters:      make(map[string]*waiter),
		orphans:      make(map[string]orphanEvent),
	}
}

// ChatTask is one chat turn to run.
type ChatTask struct {
	// BackendMessageID doubles as the chat.send idempotency key. Retries
	// within this task reuse it, so the gateway can dedupe.
	BackendMessageID string

	SessionKey string
	Message    string
	Media      []backend.InputMedia

	// Timeout bounds the whole task: transcription, sends, retries and the
	// terminal-event wait all share it.
	Timeout time.Duration
}

// Result is the disposition of one task, ready to be wrapped into the
// backend callback. Exactly one of Reply, NoReply and Error matches Outcome.
type Result struct {
	Outcome backend.Outcome
	Reply   *backend.Reply
	NoReply *backend.NoReply
	Error   *backend.ResultError
}

// Meta is the provenance the callback carries alongside the result.
type Meta struct {
	RunID         string
	Attempts      int
	UsageIncoming json.Raw
	UsageOutgoing json.Raw
	Usage         *backend.Usage
}

func errorResult(code, message string) Result {
	return Result{
		Outcome: backend.OutcomeError,
		Error:   &backend.ResultError{Code: code, Message: message},
	}
}

func errorRunResult(code, message, runID string) Result {
	res := errorResult(code, message)
	res.Error.RunID = runID
	return res
}

// RunChatTask runs one chat turn end to end. It never returns an error;
// every failure mode is a Result the backend can be told about.
func (r *Runner) RunChatTask(ctx context.Context, task ChatTask) (Result, Meta) {
	var meta Meta

	deadline := time.Now().Add(task.Timeout)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Wait out any session maintenance before touching the gateway.
	if err := r.sessLock.CLock(ctx); err != nil {
		return errorResult(backend.ErrCodeAborted, "task canceled while waiting for session maintenance"), meta
	}
	r.sessLock.Unlock()

	run := &chatRun{
		r:        r,
		task:     task,
		deadline: deadline,
		meta:     &meta,
	}

	run.message = r.prepareMessage(ctx, task)

	incoming, err := r.usageSnapshot(ctx, task.SessionKey)
	if err != nil {
		return errorResult(backend.ErrCodeUsageRequired,
			"cannot snapshot usage before send: "+err.Error()), meta
	}
	run.incoming = incoming
	meta.UsageIncoming = incoming.Raw

	var last Result

	for attempt := 0; ; attempt++ {
		meta.Attempts = attempt + 1

		res, retriable := run.attempt(ctx)
		if !retriable {
			return res, meta
		}
		last = res

		if attempt+1 >= maxAttempts {
			r.log.Warn("chat task exhausted its attempts",
				"message_id", task.BackendMessageID,
				"attempts", meta.Attempts)
			return last, meta
		}

		delay := attemptSchedule.Delay(attempt)
		if remaining := time.Until(run.deadline); remaining-delay < minRemaining {
			delay = remaining - minRemaining
		}
		if delay <= 0 {
			return last, meta
		}

		r.log.Info("retrying chat task",
			"message_id", task.BackendMessageID,
			"attempt", meta.Attempts,
			"delay", delay)

		select {
		case <-ctx.Done():
			return last, meta
		case <-time.After(delay):
		}
	}
}

// chatRun threads one task's state through its attempts.
type chatRun struct {
	r        *Runner
	task     ChatTask
	message  string
	deadline time.Time
	incoming *gateway.UsageSnapshot
	meta     *Meta
}

// attempt runs one chat.send and waits for its terminal event. It reports
// whether the failure is worth another attempt; the Result it returns is
// what the task ends with if it isn't, or if the budget runs out.
func (run *chatRun) attempt(ctx context.Context) (Result, bool) {
	r, task := run.r, run.task

	remaining := time.Until(run.deadline)
	if remaining < minRemaining {
		return errorResult(backend.ErrCodeGatewayTimeout, "task budget exhausted"), false
	}

	runID, err := r.gw.SendChat(ctx, gateway.SendChatParams{
		SessionKey:     task.SessionKey,
		Message:        run.message,
		IdempotencyKey: task.BackendMessageID,
		TimeoutMS:      remaining.Milliseconds(),
	})
	if err != nil {
		return sendFailure(err)
	}
	if runID == "" {
		return errorResult(backend.ErrCodeNoRunID, "gateway accepted the chat without a run id"), false
	}
	run.meta.RunID = runID

	w := r.addWaiter(runID, task.SessionKey)
	defer r.removeWaiter(runID)

	ev, err := w.await(ctx)
	if err != nil {
		// Nobody is listening for this run anymore; try to stop it.
		r.abortRun(task.SessionKey, runID)

		if ctx.Err() == context.Canceled {
			return errorRunResult(backend.ErrCodeAborted, "task canceled", runID), false
		}
		return errorRunResult(backend.ErrCodeGatewayTimeout,
			"no terminal event within the task budget", runID), true
	}

	switch ev.State {
	case gateway.ChatStateAborted:
		return Result{
			Outcome: backend.OutcomeNoReply,
			NoReply: &backend.NoReply{Reason: "aborted"},
		}, false

	case gateway.ChatStateError:
		retriable := Retryable(ev.ErrorMessage)
		r.log.Warn("run failed",
			"run_id", runID,
			"retryable", retriable,
			"err", ev.ErrorMessage)
		return errorRunResult(backend.ErrCodeGatewayError, ev.ErrorMessage, runID), retriable

	default:
		return run.finishReply(ctx, runID, ev), false
	}
}

// finishReply turns a final event into the reply result: usage snapshot
// after, then reply media from the transcript.
func (run *chatRun) finishReply(ctx context.Context, runID string, ev *gateway.ChatEvent) Result {
	r, task := run.r, run.task

	outgoing, err := r.usageSnapshot(ctx, task.SessionKey)
	if err != nil {
		return errorRunResult(backend.ErrCodeUsageRequired,
			"cannot snapshot usage after reply: "+err.Error(), runID)
	}
	run.meta.UsageOutgoing = outgoing.Raw
	run.meta.Usage = DiffUsage(run.incoming, outgoing)

	if len(ev.Message) == 0 {
		return Result{
			Outcome: backend.OutcomeNoReply,
			NoReply: &backend.NoReply{Reason: "empty reply"},
		}
	}

	return Result{
		Outcome: backend.OutcomeReply,
		Reply: &backend.Reply{
			RunID:   runID,
			Message: ev.Message,
			Media:   r.media.CollectReplyMedia(task.SessionKey),
		},
	}
}

// sendFailure maps a chat.send error to a result and retry decision.
func sendFailure(err error) (Result, bool) {
	switch err := err.(type) {
	case *gateway.TimeoutError:
		return errorResult(backend.ErrCodeGatewayTimeout, err.Error()), false

	case *gateway.ClosedError:
		// The reconnect loop may bring the connection back.
		return errorResult(backend.ErrCodeGatewayError, err.Error()), true

	case *gateway.Error:
		return errorResult(backend.ErrCodeGatewayError, err.Error()), RetryableGatewayError(err)

	default:
		return errorResult(backend.ErrCodeGatewayError, err.Error()), false
	}
}

// prepareMessage folds attachments into the outgoing text: audio becomes a
// transcript prefix, files become workspace paths the agent can open.
func (r *Runner) prepareMessage(ctx context.Context, task ChatTask) string {
	if len(task.Media) > 0 {
		r.media.RotateStale(r.uploadMaxAge)
	}

	var (
		transcripts []string
		files       []backend.InputMedia
	)

	for _, m := range task.Media {
		if m.Kind == backend.MediaAudio {
			if text, ok := r.transcribe(ctx, m); ok {
				transcripts = append(transcripts, text)
				continue
			}
		}
		files = append(files, m)
	}

	parts := transcripts
	if task.Message != "" {
		parts = append(parts, task.Message)
	}

	if len(files) > 0 {
		paths, err := r.media.StageUploads(files)
		if err != nil {
			r.log.Warn("cannot stage uploads", "err", err)
		}
		for _, p := range paths {
			parts = append(parts, "File uploaded to: "+p)
		}
	}

	return strings.Join(parts, "\n")
}

// transcribe runs one audio attachment through STT. Failures are soft: the
// attachment falls back to being staged as a file.
func (r *Runner) transcribe(ctx context.Context, m backend.InputMedia) (string, bool) {
	if r.stt == nil {
		r.log.Debug("no transcriber configured, treating audio as a file", "name", m.Name)
		return "", false
	}

	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		r.log.Warn("audio attachment is not valid base64", "name", m.Name, "err", err)
		return "", false
	}

	text, err := r.stt.Transcribe(ctx, stt.Audio{
		Data:     data,
		MimeType: m.MimeType,
		Name:     m.Name,
	})
	if err != nil {
		r.log.Warn("transcription failed", "name", m.Name, "err", err)
		return "", false
	}

	return text, true
}

func (r *Runner) usageSnapshot(ctx context.Context, sessionKey string) (*gateway.UsageSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.usageTimeout)
	defer cancel()

	return r.gw.SessionsUsage(ctx, sessionKey)
}

// abortRun tells the gateway to stop a run nobody waits for anymore. Best
// effort: the run may already be gone, and the caller has its own outcome to
// report either way.
func (r *Runner) abortRun(sessionKey, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.abortTimeout)
	defer cancel()

	if err := r.gw.AbortChat(ctx, sessionKey, runID); err != nil {
		r.log.Debug("chat.abort failed", "run_id", runID, "err", err)
	}
}
