package runner

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openclaw/relay/gateway"
)

// StartNewSessionForAll rotates every session the gateway knows about by
// sending each a /new turn. The session lock is held for the duration, so
// chat tasks queue up behind the rotation instead of racing it. In-flight
// runs are aborted first.
func (r *Runner) StartNewSessionForAll(ctx context.Context) (rotated, failed int, err error) {
	if err := r.sessLock.CLock(ctx); err != nil {
		return 0, 0, errors.Wrap(err, "canceled while acquiring the session lock")
	}
	defer r.sessLock.Unlock()

	// A run mid-flight would fight the rotation. Abort each one and resolve
	// its waiter now rather than letting it ride out its timeout.
	for _, w := range r.takeWaiters() {
		r.abortRun(w.sessionKey, w.runID)
		w.deliver(&gateway.ChatEvent{
			RunID:      w.runID,
			SessionKey: w.sessionKey,
			State:      gateway.ChatStateAborted,
			StopReason: "session rotation",
		})
	}

	keys, err := r.media.SessionKeys()
	if err != nil {
		return 0, 0, errors.Wrap(err, "cannot enumerate sessions")
	}

	for _, key := range keys {
		// Rotations are independent operations, never retries of the
		// original message; each gets a fresh idempotency key.
		_, err := r.gw.SendChat(ctx, gateway.SendChatParams{
			SessionKey:     key,
			Message:        "/new",
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			r.log.Warn("cannot rotate session", "session_key", key, "err", err)
			failed++
			continue
		}
		rotated++
	}

	r.log.Info("session rotation finished", "rotated", rotated, "failed", failed)
	return rotated, failed, nil
}
