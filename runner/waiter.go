package runner

import (
	"context"
	"time"

	"github.com/openclaw/relay/gateway"
)

// orphanTTL is how long a terminal event for an unknown run is kept around
// waiting for its waiter to register.
const orphanTTL = 30 * time.Second

// waiter is one task's claim on a run's terminal event. The channel is
// buffered so delivery never blocks the gateway event loop.
type waiter struct {
	runID      string
	sessionKey string
	ch         chan *gateway.ChatEvent
}

func (w *waiter) deliver(ev *gateway.ChatEvent) {
	select {
	case w.ch <- ev:
	default:
	}
}

// await blocks until the terminal event arrives or ctx ends.
func (w *waiter) await(ctx context.Context) (*gateway.ChatEvent, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type orphanEvent struct {
	ev      *gateway.ChatEvent
	addedAt time.Time
}

// HandleChatEvent routes a gateway chat event to the waiter for its run.
// Register it as the gateway client's OnEvent sink.
//
// Terminal events can outrun their waiter: the gateway event loop keeps
// going the moment the chat.send response is buffered, while the sender
// still has to wake up and register. Unmatched terminal events are parked
// briefly so that registration wins the race either way.
func (r *Runner) HandleChatEvent(ev *gateway.ChatEvent) {
	if !ev.Terminal() {
		return
	}
	if ev.RunID == "" {
		r.log.Debug("terminal chat event without a run id", "state", ev.State)
		return
	}

	r.waitersMu.Lock()

	if w, ok := r.waiters[ev.RunID]; ok {
		delete(r.waiters, ev.RunID)
		r.waitersMu.Unlock()

		w.deliver(ev)
		return
	}

	r.pruneOrphansLocked()
	r.orphans[ev.RunID] = orphanEvent{ev: ev, addedAt: time.Now()}
	r.waitersMu.Unlock()

	r.log.Debug("parked terminal event for unknown run",
		"run_id", ev.RunID, "state", ev.State)
}

// addWaiter registers a claim on runID's terminal event. If the event
// already arrived and is parked, the waiter comes back pre-resolved.
func (r *Runner) addWaiter(runID, sessionKey string) *waiter {
	w := &waiter{
		runID:      runID,
		sessionKey: sessionKey,
		ch:         make(chan *gateway.ChatEvent, 1),
	}

	r.waitersMu.Lock()
	defer r.waitersMu.Unlock()

	r.pruneOrphansLocked()

	if orphan, ok := r.orphans[runID]; ok {
		delete(r.orphans, runID)
		w.ch <- orphan.ev
		return w
	}

	r.waiters[runID] = w
	return w
}

func (r *Runner) removeWaiter(runID string) {
	r.waitersMu.Lock()
	delete(r.waiters, runID)
	r.waitersMu.Unlock()
}

// takeWaiters empties the registry and returns what was in it. Used by
// session rotation to fail in-flight runs promptly.
func (r *Runner) takeWaiters() []*waiter {
	r.waitersMu.Lock()
	defer r.waitersMu.Unlock()

	taken := make([]*waiter, 0, len(r.waiters))
	for _, w := range r.waiters {
		taken = append(taken, w)
	}
	r.waiters = make(map[string]*waiter)

	return taken
}

func (r *Runner) pruneOrphansLocked() {
	if len(r.orphans) == 0 {
		return
	}

	cutoff := time.Now().Add(-orphanTTL)
	for id, o := range r.orphans {
		if o.addedAt.Before(cutoff) {
			delete(r.orphans, id)
		}
	}
}
