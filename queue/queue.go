// Package queue is a bounded in-memory dispatch queue with a fixed worker
// pool. It sits between the push server and the task runner so that intake
// and execution can stop independently during shutdown.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openclaw/relay/backend"
)

// ClosedError is returned by Enqueue once the queue stopped accepting.
type ClosedError struct{}

func (e *ClosedError) Error() string {
	return "queue: closed to new messages"
}

// FullError is returned by Enqueue when the queue is at capacity.
type FullError struct {
	MaxQueue int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue: full (max %d)", e.MaxQueue)
}

// Processor handles one dequeued message. It owns the whole lifecycle of the
// message, including reporting its result; the queue only guarantees it is
// called exactly once per accepted message while workers run.
type Processor func(ctx context.Context, msg *backend.InboundMessage)

// Options configures a Queue.
type Options struct {
	// Concurrency is the number of worker goroutines. Minimum 1.
	Concurrency int
	// MaxQueue caps the number of waiting messages. Minimum 1.
	MaxQueue int

	Process Processor
	Log     *slog.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	process Processor
	log     *slog.Logger

	workers  int
	maxQueue int

	mu        sync.Mutex
	cond      *sync.Cond
	items     []*backend.InboundMessage
	accepting bool
	started   bool
	stopped   bool
	inFlight  int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue. It panics if opts.Process is nil.
func New(opts Options) *Queue {
	if opts.Process == nil {
		panic("queue: Options.Process is nil")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxQueue < 1 {
		opts.MaxQueue = 1
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	q := &Queue{
		process:   opts.Process,
		log:       opts.Log.With("component", "queue"),
		workers:   opts.Concurrency,
		maxQueue:  opts.MaxQueue,
		accepting: true,
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start spawns the worker pool. Workers run the processor with ctx and keep
// going until Stop is called or ctx ends; cancellation never interrupts a
// message mid-processing, it only stops further dequeues.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
			q.Stop()
		case <-q.done:
		}
	}()
}

// Enqueue adds a message. It never blocks: a stopped intake returns
// ClosedError and a queue at capacity returns FullError.
func (q *Queue) Enqueue(msg *backend.InboundMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting || q.stopped {
		return &ClosedError{}
	}
	if len(q.items) >= q.maxQueue {
		return &FullError{MaxQueue: q.maxQueue}
	}

	q.items = append(q.items, msg)
	q.cond.Signal()
	return nil
}

// StopAccepting closes the intake. Messages already queued keep being
// processed; only new Enqueue calls fail.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
}

// Drain waits until nothing is queued or in flight, polling the counters
// until the timeout (floored at one second) runs out. It reports whether the
// queue came to rest in time.
func (q *Queue) Drain(timeout time.Duration) bool {
	if timeout < time.Second {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		idle := len(q.items) == 0 && q.inFlight == 0
		q.mu.Unlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			q.mu.Lock()
			queued, inFlight := len(q.items), q.inFlight
			q.mu.Unlock()
			q.log.Warn("queue did not drain", "queued", queued, "in_flight", inFlight)
			return false
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// Stop shuts the pool down: intake closes, idle workers wake up and exit,
// busy workers finish their current message first. Undrained messages are
// dropped. Stop is idempotent and waits for the workers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.accepting = false
	dropped := len(q.items)
	q.mu.Unlock()

	close(q.done)
	q.cond.Broadcast()
	q.wg.Wait()

	if dropped > 0 {
		q.log.Warn("queue stopped with messages still queued", "dropped", dropped)
	}
}

// State is a point-in-time snapshot for health reporting.
type State struct {
	Queued    int
	InFlight  int
	Accepting bool
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return State{
		Queued:    len(q.items),
		InFlight:  q.inFlight,
		Accepting: q.accepting && !q.stopped,
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		q.run(ctx, msg)
	}
}

// pop blocks until a message is available or the queue stops.
func (q *Queue) pop() (*backend.InboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}

	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inFlight++
	return msg, true
}

// run invokes the processor with a recovery net, so a panicking message can
// never take a worker down with it.
func (q *Queue) run(ctx context.Context, msg *backend.InboundMessage) {
	defer func() {
		if v := recover(); v != nil {
			q.log.Error("processor panicked",
				"message_id", msg.MessageID,
				"panic", v,
				"stack", string(debug.Stack()))
		}

		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	q.process(ctx, msg)
}
