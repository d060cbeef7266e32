// Package workqueue runs queued functions in order on one goroutine.
//
// It is the user-space stand-in for ordered kernel work queues and the
// high-priority sensor kthread: hardware-event handlers never block, they
// queue follow-up work here instead.
package workqueue

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/rt"
)

// Queue is an ordered, single-consumer work queue.
//
// Goroutine topology: 1 worker goroutine spawned by New, joined by Stop.
//
// Thread-safety: Queue, Flush and Stop are safe for concurrent use.
// Flush and Stop must not be called from a queued function.
type Queue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	busy    bool // worker is running an item
	stopped bool

	done chan struct{}
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	priority int
}

// WithRealtimePriority pins the worker to an OS thread and asks for
// SCHED_FIFO at priority. Failure (no CAP_SYS_NICE) is logged and the
// worker keeps running at normal priority.
func WithRealtimePriority(priority int) Option {
	return func(o *options) { o.priority = priority }
}

// New starts a queue worker.
func New(name string, opts ...Option) *Queue {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.loop(o.priority)
	return q
}

// Queue appends fn. Returns false if the queue is stopped.
func (q *Queue) Queue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Broadcast()
	return true
}

// Pending returns the number of queued, not yet started items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush blocks until every item queued before the call has run.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 || q.busy {
		q.cond.Wait()
	}
}

// Stop flushes outstanding work, then terminates the worker and waits for
// it. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) loop(priority int) {
	defer close(q.done)

	if priority > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := rt.SetFIFO(priority); err != nil {
			slog.Warn("workqueue: realtime priority unavailable, running at normal priority",
				"queue", q.name,
				"priority", priority,
				"error", err,
			)
		}
	}

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.stopped {
			q.mu.Unlock()
			return
		}

		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.busy = true
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
