package sensor

import (
	"sync"
	"time"
)

// Timer is a one-shot, re-armable deadline timer.
//
// CancelAndWait is the teardown primitive: after it returns the callback
// is not running and will never run again. It must not be called from the
// callback itself.
type Timer interface {
	Arm(d time.Duration)
	CancelAndWait()
}

// NewTimerFunc builds a Timer that calls fn on expiry.
type NewTimerFunc func(fn func()) Timer

// deadlineTimer wraps time.AfterFunc with generation tracking so a stale
// expiry (superseded by Arm or cancelled) is dropped, and with an
// in-flight count so CancelAndWait can join a running callback.
type deadlineTimer struct {
	fn func()

	mu        sync.Mutex
	cond      *sync.Cond
	t         *time.Timer
	gen       uint64
	running   int
	cancelled bool
}

// NewDeadlineTimer returns a Timer backed by the runtime timer heap.
func NewDeadlineTimer(fn func()) Timer {
	dt := &deadlineTimer{fn: fn}
	dt.cond = sync.NewCond(&dt.mu)
	return dt
}

// Arm (re)starts the timer; a pending expiry is superseded.
func (dt *deadlineTimer) Arm(d time.Duration) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if dt.cancelled {
		return
	}
	dt.gen++
	gen := dt.gen
	if dt.t != nil {
		dt.t.Stop()
	}
	dt.t = time.AfterFunc(d, func() { dt.fire(gen) })
}

func (dt *deadlineTimer) fire(gen uint64) {
	dt.mu.Lock()
	if dt.cancelled || gen != dt.gen {
		dt.mu.Unlock()
		return
	}
	dt.running++
	dt.mu.Unlock()

	dt.fn()

	dt.mu.Lock()
	dt.running--
	dt.cond.Broadcast()
	dt.mu.Unlock()
}

// CancelAndWait stops the timer and waits for an in-flight callback.
func (dt *deadlineTimer) CancelAndWait() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.cancelled = true
	dt.gen++
	if dt.t != nil {
		dt.t.Stop()
	}
	for dt.running > 0 {
		dt.cond.Wait()
	}
}
