package sensor

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Pusher is the context side of the scheduler.
type Pusher interface {
	// NextSensorSeq is the frame whose settings go out next (last pushed + 1).
	NextSensorSeq() uint32
	// EnqueuedSeq is the last frame the application has enqueued.
	EnqueuedSeq() uint32
	// QueueSensorPush hands the push to the sensor worker. Must not block.
	QueueSensorPush() bool
	// RequestDrained tells the client no request is pending for seq.
	RequestDrained(seq uint32)
}

// SchedulerStats counts timer outcomes.
type SchedulerStats struct {
	Armed   uint64
	Fired   uint64
	Pushes  uint64
	Drained uint64
	Retries uint64
}

// Scheduler owns the per-context deadline timer.
//
// Thread-safety: ArmAtSOF is called from the SOF path, the timer callback
// runs on the timer goroutine; both only touch atomics and the Timer.
type Scheduler struct {
	p     Pusher
	dl    atomic.Pointer[Deadlines]
	timer Timer
	now   func() time.Time

	sofAt       atomic.Int64 // unix nanoseconds of the last SOF
	lastDrained atomic.Uint32

	armed, fired, pushes, drained, retries atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimer replaces the runtime-backed timer.
func WithTimer(newTimer NewTimerFunc) Option {
	return func(s *Scheduler) { s.timer = newTimer(s.onTimer) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler with the given deadlines. The timer is
// idle until the first ArmAtSOF.
func NewScheduler(p Pusher, dl Deadlines, opts ...Option) *Scheduler {
	s := &Scheduler{p: p, now: time.Now}
	s.dl.Store(&dl)
	for _, opt := range opts {
		opt(s)
	}
	if s.timer == nil {
		s.timer = NewDeadlineTimer(s.onTimer)
	}
	return s
}

// Deadlines returns the active deadlines.
func (s *Scheduler) Deadlines() Deadlines { return *s.dl.Load() }

// SetDeadlines swaps the deadlines; takes effect at the next SOF.
func (s *Scheduler) SetDeadlines(dl Deadlines) { s.dl.Store(&dl) }

// ArmAtSOF arms the timer for Event after the SOF observed at sof.
func (s *Scheduler) ArmAtSOF(sof time.Time) {
	dl := s.dl.Load()
	s.sofAt.Store(sof.UnixNano())

	elapsed := s.now().Sub(sof)
	if elapsed < 0 {
		elapsed = 0
	} else if elapsed > dl.Event {
		elapsed = dl.Event
	}

	s.armed.Add(1)
	s.timer.Arm(dl.Event - elapsed)
}

// onTimer runs on expiry. It never does sensor I/O itself.
func (s *Scheduler) onTimer() {
	s.fired.Add(1)
	dl := s.dl.Load()

	next := s.p.NextSensorSeq()
	if next <= s.p.EnqueuedSeq() {
		if s.p.QueueSensorPush() {
			s.pushes.Add(1)
		}
		return
	}

	// Nothing enqueued for next: notify once per gap.
	for {
		last := s.lastDrained.Load()
		if next <= last {
			break
		}
		if s.lastDrained.CompareAndSwap(last, next) {
			s.drained.Add(1)
			s.p.RequestDrained(next)
			break
		}
	}

	elapsed := s.now().Sub(time.Unix(0, s.sofAt.Load()))
	if elapsed+dl.Sensor < dl.Period-dl.Sensor {
		s.retries.Add(1)
		s.timer.Arm(dl.Sensor)
		return
	}
	slog.Debug("sensor: no request before reserved window, waiting for next SOF",
		"next_seq", next,
		"after_sof", elapsed,
	)
}

// Stop cancels the timer and waits for a running expiry.
func (s *Scheduler) Stop() {
	s.timer.CancelAndWait()
}

// Stats returns a snapshot of timer outcomes.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Armed:   s.armed.Load(),
		Fired:   s.fired.Load(),
		Pushes:  s.pushes.Load(),
		Drained: s.drained.Load(),
		Retries: s.retries.Load(),
	}
}
