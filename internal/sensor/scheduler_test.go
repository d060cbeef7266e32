package sensor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// manualTimer fires only when the test says so.
type manualTimer struct {
	mu        sync.Mutex
	fn        func()
	armed     bool
	last      time.Duration
	cancelled bool
}

func (m *manualTimer) Arm(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return
	}
	m.armed = true
	m.last = d
}

func (m *manualTimer) CancelAndWait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
	m.armed = false
}

func (m *manualTimer) Fire() bool {
	m.mu.Lock()
	if !m.armed || m.cancelled {
		m.mu.Unlock()
		return false
	}
	m.armed = false
	fn := m.fn
	m.mu.Unlock()
	fn()
	return true
}

func (m *manualTimer) Armed() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed, m.last
}

type fakePusher struct {
	next, enq atomic.Uint32
	pushes    atomic.Int32
	drained   []uint32
	mu        sync.Mutex
}

func (f *fakePusher) NextSensorSeq() uint32 { return f.next.Load() }
func (f *fakePusher) EnqueuedSeq() uint32 { return f.enq.Load() }
func (f *fakePusher) QueueSensorPush() bool { f.pushes.Add(1); return true }
func (f *fakePusher) RequestDrained(seq uint32) {
	f.mu.Lock()
	f.drained = append(f.drained, seq)
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var dl30 = Deadlines{Period: 33 * time.Millisecond, Event: SetDeadline, Sensor: SetReserved}

func newTestScheduler(p Pusher) (*Scheduler, *manualTimer, *fakeClock) {
	mt := &manualTimer{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(p, dl30,
		WithTimer(func(fn func()) Timer { mt.fn = fn; return mt }),
		WithClock(clk.Now),
	)
	return s, mt, clk
}

func TestArmAtSOFSubtractsElapsed(t *testing.T) {
	p := &fakePusher{}
	s, mt, clk := newTestScheduler(p)

	sof := clk.Now()
	clk.Advance(3 * time.Millisecond)
	s.ArmAtSOF(sof)

	armed, d := mt.Armed()
	if !armed || d != SetDeadline-3*time.Millisecond {
		t.Errorf("armed=%v d=%v; want true, %v", armed, d, SetDeadline-3*time.Millisecond)
	}

	// Way past the event deadline: fire immediately.
	clk.Advance(time.Second)
	s.ArmAtSOF(sof)
	if _, d := mt.Armed(); d != 0 {
		t.Errorf("late SOF should arm 0, got %v", d)
	}
}

func TestExpiryCaughtUpQueuesPush(t *testing.T) {
	p := &fakePusher{}
	p.next.Store(3)
	p.enq.Store(3)
	s, mt, clk := newTestScheduler(p)

	s.ArmAtSOF(clk.Now())
	clk.Advance(SetDeadline)
	mt.Fire()

	if p.pushes.Load() != 1 {
		t.Fatalf("expected 1 push, got %d", p.pushes.Load())
	}
	if len(p.drained) != 0 {
		t.Errorf("no drained event expected, got %v", p.drained)
	}
	if armed, _ := mt.Armed(); armed {
		t.Error("timer must not re-arm after handing off the push")
	}
}

func TestExpiryDrainedOncePerGapAndRetries(t *testing.T) {
	p := &fakePusher{}
	p.next.Store(4)
	p.enq.Store(3)
	s, mt, clk := newTestScheduler(p)

	s.ArmAtSOF(clk.Now())
	clk.Advance(SetDeadline)
	mt.Fire()

	armed, d := mt.Armed()
	if !armed || d != SetReserved {
		t.Fatalf("expected retry armed for %v, got %v/%v", SetReserved, armed, d)
	}

	// Retry at SOF+25ms: still nothing, window closing → stop.
	clk.Advance(SetReserved)
	mt.Fire()
	if armed, _ := mt.Armed(); armed {
		t.Error("retry must stop once the reserved window is reached")
	}
	if len(p.drained) != 1 || p.drained[0] != 4 {
		t.Fatalf("expected one drained event for seq 4, got %v", p.drained)
	}

	// Next frame, same gap: no duplicate notification.
	s.ArmAtSOF(clk.Now())
	clk.Advance(SetDeadline)
	mt.Fire()
	if len(p.drained) != 1 {
		t.Errorf("drained repeated for the same gap: %v", p.drained)
	}

	// App catches up on retry.
	p.enq.Store(4)
	clk.Advance(SetReserved)
	mt.Fire()
	if p.pushes.Load() != 1 {
		t.Errorf("expected push after catch-up, got %d", p.pushes.Load())
	}

	st := s.Stats()
	if st.Drained != 1 || st.Pushes != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestStopCancelsPendingExpiry(t *testing.T) {
	p := &fakePusher{}
	p.next.Store(1)
	p.enq.Store(1)
	s, mt, clk := newTestScheduler(p)

	s.ArmAtSOF(clk.Now())
	s.Stop()

	if mt.Fire() {
		t.Fatal("timer fired after Stop")
	}
	if p.pushes.Load() != 0 {
		t.Error("push observed after Stop")
	}
}
