package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

type fakeRaw struct {
	mu        sync.Mutex
	applied   map[int][]uint32
	output    map[int][]bool
	triggered map[int][]uint32
	muxed     map[int][]uint32
	onTrigger func(ctx int, seq uint32)
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{
		applied:   make(map[int][]uint32),
		output:    make(map[int][]bool),
		triggered: make(map[int][]uint32),
		muxed:     make(map[int][]uint32),
	}
}

func (f *fakeRaw) ApplyCommandQueue(ctx int, seq uint32, iova uint64, size, offset uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[ctx] = append(f.applied[ctx], seq)
	return nil
}

func (f *fakeRaw) StreamOn(ctx int, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output[ctx] = append(f.output[ctx], enable)
	return nil
}

func (f *fakeRaw) TriggerRawInput(ctx int, seq uint32) error {
	f.mu.Lock()
	f.triggered[ctx] = append(f.triggered[ctx], seq)
	fn := f.onTrigger
	f.mu.Unlock()
	if fn != nil {
		fn(ctx, seq)
	}
	return nil
}

func (f *fakeRaw) SetCamMux(ctx int, seq uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muxed[ctx] = append(f.muxed[ctx], seq)
	return nil
}

func (f *fakeRaw) appliedSeqs(ctx int) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.applied[ctx]...)
}

func (f *fakeRaw) outputs(ctx int) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.output[ctx]...)
}

// fakeCoProc decodes every submission and reports it on frames.
type fakeCoProc struct {
	frames chan *ipi.FrameDescriptor
	busy   atomic.Int32 // ErrBusy answers left
	err    error
	onSend func(d *ipi.FrameDescriptor)
}

func newFakeCoProc() *fakeCoProc {
	return &fakeCoProc{frames: make(chan *ipi.FrameDescriptor, 64)}
}

func (f *fakeCoProc) SubmitFrame(ctx context.Context, session uuid.UUID, seq uint32, payload []byte) error {
	if f.busy.Add(-1) >= 0 {
		return ipi.ErrBusy
	}
	if f.err != nil {
		return f.err
	}
	d, err := ipi.Decode(payload)
	if err != nil {
		return err
	}
	f.frames <- d
	if f.onSend != nil {
		f.onSend(d)
	}
	return nil
}

type fakeSensor struct {
	interval sensor.Interval

	mu      sync.Mutex
	applied []uint32
	ctrls   []sensor.Controls
}

func (f *fakeSensor) FrameInterval() sensor.Interval { return f.interval }

func (f *fakeSensor) ApplyControls(ctx context.Context, seq uint32, c sensor.Controls) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, seq)
	f.ctrls = append(f.ctrls, c)
	return nil
}

func (f *fakeSensor) appliedSeqs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.applied...)
}

type fakeSync struct {
	on, off atomic.Int32
}

func (f *fakeSync) SyncFrame(on bool) {
	if on {
		f.on.Add(1)
	} else {
		f.off.Add(1)
	}
}

// stubTimer fires only when the test says so.
type stubTimer struct {
	mu        sync.Mutex
	fn        func()
	armed     bool
	cancelled bool
}

func (s *stubTimer) Arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.armed = true
	}
}

func (s *stubTimer) CancelAndWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.armed = false
}

func (s *stubTimer) fire() bool {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return false
	}
	s.armed = false
	s.mu.Unlock()
	s.fn()
	return true
}

type harness struct {
	t       *testing.T
	sys     *System
	raw     *fakeRaw
	cop     *fakeCoProc
	sensors map[int]*fakeSensor
	sync    *fakeSync
	events  chan notify.Event

	mu     sync.Mutex
	now    time.Time
	timers []*stubTimer
}

const period = 33 * time.Millisecond

// newHarness builds a system with one context per spec; a nil Sensor
// gets a 30fps fake. realTimer keeps the runtime deadline timer.
func newHarness(t *testing.T, specs []ContextSpec, realTimer bool, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		raw:     newFakeRaw(),
		cop:     newFakeCoProc(),
		sensors: make(map[int]*fakeSensor),
		sync:    &fakeSync{},
		events:  make(chan notify.Event, 512),
		now:     time.Unix(1000, 0),
	}
	for i := range specs {
		if !specs[i].M2M && specs[i].Sensor == nil {
			fs := &fakeSensor{interval: sensor.Interval{Numerator: 1, Denominator: 30}}
			h.sensors[specs[i].ID] = fs
			specs[i].Sensor = fs
		}
	}

	opts := Options{
		Contexts:  specs,
		Raw:       h.raw,
		CoProc:    h.cop,
		FrameSync: h.sync,
		Pool:      pool.Config{Count: 8, BufferSize: 4096, IOVABase: 0x1000_0000},
		Retry:     ipi.RetryConfig{MaxRetries: 2, RetryDelay: time.Microsecond, MaxRetryDelay: time.Microsecond},
		Clock:     h.clock,
	}
	if !realTimer {
		opts.NewTimer = func(fn func()) sensor.Timer {
			st := &stubTimer{fn: fn}
			h.mu.Lock()
			h.timers = append(h.timers, st)
			h.mu.Unlock()
			return st
		}
	}
	if tweak != nil {
		tweak(&opts)
	}

	sys, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.sys = sys
	if err := sys.Subscribe("test", h.events); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return h
}

func singleContext() []ContextSpec {
	return []ContextSpec{{ID: 0, Pipe: 0}}
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) tick() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(period)
	return h.now
}

// timer returns the deadline timer of the latest streaming session.
func (h *harness) timer() *stubTimer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.timers) == 0 {
		h.t.Fatal("no deadline timer created")
	}
	return h.timers[len(h.timers)-1]
}

func (h *harness) enqueue(ctx, pipe int, exposure uint16) uuid.UUID {
	h.t.Helper()
	id, err := h.sys.Enqueue(request.Spec{
		Streams:  []request.Stream{{Pipe: pipe, Ctx: ctx, Buffers: []uint64{uint64(exposure)}}},
		Controls: map[int]sensor.Controls{ctx: {ExposureLines: exposure, AnalogGain: 128}},
	})
	if err != nil {
		h.t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

// flush waits until every worker of ctx is idle. Work hops between
// queues, so a few rounds are needed.
func (h *harness) flush(ctx int) {
	h.t.Helper()
	c, err := h.sys.context(ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	sess := c.sess.Load()
	if sess == nil {
		return
	}
	for i := 0; i < 3; i++ {
		sess.compose.Flush()
		sess.sensor.Flush()
		sess.ack.Flush()
		sess.done.Flush()
	}
}

// submitted waits for n co-processor submissions.
func (h *harness) submitted(n int) []*ipi.FrameDescriptor {
	h.t.Helper()
	var out []*ipi.FrameDescriptor
	for len(out) < n {
		select {
		case d := <-h.cop.frames:
			out = append(out, d)
		case <-time.After(2 * time.Second):
			h.t.Fatalf("got %d submissions, want %d", len(out), n)
		}
	}
	return out
}

func (h *harness) ack(ctx int, seqs ...uint32) {
	for _, seq := range seqs {
		h.sys.OnFrameAck(ipi.Ack{Ctx: ctx, Seq: seq, Offset: 0, Size: 256})
	}
	h.flush(ctx)
}

func (h *harness) sof(ctx int, inner, writeCount uint32) (SOFResult, time.Time) {
	ts := h.tick()
	return h.sys.OnStartOfFrame(SOFEvent{Ctx: ctx, InnerSeq: inner, WriteCount: writeCount, Timestamp: ts}), ts
}

func (h *harness) cqDone(ctx int, seq uint32) {
	h.sys.OnCommandQueueDone(CQDoneEvent{Ctx: ctx, Seq: seq})
	h.flush(ctx)
}

func (h *harness) frameDone(ctx, pipe int, seq uint32) {
	h.sys.OnFrameDone(FrameDoneEvent{Pipe: pipe, Seq: seq, Timestamp: h.clock()})
	h.flush(ctx)
}

func (h *harness) fireTimer(ctx int) bool {
	fired := h.timer().fire()
	h.flush(ctx)
	return fired
}

func (h *harness) state(ctx int, seq uint32) (state.State, bool) {
	return h.sys.FrameState(ctx, seq)
}

// drain returns every event published so far.
func (h *harness) drain() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func only(evs []notify.Event, kind notify.Kind) []notify.Event {
	var out []notify.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// startStreaming streams ctx 0, enqueues n frames, acks them and loads
// frame 1's command queue, leaving the context right before SOF 1.
func (h *harness) startStreaming(n int) {
	h.t.Helper()
	if err := h.sys.StreamOn(0); err != nil {
		h.t.Fatalf("StreamOn failed: %v", err)
	}
	for i := 1; i <= n; i++ {
		h.enqueue(0, 0, uint16(100+i))
	}
	h.submitted(n)
	h.flush(0)
	for i := 1; i <= n; i++ {
		h.ack(0, uint32(i))
	}
	h.cqDone(0, 1)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalSeqs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
