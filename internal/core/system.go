// Package core is the frame-control core: it turns hardware Start-Of-Frame,
// command-queue-done and frame-done events into per-frame state
// transitions, sensor pushes, command-queue submissions and exactly-once
// buffer completions.
//
// Architecture:
//
//	Enqueue ──► pending ──TryDispatchPending──► running ──frame done──► deleted
//	                      (buffer acquired,                (buffers released,
//	                       seq assigned,                    RequestDone)
//	                       state entry READY)
//
//	SOF ─────► OUTER→INNER, timer re-arm, SENSOR→CQ (TRIGGER_CQ)
//	timer ───► sensor worker: READY→SENSOR (ApplyControls)
//	CQ done ─► CQ→OUTER (first one enables output)
//	frame done ► DONE_NORMAL / DONE_MISMATCH, done worker completes
//
// Goroutine topology per streaming context: four workqueue goroutines
// (sensor, compose, ack, done) plus the sensor deadline timer. Hardware
// event methods (OnStartOfFrame, OnCommandQueueDone, OnFrameDone,
// OnFrameAck) never block; anything that may block is queued.
//
// Locks: System.mu guards the pending and running queues. Each state list,
// the buffer pool and each request's done mask have their own lock, and no
// code path holds two of those three at once.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

const (
	// DefaultScanDepth bounds the frame-done snapshot.
	DefaultScanDepth = 8
	// DefaultM2MAckTimeout bounds the memory-to-memory ack wait.
	DefaultM2MAckTimeout = 100 * time.Millisecond
	defaultBufferSize    = 64 << 10
)

// ContextSpec describes one sensor-control context.
type ContextSpec struct {
	ID       int
	Pipe     int   // primary pipe; owns the state machine
	AuxPipes []int // pipes completed alongside the primary one
	M2M      bool  // memory-to-memory: no sensor, no SOF
	Sensor   Sensor
}

// Options configures a System.
type Options struct {
	Contexts []ContextSpec

	Raw       RawDevice
	CoProc    CoProcessor
	FrameSync FrameSyncer    // optional
	Seninf    SeninfSwitcher // optional

	Pool             pool.Config
	Table            sensor.Table // nil = sensor.DefaultTable
	ScanDepth        int
	Skip             SkipPolicy // nil = WrapPolicy{DefaultWrapModulus}
	Retry            ipi.RetryConfig
	M2MAckTimeout    time.Duration
	SensorRTPriority int // SCHED_FIFO priority of the sensor worker, 0 = off

	// NewTimer replaces the sensor deadline timer; Clock replaces
	// time.Now for deadline arithmetic.
	NewTimer sensor.NewTimerFunc
	Clock    func() time.Time
}

// System owns every context, the request queues and the buffer pool.
type System struct {
	opts Options

	ctxs    []*camCtx // indexed by context id, nil holes
	pipeCtx [request.MaxPipes]*camCtx

	pool *pool.Pool
	bus  *notify.Bus

	mu      sync.Mutex
	pending []*request.Request
	running []*request.Request
	closed  bool

	scanTruncated atomic.Uint64
	deferred      atomic.Uint64
}

// New validates opts and builds a System with every context stopped.
func New(opts Options) (*System, error) {
	if opts.Raw == nil || opts.CoProc == nil {
		return nil, errors.New("core: raw device and co-processor are required")
	}
	if len(opts.Contexts) == 0 {
		return nil, errors.New("core: no contexts")
	}
	if opts.Table == nil {
		opts.Table = sensor.DefaultTable
	}
	if opts.ScanDepth <= 0 {
		opts.ScanDepth = DefaultScanDepth
	}
	if opts.Skip == nil {
		opts.Skip = WrapPolicy{Modulus: DefaultWrapModulus}
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = ipi.DefaultRetryConfig()
	}
	if opts.M2MAckTimeout <= 0 {
		opts.M2MAckTimeout = DefaultM2MAckTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Pool.Count <= 0 {
		opts.Pool.Count = pool.DefaultCount
	}
	if opts.Pool.BufferSize <= 0 {
		opts.Pool.BufferSize = defaultBufferSize
	}

	s := &System{opts: opts, bus: notify.New()}

	for _, spec := range opts.Contexts {
		if spec.ID < 0 || spec.ID >= request.MaxPipes {
			return nil, fmt.Errorf("core: context id %d out of range", spec.ID)
		}
		if !spec.M2M && spec.Sensor == nil {
			return nil, fmt.Errorf("core: context %d has no sensor", spec.ID)
		}
		for len(s.ctxs) <= spec.ID {
			s.ctxs = append(s.ctxs, nil)
		}
		if s.ctxs[spec.ID] != nil {
			return nil, fmt.Errorf("core: duplicate context id %d", spec.ID)
		}

		c := newCamCtx(s, spec)
		for _, p := range append([]int{spec.Pipe}, spec.AuxPipes...) {
			if p < 0 || p >= request.MaxPipes {
				return nil, fmt.Errorf("core: context %d: pipe %d out of range", spec.ID, p)
			}
			if s.pipeCtx[p] != nil {
				return nil, fmt.Errorf("core: pipe %d claimed by contexts %d and %d", p, s.pipeCtx[p].id, spec.ID)
			}
			s.pipeCtx[p] = c
		}
		s.ctxs[spec.ID] = c
	}

	p, err := pool.New(opts.Pool)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	s.pool = p

	slog.Info("core: system ready",
		"contexts", len(opts.Contexts),
		"pool", opts.Pool.Count,
		"scan_depth", opts.ScanDepth,
	)
	return s, nil
}

func (s *System) context(id int) (*camCtx, error) {
	if id < 0 || id >= len(s.ctxs) || s.ctxs[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownContext, id)
	}
	return s.ctxs[id], nil
}

func (s *System) pipeOwner(pipe int) (*camCtx, error) {
	if pipe < 0 || pipe >= request.MaxPipes || s.pipeCtx[pipe] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPipe, pipe)
	}
	return s.pipeCtx[pipe], nil
}

// streamingPipes is the device-wide mask of streaming pipes.
func (s *System) streamingPipes() uint32 {
	var m uint32
	for _, c := range s.ctxs {
		if c != nil {
			m |= c.streamingPipes.Load()
		}
	}
	return m
}

// Subscribe registers ch for client events.
func (s *System) Subscribe(id string, ch chan<- notify.Event) error {
	return s.bus.Subscribe(id, ch)
}

// Unsubscribe removes a subscriber.
func (s *System) Unsubscribe(id string) error {
	return s.bus.Unsubscribe(id)
}

// Enqueue validates spec, queues the request as PENDING and tries to
// dispatch it.
func (s *System) Enqueue(spec request.Spec) (uuid.UUID, error) {
	r, err := request.New(spec)
	if err != nil {
		return uuid.Nil, err
	}
	for _, sd := range r.Streams() {
		c, err := s.pipeOwner(sd.Pipe())
		if err != nil {
			return uuid.Nil, err
		}
		if c.id != sd.Ctx() {
			return uuid.Nil, fmt.Errorf("%w: pipe %d belongs to context %d, not %d",
				ErrUnknownPipe, sd.Pipe(), c.id, sd.Ctx())
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	s.pending = append(s.pending, r)
	s.mu.Unlock()

	slog.Debug("core: request enqueued", "request", r.ID, "pipes", fmt.Sprintf("%#x", r.PipesUsed()))
	s.TryDispatchPending()
	return r.ID, nil
}

// dispatched is follow-up work decided under s.mu and run after it.
type dispatched struct {
	c  *camCtx
	sd *request.StreamData
}

// TryDispatchPending moves pending requests into the running set, oldest
// first, while every context they use is streaming and a working buffer
// is available for each. The first request that cannot move stops the
// scan so frame order is preserved.
func (s *System) TryDispatchPending() {
	var work []dispatched

	s.mu.Lock()
	for len(s.pending) > 0 && !s.closed {
		r := s.pending[0]
		started, err := s.dispatchLocked(r)
		if err != nil {
			s.deferred.Add(1)
			slog.Debug("core: request deferred",
				"request", r.ID,
				"reason", err,
				"category", Classify(err),
			)
			break
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.running = append(s.running, r)
		work = append(work, started...)
	}
	s.mu.Unlock()

	for _, w := range work {
		w.c.started(w.sd)
	}
}

// dispatchLocked assigns buffers, sequence numbers and state entries for
// every context of r. On failure nothing is left attached.
func (s *System) dispatchLocked(r *request.Request) ([]dispatched, error) {
	type plan struct {
		c   *camCtx
		sds []*request.StreamData
		buf *pool.Buffer
	}
	var plans []plan

	rollback := func() {
		for _, p := range plans {
			if p.buf != nil {
				p.sds[0].TakeBuffer()
				s.pool.Release(p.buf)
			}
			if h := p.sds[0].Handle(); h.Valid() {
				p.c.states.Remove(h)
			}
			for _, sd := range p.sds {
				sd.SetSeq(0)
				sd.SetHandle(state.Handle{})
			}
		}
	}

	for ctxID := 0; ctxID < len(s.ctxs); ctxID++ {
		if r.ContextsUsed()&(1<<ctxID) == 0 {
			continue
		}
		c := s.ctxs[ctxID]
		if !c.streaming.Load() {
			rollback()
			return nil, fmt.Errorf("%w: %d", ErrNotStreaming, ctxID)
		}

		sds := orderPrimaryFirst(r.StreamsOf(ctxID), c.pipe)
		p := plan{c: c, sds: sds}

		buf, err := s.pool.Acquire()
		if err != nil {
			rollback()
			return nil, err
		}
		sds[0].AttachBuffer(buf)
		p.buf = buf

		seq := c.enqSeq.Load() + 1
		for _, sd := range sds {
			sd.SetSeq(seq)
		}
		if !c.m2m {
			h, err := c.states.Insert(seq, sds[0])
			if err != nil {
				plans = append(plans, p)
				rollback()
				return nil, fmt.Errorf("core: context %d frame %d: %w", ctxID, seq, err)
			}
			for _, sd := range sds {
				sd.SetHandle(h)
			}
		}
		plans = append(plans, p)
	}

	if !r.Transition(request.Pending, request.Running) {
		rollback()
		return nil, fmt.Errorf("%w: %s not pending", ErrRequestNotFound, r)
	}

	out := make([]dispatched, 0, len(plans))
	for _, p := range plans {
		p.c.enqSeq.Store(p.sds[0].Seq())
		out = append(out, dispatched{c: p.c, sd: p.sds[0]})
	}
	return out, nil
}

// orderPrimaryFirst puts the primary pipe's stream data first; the
// working buffer and state handle hang off it.
func orderPrimaryFirst(sds []*request.StreamData, primary int) []*request.StreamData {
	for i, sd := range sds {
		if sd.Pipe() == primary && i != 0 {
			sds[0], sds[i] = sds[i], sds[0]
			break
		}
	}
	return sds
}

// readySensors counts the contexts of r that stream with a live sensor.
func (s *System) readySensors(r *request.Request) int {
	n := 0
	for _, c := range s.ctxs {
		if c != nil && r.ContextsUsed()&(1<<c.id) != 0 && !c.m2m && c.streaming.Load() {
			n++
		}
	}
	return n
}

// syncFrame arms or disarms hardware frame-sync.
func (s *System) syncFrame(on bool) {
	if fs := s.opts.FrameSync; fs != nil {
		fs.SyncFrame(on)
	}
}

// StreamOn starts a context.
func (s *System) StreamOn(ctxID int) error {
	c, err := s.context(ctxID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.streamOn(); err != nil {
		return err
	}
	s.TryDispatchPending()
	return nil
}

// StreamOff stops a context synchronously. When it returns the deadline
// timer is cancelled, every worker has drained and exited, and every
// request touching the context's pipes has been completed or cleaned up.
func (s *System) StreamOff(ctxID int) error {
	c, err := s.context(ctxID)
	if err != nil {
		return err
	}
	return c.streamOff()
}

// Close stops every streaming context and frees the pool.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range s.ctxs {
		if c != nil && c.streaming.Load() {
			if err := c.streamOff(); err != nil && !errors.Is(err, ErrNotStreaming) {
				slog.Warn("core: stream off during close failed", "ctx", c.id, "error", err)
			}
		}
	}

	s.mu.Lock()
	leftover := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range leftover {
		s.dropPending(r, request.StatusError)
	}

	s.bus.Close()
	return s.pool.Close()
}

// FrameState returns the state of frame seq on a context.
func (s *System) FrameState(ctxID int, seq uint32) (state.State, bool) {
	c, err := s.context(ctxID)
	if err != nil {
		return state.Ready, false
	}
	h, _, ok := c.states.Find(seq)
	if !ok {
		return state.Ready, false
	}
	return c.states.Load(h)
}
