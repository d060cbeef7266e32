package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sofstats"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/workqueue"
)

// session is everything a streaming session owns. It is built by
// streamOn and torn down by streamOff.
type session struct {
	id         uuid.UUID
	ctx        context.Context
	cancel     context.CancelFunc
	sensor     *workqueue.Queue // realtime: sensor pushes
	compose    *workqueue.Queue // co-processor submissions
	ack        *workqueue.Queue // co-processor acks, mux, output enable
	done       *workqueue.Queue // frame-done completion
	sched      *sensor.Scheduler
	completion *ipi.Completion
}

// camCtx is one sensor-control context.
type camCtx struct {
	sys    *System
	id     int
	pipe   int
	pipes  []int
	mask   uint32
	m2m    bool
	sensor Sensor

	states *state.List[*request.StreamData]
	sof    *sofstats.Window

	lifecycle      sync.Mutex // serialises streamOn and streamOff
	streaming      atomic.Bool
	streamingPipes atomic.Uint32
	sess           atomic.Pointer[session]
	declared       atomic.Bool // sensor declared its frame interval

	sensorReqSeq atomic.Uint32 // last frame pushed to the sensor
	enqSeq       atomic.Uint32 // last frame dispatched to this context
	ispReqSeq    atomic.Uint32 // last frame latched by hardware
	composedSeq  atomic.Uint32 // last frame acked by the co-processor
	sofCount     atomic.Uint64
	outputOn     atomic.Bool

	composedMu sync.Mutex
	composed   []*request.StreamData // acked, waiting for TRIGGER_CQ

	counters counters
}

func newCamCtx(s *System, spec ContextSpec) *camCtx {
	c := &camCtx{
		sys:    s,
		id:     spec.ID,
		pipe:   spec.Pipe,
		pipes:  append([]int{spec.Pipe}, spec.AuxPipes...),
		m2m:    spec.M2M,
		sensor: spec.Sensor,
		states: state.NewList[*request.StreamData](s.opts.Pool.Count + 4),
		sof:    sofstats.NewWindow(sofstats.DefaultWindow),
	}
	for _, p := range c.pipes {
		c.mask |= 1 << p
	}
	return c
}

func (c *camCtx) streamOn() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.streaming.Load() {
		return fmt.Errorf("%w: %d", ErrAlreadyStreaming, c.id)
	}

	c.sensorReqSeq.Store(0)
	c.enqSeq.Store(0)
	c.ispReqSeq.Store(0)
	c.composedSeq.Store(0)
	c.sofCount.Store(0)
	c.outputOn.Store(false)
	c.states.Reset()
	c.sof.Reset()
	c.composedMu.Lock()
	c.composed = nil
	c.composedMu.Unlock()

	opts := c.sys.opts
	ctx, cancel := context.WithCancel(context.Background())
	var rtOpts []workqueue.Option
	if opts.SensorRTPriority > 0 {
		rtOpts = append(rtOpts, workqueue.WithRealtimePriority(opts.SensorRTPriority))
	}
	sess := &session{
		id:         ipi.NewSession(),
		ctx:        ctx,
		cancel:     cancel,
		sensor:     workqueue.New(fmt.Sprintf("sensor-%d", c.id), rtOpts...),
		compose:    workqueue.New(fmt.Sprintf("compose-%d", c.id)),
		ack:        workqueue.New(fmt.Sprintf("ack-%d", c.id)),
		done:       workqueue.New(fmt.Sprintf("done-%d", c.id)),
		completion: ipi.NewCompletion(),
	}

	if !c.m2m {
		dl, declared := opts.Table.LookupInterval(c.sensor.FrameInterval())
		c.declared.Store(declared)
		schedOpts := []sensor.Option{sensor.WithClock(opts.Clock)}
		if opts.NewTimer != nil {
			schedOpts = append(schedOpts, sensor.WithTimer(opts.NewTimer))
		}
		sess.sched = sensor.NewScheduler(c, dl, schedOpts...)
		slog.Info("core: sensor deadlines",
			"ctx", c.id,
			"declared", declared,
			"period", dl.Period,
			"event", dl.Event,
			"reserved", dl.Sensor,
		)
	}

	c.sess.Store(sess)
	c.streamingPipes.Store(c.mask)
	c.streaming.Store(true)

	if c.m2m {
		if err := opts.Raw.StreamOn(c.id, true); err != nil {
			slog.Warn("core: raw stream on failed", "ctx", c.id, "error", err)
		}
	}

	slog.Info("core: context streaming", "ctx", c.id, "pipes", fmt.Sprintf("%#x", c.mask), "m2m", c.m2m)
	return nil
}

// streamOff tears the session down in the order that guarantees no
// callback touches stream data after it returns: stop accepting events,
// cancel the timer and wait, drain and join every worker, then complete
// whatever is left.
func (c *camCtx) streamOff() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.streaming.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: %d", ErrNotStreaming, c.id)
	}
	c.streamingPipes.Store(0)

	sess := c.sess.Load()
	if sess.sched != nil {
		sess.sched.Stop()
	}
	sess.cancel()
	sess.completion.Close()

	sess.sensor.Stop()
	sess.compose.Stop()
	sess.ack.Stop()
	sess.done.Stop()

	for _, p := range c.pipes {
		c.sys.CleanupAll(p, request.StatusError)
	}

	if err := c.sys.opts.Raw.StreamOn(c.id, false); err != nil {
		slog.Warn("core: raw stream off failed", "ctx", c.id, "error", err)
	}

	c.states.Reset()
	c.composedMu.Lock()
	c.composed = nil
	c.composedMu.Unlock()

	slog.Info("core: context stopped", "ctx", c.id, "sofs", c.sofCount.Load())
	return nil
}

// started runs after r was dispatched onto this context; sd is the
// primary stream data.
func (c *camCtx) started(sd *request.StreamData) {
	sess := c.sess.Load()
	if sess == nil {
		return
	}
	if !sess.compose.Queue(func() { c.compose(sd) }) {
		slog.Debug("core: compose queue stopped", "ctx", c.id, "seq", sd.Seq())
		return
	}
	// The first two frames get their settings before the first SOF.
	if !c.m2m && c.sofCount.Load() == 0 && sd.Seq() <= 2 {
		sess.sensor.Queue(c.pushSensor)
	}
}

// NextSensorSeq implements sensor.Pusher.
func (c *camCtx) NextSensorSeq() uint32 { return c.sensorReqSeq.Load() + 1 }

// EnqueuedSeq implements sensor.Pusher.
func (c *camCtx) EnqueuedSeq() uint32 { return c.enqSeq.Load() }

// QueueSensorPush implements sensor.Pusher.
func (c *camCtx) QueueSensorPush() bool {
	sess := c.sess.Load()
	return sess != nil && sess.sensor.Queue(c.pushSensor)
}

// RequestDrained implements sensor.Pusher.
func (c *camCtx) RequestDrained(seq uint32) {
	c.counters.drained.Add(1)
	c.sys.bus.Publish(notify.Event{
		Kind:      notify.RequestDrained,
		Ctx:       c.id,
		Pipe:      c.pipe,
		Seq:       seq,
		Timestamp: c.sys.opts.Clock(),
	})
}

// arm re-arms the sensor deadline timer from this SOF. A sensor without
// a declared interval gets its deadlines from the measured SOF rate.
func (c *camCtx) arm(sess *session, sofAt time.Time) {
	if sess.sched == nil {
		return
	}
	if !c.declared.Load() && c.sofCount.Load()%sofstats.DefaultWindow == 0 {
		if f, ok := c.sof.Frequency(); ok {
			sess.sched.SetDeadlines(c.sys.opts.Table.Lookup(f))
		}
	}
	sess.sched.ArmAtSOF(sofAt)
}
