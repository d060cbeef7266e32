package core

import (
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// SOFEvent is one Start-Of-Frame interrupt.
type SOFEvent struct {
	Ctx int
	// InnerSeq is the frame whose register set the hardware latched at
	// this SOF.
	InnerSeq uint32
	// WriteCount is the co-processor's frame write counter; it wraps.
	WriteCount uint32
	Timestamp  time.Time
}

// CQDoneEvent reports that the hardware finished loading the command
// queue of frame Seq.
type CQDoneEvent struct {
	Ctx int
	Seq uint32
}

// SOFResult is the outcome of one SOF.
type SOFResult int

const (
	// PassSWDelay: nothing was ready to trigger.
	PassSWDelay SOFResult = iota
	// TriggerCQ: the next frame's command queue was applied.
	TriggerCQ
	// PassSCQDelay: a late command queue was accepted for the next frame.
	PassSCQDelay
	// PassHWDelay: the hardware did not advance; retried next SOF.
	PassHWDelay

	numResults
)

func (r SOFResult) String() string {
	switch r {
	case PassSWDelay:
		return "pass_sw_delay"
	case TriggerCQ:
		return "trigger_cq"
	case PassSCQDelay:
		return "pass_scq_delay"
	case PassHWDelay:
		return "pass_hw_delay"
	default:
		return "unknown"
	}
}

// entry is a state-list entry captured during a scan.
type entry struct {
	h   state.Handle
	seq uint32
	sd  *request.StreamData
	st  state.State
}

// OnStartOfFrame handles a SOF interrupt. It never blocks.
func (s *System) OnStartOfFrame(ev SOFEvent) SOFResult {
	c, err := s.context(ev.Ctx)
	if err != nil {
		slog.Error("sof: event for unknown context", "error", err)
		return PassSWDelay
	}
	if c.m2m || !c.streaming.Load() {
		return PassSWDelay
	}
	sess := c.sess.Load()
	if sess == nil {
		return PassSWDelay
	}

	res := c.onSOF(sess, ev)
	c.counters.results[res].Add(1)
	return res
}

func (c *camCtx) onSOF(sess *session, ev SOFEvent) SOFResult {
	n := c.sofCount.Add(1)
	c.sof.Observe(ev.Timestamp)
	c.sys.bus.Publish(notify.Event{
		Kind:      notify.FrameStart,
		Ctx:       c.id,
		Pipe:      c.pipe,
		Seq:       ev.InnerSeq,
		Timestamp: ev.Timestamp,
	})

	sensorReq := c.sensorReqSeq.Load()
	var lo uint32
	if sensorReq > 2 {
		lo = sensorReq - 2
	}

	var (
		inner   *entry
		outers  []entry
		working *entry
	)
	c.states.Each(func(h state.Handle, seq uint32, sd *request.StreamData, st state.State) bool {
		if seq > sensorReq {
			return false
		}
		e := entry{h: h, seq: seq, sd: sd, st: st}
		switch {
		case st.IsInner():
			if inner == nil && !sd.DoneQueued() {
				inner = &e
			}
		case seq < lo:
		case st.IsOuter():
			outers = append(outers, e)
		}
		if seq == sensorReq {
			working = &e
		}
		return true
	})

	// Hardware did not move on: the inner frame is still running.
	if inner != nil && n > 1 && ev.InnerSeq <= c.ispReqSeq.Load() {
		if c.sys.opts.Skip.Written(inner.seq, ev.WriteCount) {
			// Done interrupt lost; the frame was written.
			c.forceDone(sess, *inner, ev.Timestamp.Add(-time.Microsecond))
		} else {
			c.states.Transition(inner.h, state.Inner, state.InnerHWDelay)
			for _, o := range outers {
				c.states.Transition(o.h, state.Outer, state.OuterHWDelay)
			}
			c.counters.hwDelays.Add(1)
			slog.Info("sof: hardware did not advance, holding frames",
				"ctx", c.id,
				"inner", inner.seq,
				"hw_seq", ev.InnerSeq,
				"write_count", ev.WriteCount,
			)
			return PassHWDelay
		}
	}

	for _, o := range outers {
		switch {
		case o.seq == ev.InnerSeq:
			if o.st == state.CammuxOuterCfg {
				// Mux not programmed before SOF.
				c.states.Transition(o.h, state.CammuxOuterCfg, state.CammuxOuterCfgDelay)
				c.counters.cammuxDelays.Add(1)
				continue
			}
			if c.states.Transition(o.h, state.Outer, state.Inner) ||
				c.states.Transition(o.h, state.OuterHWDelay, state.Inner) {
				o.sd.SetTimestamp(ev.Timestamp)
			}
		case o.seq < ev.InnerSeq:
			// Hardware latched a later frame; o never ran.
			c.counters.hwSkips.Add(1)
			c.forceDone(sess, o, ev.Timestamp.Add(-time.Microsecond))
		}
	}
	for {
		isp := c.ispReqSeq.Load()
		if ev.InnerSeq <= isp || c.ispReqSeq.CompareAndSwap(isp, ev.InnerSeq) {
			break
		}
	}

	c.arm(sess, ev.Timestamp)

	if working == nil {
		return PassSWDelay
	}
	switch working.st {
	case state.Ready, state.Seninf:
		working.sd.SetFlag(request.FlagSensorDelayed)
		c.counters.sensorDelayed.Add(1)
		slog.Debug("sof: sensor settings not pushed yet", "ctx", c.id, "seq", working.seq)
		return PassSWDelay
	case state.Sensor:
		if !c.peekComposed(working.seq) {
			slog.Debug("sof: command queue not composed yet", "ctx", c.id, "seq", working.seq)
			return PassSWDelay
		}
		if !c.states.Transition(working.h, state.Sensor, state.CQ) {
			return PassSWDelay
		}
		c.popComposed(working.seq)
		c.applyCQ(working.sd)
		return TriggerCQ
	case state.CQScqDelay:
		if c.states.Transition(working.h, state.CQScqDelay, state.Outer) {
			return PassSCQDelay
		}
	}
	return PassSWDelay
}

// forceDone completes frame e before its done interrupt.
func (c *camCtx) forceDone(sess *session, e entry, ts time.Time) {
	if !e.sd.MarkDoneQueued() {
		return
	}
	c.states.Force(e.h, state.DoneMismatch)
	for _, sd := range e.sd.Request().StreamsOf(c.id) {
		sd.SetFlag(request.FlagUnreliable | request.FlagMismatch)
		sd.SetTimestamp(ts)
	}
	c.counters.forcedDone.Add(1)
	slog.Info("sof: frame forced done",
		"ctx", c.id,
		"seq", e.seq,
		"state", e.st,
		"category", Classify(ErrForcedDone),
	)
	for _, p := range c.pipes {
		pipe, seq := p, e.seq
		sess.done.Queue(func() { c.sys.dispatchDone(c, pipe, seq, ts) })
	}
}

// OnCommandQueueDone handles a CQ-done interrupt. It never blocks.
func (s *System) OnCommandQueueDone(ev CQDoneEvent) {
	c, err := s.context(ev.Ctx)
	if err != nil {
		slog.Error("cq: event for unknown context", "error", err)
		return
	}
	if c.m2m || !c.streaming.Load() {
		return
	}
	sess := c.sess.Load()

	h, sd, ok := c.states.Find(ev.Seq)
	if !ok {
		slog.Error("cq: done for untracked frame",
			"ctx", c.id,
			"seq", ev.Seq,
			"error", ErrStateNotFound,
			"category", Classify(ErrStateNotFound),
		)
		return
	}

	if c.outputOn.CompareAndSwap(false, true) {
		c.states.Force(h, state.Outer)
		sess.ack.Queue(func() {
			if err := c.sys.opts.Raw.StreamOn(c.id, true); err != nil {
				slog.Error("cq: enabling output failed", "ctx", c.id, "error", err)
			}
		})
		slog.Info("cq: first command queue loaded, output enabled", "ctx", c.id, "seq", ev.Seq)
		return
	}

	if sd.Has(request.FlagMuxSwitch) {
		if c.states.Transition(h, state.CQ, state.CammuxOuterCfg) ||
			c.states.Transition(h, state.CQScqDelay, state.CammuxOuterCfg) {
			sess.ack.Queue(func() { c.programMux(h, sd) })
		}
		return
	}

	if c.states.Transition(h, state.CQ, state.Outer) ||
		c.states.Transition(h, state.CQScqDelay, state.Outer) ||
		c.states.Transition(h, state.Seninf, state.Outer) {
		return
	}
	st, _ := c.states.Load(h)
	slog.Debug("cq: done for frame not waiting on it", "ctx", c.id, "seq", ev.Seq, "state", st)
}

func (c *camCtx) programMux(h state.Handle, sd *request.StreamData) {
	if err := c.sys.opts.Raw.SetCamMux(c.id, sd.Seq()); err != nil {
		sd.SetFlag(request.FlagUnreliable)
		slog.Warn("cq: camera mux reprogramming failed", "ctx", c.id, "seq", sd.Seq(), "error", err)
	}
	if !c.states.Transition(h, state.CammuxOuterCfg, state.Outer) {
		c.states.Transition(h, state.CammuxOuterCfgDelay, state.Outer)
	}
}
