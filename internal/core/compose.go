package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// compose runs on the compose worker: it hands the frame to the
// co-processor. A memory-to-memory frame also waits for its ack and
// starts the hardware, so those frames are strictly serialised.
func (c *camCtx) compose(sd *request.StreamData) {
	if !c.streaming.Load() {
		return
	}
	sess := c.sess.Load()

	buf := sd.Buffer()
	if buf == nil {
		slog.Error("compose: frame has no working buffer",
			"ctx", c.id,
			"seq", sd.Seq(),
			"category", CategoryInvariant,
		)
		return
	}

	r := sd.Request()
	d := &ipi.FrameDescriptor{
		Session: sess.id.String(),
		Seq:     sd.Seq(),
		Ctx:     c.id,
		CQIOVA:  buf.IOVA,
		CQSize:  uint32(buf.Size()),
		M2M:     c.m2m,
	}
	for _, x := range r.StreamsOf(c.id) {
		d.PipeMask |= 1 << x.Pipe()
		d.Buffers = append(d.Buffers, x.Buffers()...)
	}
	if ctrl, ok := r.Controls(c.id); ok {
		d.Controls = ipi.Controls{
			ExposureLines: ctrl.ExposureLines,
			AnalogGain:    ctrl.AnalogGain,
			FrameLength:   ctrl.FrameLength,
		}
	}

	attempts, err := ipi.Submit(sess.ctx, c.sys.opts.CoProc, sess.id, d, c.sys.opts.Retry)
	if err != nil {
		c.counters.submitFailures.Add(1)
		c.failFrame(sess, sd, fmt.Errorf("compose: submit frame %d: %w", sd.Seq(), err))
		return
	}
	if attempts > 1 {
		slog.Debug("compose: co-processor was busy", "ctx", c.id, "seq", sd.Seq(), "attempts", attempts)
	}
	c.counters.submitted.Add(1)

	if !c.m2m {
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, c.sys.opts.M2MAckTimeout)
	ack, err := sess.completion.Wait(ctx, sd.Seq())
	cancel()
	if err != nil {
		c.failFrame(sess, sd, fmt.Errorf("compose: ack for frame %d: %w", sd.Seq(), err))
		return
	}
	c.acked(sd, ack)
	c.applyCQ(sd)
	if err := c.sys.opts.Raw.TriggerRawInput(c.id, sd.Seq()); err != nil {
		c.failFrame(sess, sd, fmt.Errorf("compose: trigger frame %d: %w", sd.Seq(), err))
	}
}

// acked records the co-processor's answer on the frame.
func (c *camCtx) acked(sd *request.StreamData, ack ipi.Ack) {
	if ack.Err != nil {
		sd.SetFlag(request.FlagUnreliable)
		slog.Warn("compose: co-processor reported an error",
			"ctx", c.id,
			"seq", ack.Seq,
			"error", ack.Err,
		)
	}
	sd.SetCQ(request.CQDesc{Offset: ack.Offset, Size: ack.Size})
	c.composedSeq.Store(ack.Seq)
}

// OnFrameAck delivers a co-processor ack. It never blocks.
func (s *System) OnFrameAck(ack ipi.Ack) {
	c, err := s.context(ack.Ctx)
	if err != nil {
		slog.Error("compose: ack for unknown context", "seq", ack.Seq, "error", err)
		return
	}
	if !c.streaming.Load() {
		return
	}
	sess := c.sess.Load()
	if c.m2m {
		sess.completion.Complete(ack)
		return
	}
	sess.ack.Queue(func() { c.handleAck(ack) })
}

func (c *camCtx) handleAck(ack ipi.Ack) {
	_, sd, ok := c.states.Find(ack.Seq)
	if !ok {
		slog.Error("compose: ack for untracked frame",
			"ctx", c.id,
			"seq", ack.Seq,
			"error", ErrStateNotFound,
			"category", Classify(ErrStateNotFound),
		)
		return
	}
	c.acked(sd, ack)

	c.composedMu.Lock()
	c.composed = append(c.composed, sd)
	c.composedMu.Unlock()

	c.tryInitialCQ()
}

// tryInitialCQ applies frame 1's command queue before the first SOF,
// once it has both its sensor settings and its composition.
func (c *camCtx) tryInitialCQ() {
	if c.sofCount.Load() != 0 || !c.peekComposed(1) {
		return
	}
	h, sd, ok := c.states.Find(1)
	if !ok || !c.states.Transition(h, state.Sensor, state.CQ) {
		return
	}
	c.popComposed(1)
	c.applyCQ(sd)
	slog.Debug("compose: initial command queue applied", "ctx", c.id)
}

// peekComposed reports whether frame seq is waiting in the composed FIFO.
func (c *camCtx) peekComposed(seq uint32) bool {
	c.composedMu.Lock()
	defer c.composedMu.Unlock()
	for _, sd := range c.composed {
		if sd.Seq() == seq {
			return true
		}
	}
	return false
}

// popComposed removes frame seq from the FIFO. Older frames ahead of it
// can never be triggered any more and are dropped.
func (c *camCtx) popComposed(seq uint32) *request.StreamData {
	c.composedMu.Lock()
	defer c.composedMu.Unlock()

	for i, sd := range c.composed {
		if sd.Seq() != seq {
			continue
		}
		for _, stale := range c.composed[:i] {
			slog.Warn("compose: dropping stale composed frame", "ctx", c.id, "seq", stale.Seq(), "trigger", seq)
		}
		c.composed = append(c.composed[:0], c.composed[i+1:]...)
		return sd
	}
	return nil
}

// applyCQ points the hardware at the frame's command queue.
func (c *camCtx) applyCQ(sd *request.StreamData) {
	buf := sd.Buffer()
	if buf == nil {
		slog.Error("compose: apply without working buffer",
			"ctx", c.id,
			"seq", sd.Seq(),
			"category", CategoryInvariant,
		)
		return
	}
	cq := sd.CQ()
	if err := c.sys.opts.Raw.ApplyCommandQueue(c.id, sd.Seq(), buf.IOVA, cq.Size, cq.Offset); err != nil {
		sd.SetFlag(request.FlagUnreliable)
		slog.Error("compose: applying command queue failed", "ctx", c.id, "seq", sd.Seq(), "error", err)
		return
	}
	c.counters.cqApplied.Add(1)
}

// failFrame completes a frame that can never reach the hardware.
func (c *camCtx) failFrame(sess *session, sd *request.StreamData, err error) {
	slog.Warn("compose: frame failed",
		"ctx", c.id,
		"seq", sd.Seq(),
		"error", err,
		"category", Classify(err),
	)
	if !sd.MarkDoneQueued() {
		return
	}
	seq := sd.Seq()
	for _, x := range sd.Request().StreamsOf(c.id) {
		x.SetFlag(request.FlagUnreliable)
	}
	if !c.m2m {
		c.states.Force(sd.Handle(), state.DoneMismatch)
	}
	ts := c.sys.opts.Clock()
	r := sd.Request()
	for _, x := range r.StreamsOf(c.id) {
		x := x
		sess.done.Queue(func() { c.sys.completeStream(c, r, x, seq, ts) })
	}
}
