package core

import (
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// FrameDoneEvent reports that the hardware finished writing frame Seq on
// Pipe.
type FrameDoneEvent struct {
	Pipe      int
	Seq       uint32
	Timestamp time.Time
}

// OnFrameDone handles a frame-done interrupt. State entries are marked
// here; buffer completion runs on the done worker.
func (s *System) OnFrameDone(ev FrameDoneEvent) {
	c, err := s.pipeOwner(ev.Pipe)
	if err != nil {
		slog.Error("done: event for unknown pipe", "error", err)
		return
	}
	if !c.streaming.Load() {
		return
	}
	sess := c.sess.Load()

	if ev.Pipe == c.pipe && !c.m2m {
		c.markDone(ev.Seq)
	}
	if !sess.done.Queue(func() { s.dispatchDone(c, ev.Pipe, ev.Seq, ev.Timestamp) }) {
		slog.Debug("done: worker stopped, dropping event", "pipe", ev.Pipe, "seq", ev.Seq)
	}
}

// markDone moves frame D to DONE_NORMAL (or DONE_MISMATCH when it was not
// the running frame) and every older unfinished frame to DONE_MISMATCH.
func (c *camCtx) markDone(d uint32) {
	c.states.Each(func(h state.Handle, seq uint32, sd *request.StreamData, st state.State) bool {
		if seq > d {
			return false
		}
		if st.IsTerminal() {
			return true
		}
		if seq == d && (c.states.Transition(h, state.Inner, state.DoneNormal) ||
			c.states.Transition(h, state.InnerHWDelay, state.DoneNormal)) {
			sd.MarkDoneQueued()
			return true
		}
		c.states.Force(h, state.DoneMismatch)
		for _, x := range sd.Request().StreamsOf(c.id) {
			x.SetFlag(request.FlagMismatch)
		}
		sd.MarkDoneQueued()
		c.counters.mismatches.Add(1)
		return true
	})
}

// dispatchDone completes every running request with a frame on pipe at
// or before d, oldest first. The scan is bounded by the scan depth.
func (s *System) dispatchDone(c *camCtx, pipe int, d uint32, ts time.Time) {
	type candidate struct {
		r  *request.Request
		sd *request.StreamData
	}
	var (
		cands     []candidate
		truncated bool
	)

	s.mu.Lock()
	for _, r := range s.running {
		sd := r.Stream(pipe)
		if sd == nil || sd.Seq() == 0 || sd.Seq() > d {
			continue
		}
		if len(cands) == s.opts.ScanDepth {
			truncated = true
			break
		}
		cands = append(cands, candidate{r: r, sd: sd})
	}
	s.mu.Unlock()

	if truncated {
		s.scanTruncated.Add(1)
		slog.Warn("done: too many frames to complete, truncating scan",
			"pipe", pipe,
			"seq", d,
			"depth", s.opts.ScanDepth,
			"error", ErrScanDepth,
			"category", Classify(ErrScanDepth),
		)
	}

	for _, cd := range cands {
		s.completeStream(c, cd.r, cd.sd, d, ts)
	}
}

// completeStream completes one pipe of r. Exactly one caller per pipe
// gets through; the caller that completes the last streaming pipe
// deletes the request.
func (s *System) completeStream(c *camCtx, r *request.Request, sd *request.StreamData, d uint32, ts time.Time) {
	won, del := r.MarkPipeDone(sd.Pipe(), c.streamingPipes.Load(), s.streamingPipes())
	if !won {
		return
	}

	status := request.StatusDone
	var reason error
	switch {
	case sd.Seq() < d:
		reason = ErrMismatch
	case sd.Has(request.FlagMismatch):
		reason = ErrMismatch
	case sd.Has(request.FlagUnreliable):
		reason = ErrUnreliable
	}
	if reason != nil {
		status = request.StatusError
		r.MarkFailed()
		c.counters.errors.Add(1)
		slog.Debug("done: frame completed with error",
			"ctx", c.id,
			"pipe", sd.Pipe(),
			"seq", sd.Seq(),
			"done_seq", d,
			"reason", reason,
			"category", Classify(reason),
		)
	}

	if sd.Pipe() == c.pipe && !c.m2m {
		c.states.Remove(sd.Handle())
	}

	at := sd.Timestamp()
	if at.IsZero() {
		at = ts
	}
	c.counters.completed.Add(1)
	s.bus.Publish(notify.Event{
		Kind:      notify.BufferDone,
		Ctx:       sd.Ctx(),
		Pipe:      sd.Pipe(),
		Seq:       sd.Seq(),
		RequestID: r.ID,
		Status:    status,
		Buffers:   sd.Buffers(),
		Timestamp: at,
	})

	if del {
		s.deleteRequest(r, at)
	}
}

// deleteRequest releases r's working buffers and reports it done. Only
// the caller that won RUNNING → DELETING gets here.
func (s *System) deleteRequest(r *request.Request, ts time.Time) {
	s.mu.Lock()
	found := false
	for i, x := range s.running {
		if x == r {
			s.running = append(s.running[:i], s.running[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if r.Sync.Abandon() {
		s.syncFrame(false)
	}
	if !found {
		slog.Error("done: deleting request that is not running",
			"request", r.ID,
			"error", ErrRequestNotFound,
			"category", Classify(ErrRequestNotFound),
		)
	}

	for _, sd := range r.Streams() {
		if b := sd.TakeBuffer(); b != nil {
			s.pool.Release(b)
		}
	}
	r.Finish()

	var seq uint32
	if sds := r.Streams(); len(sds) > 0 {
		seq = sds[0].Seq()
	}
	s.bus.Publish(notify.Event{
		Kind:      notify.RequestDone,
		Seq:       seq,
		RequestID: r.ID,
		Status:    r.Status(),
		Timestamp: ts,
	})
	slog.Debug("done: request complete", "request", r.ID, "status", r.Status())

	s.TryDispatchPending()
}

// CleanupAll completes every request on pipe with status, pending and
// running alike. Used on stream-off.
func (s *System) CleanupAll(pipe int, status request.Status) {
	c, err := s.pipeOwner(pipe)
	if err != nil {
		slog.Error("done: cleanup of unknown pipe", "error", err)
		return
	}

	var pend, run []*request.Request
	s.mu.Lock()
	kept := s.pending[:0]
	for _, r := range s.pending {
		if r.PipesUsed()&(1<<pipe) != 0 {
			pend = append(pend, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	for _, r := range s.running {
		if r.Stream(pipe) != nil {
			run = append(run, r)
		}
	}
	s.mu.Unlock()

	for _, r := range pend {
		s.dropPending(r, status)
	}

	ts := s.opts.Clock()
	for _, r := range run {
		sd := r.Stream(pipe)
		won, del := r.MarkPipeDone(pipe, c.streamingPipes.Load(), s.streamingPipes())
		if !won {
			continue
		}
		if status == request.StatusError {
			r.MarkFailed()
		}
		if pipe == c.pipe && !c.m2m {
			c.states.Remove(sd.Handle())
		}
		c.counters.cleanedUp.Add(1)
		s.bus.Publish(notify.Event{
			Kind:      notify.BufferDone,
			Ctx:       sd.Ctx(),
			Pipe:      pipe,
			Seq:       sd.Seq(),
			RequestID: r.ID,
			Status:    status,
			Buffers:   sd.Buffers(),
			Timestamp: ts,
		})
		if del {
			s.deleteRequest(r, ts)
		}
	}

	if len(pend)+len(run) > 0 {
		slog.Info("done: pipe cleaned up",
			"pipe", pipe,
			"pending", len(pend),
			"running", len(run),
			"status", status,
		)
	}
}

// dropPending reports a request that never ran. It holds no buffers.
func (s *System) dropPending(r *request.Request, status request.Status) {
	if !r.Transition(request.Pending, request.Running) {
		return
	}
	r.Transition(request.Running, request.Deleting)
	if status == request.StatusError {
		r.MarkFailed()
	}
	if r.Sync.Abandon() {
		s.syncFrame(false)
	}
	ts := s.opts.Clock()
	for _, sd := range r.Streams() {
		s.bus.Publish(notify.Event{
			Kind:      notify.BufferDone,
			Ctx:       sd.Ctx(),
			Pipe:      sd.Pipe(),
			RequestID: r.ID,
			Status:    status,
			Buffers:   sd.Buffers(),
			Timestamp: ts,
		})
	}
	r.Finish()
	s.bus.Publish(notify.Event{
		Kind:      notify.RequestDone,
		RequestID: r.ID,
		Status:    r.Status(),
		Timestamp: ts,
	})
}
