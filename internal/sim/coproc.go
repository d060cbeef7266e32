package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
)

// CoProcessor stands in for the command-queue co-processor. Submissions
// travel length-prefixed over an in-process pipe, are decoded on the
// far side and acked after a latency. It implements core.CoProcessor.
type CoProcessor struct {
	latency   time.Duration
	busyEvery uint64

	handler atomic.Pointer[handlerBox]

	mu sync.Mutex // serialises writers on pw
	pr *io.PipeReader
	pw *io.PipeWriter

	sessMu   sync.Mutex
	sessions map[int]string

	done chan struct{}

	submits, busy, acks, decodeErrs atomic.Uint64
}

// CoProcessorStats counts submissions.
type CoProcessorStats struct {
	Submits      uint64 `json:"submits"`
	Busy         uint64 `json:"busy"`
	Acks         uint64 `json:"acks"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// NewCoProcessor starts the co-processor. Every busyEvery-th submission
// is refused with ipi.ErrBusy; 0 never refuses.
func NewCoProcessor(latency time.Duration, busyEvery int) *CoProcessor {
	pr, pw := io.Pipe()
	c := &CoProcessor{
		latency:  latency,
		pr:       pr,
		pw:       pw,
		sessions: make(map[int]string),
		done:     make(chan struct{}),
	}
	if busyEvery > 0 {
		c.busyEvery = uint64(busyEvery)
	}
	go c.serve()
	return c
}

// Attach routes acks to h.
func (c *CoProcessor) Attach(h Handler) {
	c.handler.Store(&handlerBox{h: h})
}

// SubmitFrame implements ipi.Submitter.
func (c *CoProcessor) SubmitFrame(ctx context.Context, session uuid.UUID, seq uint32, payload []byte) error {
	n := c.submits.Add(1)
	if c.busyEvery > 0 && n%c.busyEvery == 0 {
		c.busy.Add(1)
		return ipi.ErrBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return ipi.WriteFrame(c.pw, payload)
}

func (c *CoProcessor) serve() {
	defer close(c.done)

	for {
		payload, err := ipi.ReadFrame(c.pr)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("sim: co-processor read failed", "error", err)
			}
			return
		}
		d, err := ipi.Decode(payload)
		if err != nil {
			c.decodeErrs.Add(1)
			slog.Warn("sim: co-processor got a bad descriptor", "error", err)
			continue
		}
		c.trackSession(d)

		ack := ipi.Ack{Ctx: d.Ctx, Seq: d.Seq, Offset: 0, Size: commandQueueSize(d)}
		time.AfterFunc(c.latency, func() {
			if b := c.handler.Load(); b != nil {
				c.acks.Add(1)
				b.h.OnFrameAck(ack)
			}
		})
	}
}

func (c *CoProcessor) trackSession(d *ipi.FrameDescriptor) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if prev, ok := c.sessions[d.Ctx]; !ok || prev != d.Session {
		c.sessions[d.Ctx] = d.Session
		slog.Debug("sim: co-processor session", "ctx", d.Ctx, "session", d.Session, "seq", d.Seq)
	}
}

// commandQueueSize is a plausible composed size: a header plus one
// register block per output buffer, bounded by the working buffer.
func commandQueueSize(d *ipi.FrameDescriptor) uint32 {
	size := uint32(256 + 64*len(d.Buffers))
	if d.CQSize > 0 && size > d.CQSize {
		size = d.CQSize
	}
	return size
}

// Stats returns submission counters.
func (c *CoProcessor) Stats() CoProcessorStats {
	return CoProcessorStats{
		Submits:      c.submits.Load(),
		Busy:         c.busy.Load(),
		Acks:         c.acks.Load(),
		DecodeErrors: c.decodeErrs.Load(),
	}
}

// Close stops the co-processor. Acks already scheduled may still fire.
func (c *CoProcessor) Close() error {
	c.mu.Lock()
	err := c.pw.Close()
	c.mu.Unlock()
	<-c.done
	return err
}
