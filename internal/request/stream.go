package request

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// Flags are per-frame diagnostics set upstream of completion.
type Flags uint32

const (
	// FlagUnreliable forces an ERROR disposition (sensor write failed,
	// forced done on a skipped frame).
	FlagUnreliable Flags = 1 << iota
	// FlagSensorDelayed: settings were not applied by the frame's SOF.
	FlagSensorDelayed
	// FlagMuxSwitch: camera-mux routing changes with this frame.
	FlagMuxSwitch
	// FlagSeninfSwitch: sensor-interface input changes with this frame.
	FlagSeninfSwitch
	// FlagMismatch: the frame finished out of order (DONE_MISMATCH).
	FlagMismatch
)

// CQDesc locates the composed command queue inside a working buffer.
type CQDesc struct {
	Offset uint32
	Size   uint32
}

// StreamData is the state of one (request, pipe).
//
// Pipe, context and buffers never change. The frame sequence and state
// handle are assigned once when the request is dispatched, before the
// entry becomes visible to the interrupt path. Everything else is atomic
// or guarded by mu.
type StreamData struct {
	req     *Request
	pipe    int
	ctx     int
	buffers []uint64

	seq    atomic.Uint32
	handle atomic.Uint64

	buf   atomic.Pointer[pool.Buffer]
	flags atomic.Uint32

	doneQueued atomic.Bool
	sofNanos   atomic.Int64

	mu sync.Mutex
	cq CQDesc
}

// Request returns the owning request.
func (sd *StreamData) Request() *Request { return sd.req }

// Pipe returns the pipe index.
func (sd *StreamData) Pipe() int { return sd.pipe }

// Ctx returns the owning sensor-control context.
func (sd *StreamData) Ctx() int { return sd.ctx }

// Buffers returns the client buffer references.
func (sd *StreamData) Buffers() []uint64 { return sd.buffers }

// Seq returns the frame sequence number; 0 until dispatched.
func (sd *StreamData) Seq() uint32 { return sd.seq.Load() }

// SetSeq assigns the frame sequence number.
func (sd *StreamData) SetSeq(seq uint32) { sd.seq.Store(seq) }

// Handle returns the state entry handle, if one was attached.
func (sd *StreamData) Handle() state.Handle {
	return state.UnpackHandle(sd.handle.Load())
}

// SetHandle attaches the state entry handle.
func (sd *StreamData) SetHandle(h state.Handle) { sd.handle.Store(h.Pack()) }

// AttachBuffer gives sd ownership of b. Returns false if sd already owns one.
func (sd *StreamData) AttachBuffer(b *pool.Buffer) bool {
	return sd.buf.CompareAndSwap(nil, b)
}

// Buffer returns the owned working buffer without detaching it.
func (sd *StreamData) Buffer() *pool.Buffer { return sd.buf.Load() }

// TakeBuffer detaches the working buffer. Only the first caller gets it.
func (sd *StreamData) TakeBuffer() *pool.Buffer { return sd.buf.Swap(nil) }

// SetFlag sets f.
func (sd *StreamData) SetFlag(f Flags) {
	for {
		old := sd.flags.Load()
		if old&uint32(f) == uint32(f) || sd.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// Has reports whether f is set.
func (sd *StreamData) Has(f Flags) bool { return sd.flags.Load()&uint32(f) != 0 }

// MarkDoneQueued latches that frame-done work was queued for this frame.
// Returns true for the first caller.
func (sd *StreamData) MarkDoneQueued() bool { return sd.doneQueued.CompareAndSwap(false, true) }

// DoneQueued reports whether frame-done work was queued.
func (sd *StreamData) DoneQueued() bool { return sd.doneQueued.Load() }

// SetTimestamp records the SOF time of the frame.
func (sd *StreamData) SetTimestamp(t time.Time) { sd.sofNanos.Store(t.UnixNano()) }

// Timestamp returns the SOF time of the frame, zero if unset.
func (sd *StreamData) Timestamp() time.Time {
	ns := sd.sofNanos.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetCQ records the composed command-queue location.
func (sd *StreamData) SetCQ(d CQDesc) {
	sd.mu.Lock()
	sd.cq = d
	sd.mu.Unlock()
}

// CQ returns the composed command-queue location.
func (sd *StreamData) CQ() CQDesc {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.cq
}
