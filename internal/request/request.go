// Package request holds client capture requests and their per-pipe
// stream data.
//
// A Request lives in exactly one of the pending queue or the running set
// owned by the core. Its lifecycle only moves forward:
//
//	PENDING → RUNNING → DELETING → COMPLETE → CLEANUP
//
// Every transition is a compare-and-swap, so the completion paths that
// race over a request agree on a single winner for RUNNING → DELETING.
package request

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/framesync"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// MaxPipes bounds pipe indices so masks fit in a uint32.
const MaxPipes = 32

var (
	// ErrNoStreams is returned for a request that names no pipe.
	ErrNoStreams = errors.New("request: no streams")
	// ErrBadPipe is returned for a pipe index outside [0, MaxPipes).
	ErrBadPipe = errors.New("request: pipe index out of range")
	// ErrDuplicatePipe is returned when a pipe is listed twice.
	ErrDuplicatePipe = errors.New("request: pipe listed twice")
)

// Lifecycle is the request's position in the queueing system.
type Lifecycle int32

const (
	Pending Lifecycle = iota
	Running
	Deleting
	Complete
	Cleanup
)

func (l Lifecycle) String() string {
	switch l {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Deleting:
		return "DELETING"
	case Complete:
		return "COMPLETE"
	case Cleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Status is the disposition reported to the client for one buffer.
type Status int

const (
	StatusDone Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusDone {
		return "DONE"
	}
	return "ERROR"
}

// Stream names one pipe a request captures on.
type Stream struct {
	Pipe    int
	Ctx     int      // owning sensor-control context
	Buffers []uint64 // client video buffer references, opaque to the core
}

// Spec is what a client submits.
type Spec struct {
	Streams []Stream
	// Controls are the sensor settings per context.
	Controls map[int]sensor.Controls
	// SyncTarget is the number of contexts that must capture in lockstep;
	// 0 or 1 disables frame-sync.
	SyncTarget int
	// SeninfSwitch and MuxSwitch mark contexts whose routing changes with
	// this frame.
	SeninfSwitch map[int]bool
	MuxSwitch    map[int]bool
}

// Request is one client-submitted frame intent.
type Request struct {
	ID uuid.UUID

	pipesUsed uint32
	ctxUsed   uint32
	streams   []*StreamData // sorted by pipe
	controls  map[int]sensor.Controls

	// Sync is the frame-sync handshake for multi-context captures.
	Sync framesync.Descriptor

	mu       sync.Mutex // guards doneMask
	doneMask uint32

	state  atomic.Int32
	refs   atomic.Int32
	failed atomic.Bool
}

// New validates spec and builds a PENDING request.
func New(spec Spec) (*Request, error) {
	if len(spec.Streams) == 0 {
		return nil, ErrNoStreams
	}

	r := &Request{
		ID:       uuid.New(),
		controls: make(map[int]sensor.Controls, len(spec.Controls)),
	}
	for ctx, c := range spec.Controls {
		r.controls[ctx] = c
	}

	for _, st := range spec.Streams {
		if st.Pipe < 0 || st.Pipe >= MaxPipes || st.Ctx < 0 || st.Ctx >= MaxPipes {
			return nil, fmt.Errorf("%w: pipe %d ctx %d", ErrBadPipe, st.Pipe, st.Ctx)
		}
		bit := uint32(1) << st.Pipe
		if r.pipesUsed&bit != 0 {
			return nil, fmt.Errorf("%w: %d", ErrDuplicatePipe, st.Pipe)
		}
		r.pipesUsed |= bit
		r.ctxUsed |= 1 << st.Ctx

		sd := &StreamData{
			req:     r,
			pipe:    st.Pipe,
			ctx:     st.Ctx,
			buffers: append([]uint64(nil), st.Buffers...),
		}
		if spec.SeninfSwitch[st.Ctx] {
			sd.SetFlag(FlagSeninfSwitch)
		}
		if spec.MuxSwitch[st.Ctx] {
			sd.SetFlag(FlagMuxSwitch)
		}
		r.streams = append(r.streams, sd)
	}
	sort.Slice(r.streams, func(i, j int) bool { return r.streams[i].pipe < r.streams[j].pipe })

	if spec.SyncTarget > 1 {
		r.Sync.SetTarget(spec.SyncTarget)
	}
	r.refs.Store(int32(len(r.streams)))
	return r, nil
}

// PipesUsed is the mask of pipes the request captures on.
func (r *Request) PipesUsed() uint32 { return r.pipesUsed }

// ContextsUsed is the mask of sensor contexts the request touches.
func (r *Request) ContextsUsed() uint32 { return r.ctxUsed }

// Streams returns the stream data ordered by pipe.
func (r *Request) Streams() []*StreamData { return r.streams }

// Stream returns the stream data for pipe, or nil.
func (r *Request) Stream(pipe int) *StreamData {
	for _, sd := range r.streams {
		if sd.pipe == pipe {
			return sd
		}
	}
	return nil
}

// StreamsOf returns the stream data belonging to context ctx.
func (r *Request) StreamsOf(ctx int) []*StreamData {
	var out []*StreamData
	for _, sd := range r.streams {
		if sd.ctx == ctx {
			out = append(out, sd)
		}
	}
	return out
}

// Controls returns the sensor settings for context ctx.
func (r *Request) Controls(ctx int) (sensor.Controls, bool) {
	c, ok := r.controls[ctx]
	return c, ok
}

// State returns the lifecycle state.
func (r *Request) State() Lifecycle { return Lifecycle(r.state.Load()) }

// Transition moves the lifecycle from one state to another; false when the
// request is not in from.
func (r *Request) Transition(from, to Lifecycle) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// Refs is the number of pipes that still owe a completion.
func (r *Request) Refs() int { return int(r.refs.Load()) }

// DoneMask returns the pipes that have reported completion.
func (r *Request) DoneMask() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneMask
}

// MarkPipeDone records completion of pipe.
//
// won is false when the pipe was already marked; such a caller must skip
// the pipe entirely. del is true for exactly one caller: the one whose
// mark makes the done mask cover every streaming pipe of the owning
// context (ctxMask) and of the whole device (devMask), and that wins
// RUNNING → DELETING. Both checks and the transition happen under the
// request lock.
func (r *Request) MarkPipeDone(pipe int, ctxMask, devMask uint32) (won, del bool) {
	bit := uint32(1) << pipe

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doneMask&bit != 0 {
		return false, false
	}
	r.doneMask |= bit
	r.refs.Add(-1)

	needCtx := ctxMask & r.pipesUsed
	needDev := devMask & r.pipesUsed
	if r.doneMask&needCtx != needCtx || r.doneMask&needDev != needDev {
		return true, false
	}
	return true, r.Transition(Running, Deleting)
}

// MarkFailed records that at least one pipe completed with ERROR.
func (r *Request) MarkFailed() { r.failed.Store(true) }

// Status is ERROR if any pipe failed, DONE otherwise.
func (r *Request) Status() Status {
	if r.failed.Load() {
		return StatusError
	}
	return StatusDone
}

// Finish walks DELETING → COMPLETE → CLEANUP. It returns false if the
// request was not DELETING.
func (r *Request) Finish() bool {
	if !r.Transition(Deleting, Complete) {
		return false
	}
	return r.Transition(Complete, Cleanup)
}

func (r *Request) String() string {
	return fmt.Sprintf("req %s pipes=%#x state=%s", r.ID.String()[:8], r.pipesUsed, r.State())
}
