package framecontrol

import (
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/core"
)

// Controller is the frame-control core.
//
// Implementations must guarantee:
//   - OnStartOfFrame, OnCommandQueueDone, OnFrameDone and OnFrameAck never
//     block (safe to call from an interrupt-style goroutine)
//   - every enqueued request produces exactly one RequestDone event and
//     one BufferDone event per stream
//   - StreamOff is synchronous: nothing of the context runs after it returns
//   - Stats is safe from any goroutine
type Controller interface {
	// Enqueue queues a capture request. It is dispatched as soon as every
	// context it uses is streaming and a working buffer is free.
	Enqueue(spec Spec) (uuid.UUID, error)

	// StreamOn starts a context and dispatches waiting requests.
	StreamOn(ctx int) error

	// StreamOff stops a context. Outstanding buffers of its pipes are
	// completed with StatusError.
	StreamOff(ctx int) error

	// CleanupAll completes every request on pipe with status.
	CleanupAll(pipe int, status Status)

	// Hardware and co-processor events.
	OnStartOfFrame(ev SOFEvent) SOFResult
	OnCommandQueueDone(ev CQDoneEvent)
	OnFrameDone(ev FrameDoneEvent)
	OnFrameAck(ack Ack)

	// Subscribe registers ch for client events. Sends never block; a full
	// channel drops the event and counts it.
	Subscribe(id string, ch chan<- Event) error
	Unsubscribe(id string) error

	// FrameState returns the pipeline state of frame seq on a context.
	FrameState(ctx int, seq uint32) (FrameState, bool)

	Stats() Stats

	// Close stops every context and frees the working buffers.
	Close() error
}

// New creates a Controller with every context stopped.
func New(opts Options) (Controller, error) {
	s, err := core.New(opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
