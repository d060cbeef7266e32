package core

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

var (
	ErrClosed           = errors.New("core: system closed")
	ErrUnknownContext   = errors.New("core: unknown context")
	ErrUnknownPipe      = errors.New("core: pipe not owned by any context")
	ErrNotStreaming     = errors.New("core: context not streaming")
	ErrAlreadyStreaming = errors.New("core: context already streaming")

	ErrFrameSyncNotReady = errors.New("core: frame-sync not ready")
	ErrForcedDone        = errors.New("core: frame forced done after hardware skip")
	ErrMismatch          = errors.New("core: frame finished out of order")
	ErrUnreliable        = errors.New("core: frame data unreliable")
	ErrScanDepth         = errors.New("core: frame-done scan depth exceeded")
	ErrStateNotFound     = errors.New("core: state entry not found")
	ErrRequestNotFound   = errors.New("core: request not found")
)

// Category classifies errors for logs and stats.
type Category int

const (
	// CategoryDeferral is not a failure: the work retries on the next SOF
	// or timer expiry.
	CategoryDeferral Category = iota
	// CategoryIntegrity completes the frame with an ERROR status; the
	// pipeline keeps running.
	CategoryIntegrity
	// CategoryExhaustion stalls one frame and is logged loudly.
	CategoryExhaustion
	// CategoryInvariant should never happen; the affected object is
	// skipped.
	CategoryInvariant
	// CategoryUnknown covers collaborator errors.
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryDeferral:
		return "deferral"
	case CategoryIntegrity:
		return "integrity"
	case CategoryExhaustion:
		return "exhaustion"
	case CategoryInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Classify maps err to its category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrFrameSyncNotReady), errors.Is(err, ipi.ErrBusy):
		return CategoryDeferral
	case errors.Is(err, ErrForcedDone), errors.Is(err, ErrMismatch), errors.Is(err, ErrUnreliable):
		return CategoryIntegrity
	case errors.Is(err, pool.ErrUnavailable), errors.Is(err, state.ErrFull), errors.Is(err, ErrScanDepth):
		return CategoryExhaustion
	case errors.Is(err, ErrStateNotFound), errors.Is(err, ErrRequestNotFound), errors.Is(err, state.ErrDuplicate):
		return CategoryInvariant
	default:
		return CategoryUnknown
	}
}
