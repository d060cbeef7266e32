package framecontrol

import (
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/core"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// Public API - Re-export internal types as stable contract

// Options configures a Controller.
type Options = core.Options

// ContextSpec describes one sensor-control context.
type ContextSpec = core.ContextSpec

// Tuning knobs referenced by Options.
type (
	PoolConfig    = pool.Config
	DeadlineTable = sensor.Table
	RetryConfig   = ipi.RetryConfig
)

// Collaborators implemented by the caller.
type (
	RawDevice      = core.RawDevice
	CoProcessor    = core.CoProcessor
	Sensor         = core.Sensor
	FrameSyncer    = core.FrameSyncer
	SeninfSwitcher = core.SeninfSwitcher
	SkipPolicy     = core.SkipPolicy
	WrapPolicy     = core.WrapPolicy
)

// Requests.
type (
	Spec     = request.Spec
	Stream   = request.Stream
	Status   = request.Status
	Controls = sensor.Controls
	Interval = sensor.Interval
)

const (
	StatusDone  = request.StatusDone
	StatusError = request.StatusError
)

// Hardware events.
type (
	SOFEvent        = core.SOFEvent
	CQDoneEvent     = core.CQDoneEvent
	FrameDoneEvent  = core.FrameDoneEvent
	SOFResult       = core.SOFResult
	Ack             = ipi.Ack
	FrameDescriptor = ipi.FrameDescriptor
)

const (
	PassSWDelay  = core.PassSWDelay
	TriggerCQ    = core.TriggerCQ
	PassSCQDelay = core.PassSCQDelay
	PassHWDelay  = core.PassHWDelay
)

// Client events.
type (
	Event     = notify.Event
	EventKind = notify.Kind
)

const (
	BufferDone     = notify.BufferDone
	RequestDone    = notify.RequestDone
	RequestDrained = notify.RequestDrained
	FrameStart     = notify.FrameStart
)

// Observability.
type (
	Stats        = core.Stats
	ContextStats = core.ContextStats
	FrameState   = state.State
	Category     = core.Category
)

// Frame states, in pipeline order.
const (
	StateReady               = state.Ready
	StateSeninf              = state.Seninf
	StateSensor              = state.Sensor
	StateCQ                  = state.CQ
	StateCQScqDelay          = state.CQScqDelay
	StateOuter               = state.Outer
	StateOuterHWDelay        = state.OuterHWDelay
	StateCammuxOuterCfg      = state.CammuxOuterCfg
	StateCammuxOuterCfgDelay = state.CammuxOuterCfgDelay
	StateInner               = state.Inner
	StateInnerHWDelay        = state.InnerHWDelay
	StateDoneNormal          = state.DoneNormal
	StateDoneMismatch        = state.DoneMismatch
)

// Public API errors - Re-export internal errors as stable contract
var (
	ErrSubscriberExists = notify.ErrSubscriberExists
	ErrClosed           = core.ErrClosed
	ErrUnknownContext   = core.ErrUnknownContext
	ErrUnknownPipe      = core.ErrUnknownPipe
	ErrNotStreaming     = core.ErrNotStreaming
	ErrAlreadyStreaming = core.ErrAlreadyStreaming
	ErrNoStreams        = request.ErrNoStreams
	ErrBusy             = ipi.ErrBusy
)

// Classify maps an error to its handling category.
func Classify(err error) Category { return core.Classify(err) }

// DecodeFrame parses a descriptor received by a CoProcessor.
func DecodeFrame(payload []byte) (*FrameDescriptor, error) { return ipi.Decode(payload) }
