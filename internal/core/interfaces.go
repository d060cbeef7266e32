package core

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// RawDevice is the ISP raw front end. Calls come from the SOF path and
// from workers; implementations must not block for long.
type RawDevice interface {
	// ApplyCommandQueue points the hardware at the composed command queue
	// for frame seq.
	ApplyCommandQueue(ctx int, seq uint32, iova uint64, size, offset uint32) error
	// StreamOn enables or disables DMA output of the context.
	StreamOn(ctx int, enable bool) error
	// TriggerRawInput starts a memory-to-memory frame.
	TriggerRawInput(ctx int, seq uint32) error
	// SetCamMux reroutes the sensor-interface output for frame seq.
	SetCamMux(ctx int, seq uint32) error
}

// CoProcessor composes command queues. Acks come back through
// System.OnFrameAck.
type CoProcessor = ipi.Submitter

// Sensor is the image sensor of one context.
type Sensor interface {
	// FrameInterval is the declared frame interval; zero if unknown.
	FrameInterval() sensor.Interval
	// ApplyControls commits the settings of frame seq.
	ApplyControls(ctx context.Context, seq uint32, c sensor.Controls) error
}

// FrameSyncer arms and disarms the hardware multi-sensor frame-sync.
type FrameSyncer interface {
	SyncFrame(on bool)
}

// SeninfSwitcher changes the sensor-interface input of a context.
type SeninfSwitcher interface {
	SwitchInput(ctx int, seq uint32) error
}
