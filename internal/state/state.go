// Package state implements the per-frame state machine used by the
// frame-control core.
//
// Every (request, pipe) frame that needs sensor and command-queue
// coordination owns one entry in a per-context List. Entries advance
// through the states below with compare-and-swap transitions, so the SOF
// handler, the CQ-done handler and the sensor worker can all try to move
// the same entry and exactly one of them wins.
//
// Flow (normal):
//
//	READY → SENSOR → CQ → OUTER → INNER → DONE_NORMAL
//
// Detours:
//   - READY → SENINF → SENSOR (sensor-interface switch)
//   - CQ → CQ_SCQ_DELAY → OUTER (shadow CQ missed its deadline)
//   - CQ → CAMMUX_OUTER_CFG → OUTER (camera-mux reprogramming)
//   - OUTER → OUTER_HW_DELAY, INNER → INNER_HW_DELAY (hardware did not latch)
//   - any → DONE_MISMATCH (frame finished out of order)
package state

// State is the position of one frame in the pipeline.
type State int32

const (
	Ready State = iota
	Seninf
	Sensor
	CQ
	CQScqDelay
	Outer
	OuterHWDelay
	CammuxOuterCfg
	CammuxOuterCfgDelay
	Inner
	InnerHWDelay
	DoneNormal
	DoneMismatch
)

// String returns the short name used in logs.
func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Seninf:
		return "SENINF"
	case Sensor:
		return "SENSOR"
	case CQ:
		return "CQ"
	case CQScqDelay:
		return "CQ_SCQ_DELAY"
	case Outer:
		return "OUTER"
	case OuterHWDelay:
		return "OUTER_HW_DELAY"
	case CammuxOuterCfg:
		return "CAMMUX_OUTER_CFG"
	case CammuxOuterCfgDelay:
		return "CAMMUX_OUTER_CFG_DELAY"
	case Inner:
		return "INNER"
	case InnerHWDelay:
		return "INNER_HW_DELAY"
	case DoneNormal:
		return "DONE_NORMAL"
	case DoneMismatch:
		return "DONE_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// Rank orders states along the pipeline. A delay variant has the rank of
// the stage it is retrying, so observed ranks never decrease for a frame.
//
//	READY(0) < SENSOR,SENINF(1) < CQ(2) < OUTER,CAMMUX_OUTER_CFG(3) < INNER(4) < DONE(5)
func (s State) Rank() int {
	switch s {
	case Ready:
		return 0
	case Seninf, Sensor:
		return 1
	case CQ, CQScqDelay:
		return 2
	case Outer, OuterHWDelay, CammuxOuterCfg, CammuxOuterCfgDelay:
		return 3
	case Inner, InnerHWDelay:
		return 4
	case DoneNormal, DoneMismatch:
		return 5
	default:
		return -1
	}
}

// IsDelay reports whether s is a one-frame retry variant.
func (s State) IsDelay() bool {
	switch s {
	case CQScqDelay, OuterHWDelay, CammuxOuterCfgDelay, InnerHWDelay:
		return true
	}
	return false
}

// IsTerminal reports whether s is DONE_NORMAL or DONE_MISMATCH.
func (s State) IsTerminal() bool {
	return s == DoneNormal || s == DoneMismatch
}

// IsOuter reports whether the register set of a frame in s is staged but
// not yet latched by hardware.
func (s State) IsOuter() bool {
	switch s {
	case Outer, OuterHWDelay, CammuxOuterCfg, CammuxOuterCfgDelay:
		return true
	}
	return false
}

// IsInner reports whether hardware is currently running the frame's
// register set.
func (s State) IsInner() bool {
	return s == Inner || s == InnerHWDelay
}
