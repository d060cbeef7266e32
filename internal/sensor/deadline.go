// Package sensor schedules sensor-setting pushes against Start-Of-Frame.
//
// Once per frame the scheduler decides when to hand the next exposure/gain
// payload to the sensor worker: as late as possible so the payload is
// fresh, but early enough that the I2C write lands before the sensor's
// shutter window closes.
//
// Timeline (30fps):
//
//	SOF ──── Event (18ms) ──── retry (+Sensor 7ms) ──── reserved ──── next SOF
//	          │ caught up? push  │ still nothing? drained, stop
package sensor

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Interval is a frame interval in seconds, Numerator/Denominator.
type Interval struct {
	Numerator   uint32
	Denominator uint32
}

// Frequency converts the interval into a frame rate. ok is false for a
// zero or undeclared interval.
func (i Interval) Frequency() (physic.Frequency, bool) {
	if i.Numerator == 0 || i.Denominator == 0 {
		return 0, false
	}
	return physic.Frequency(uint64(i.Denominator) * uint64(physic.Hertz) / uint64(i.Numerator)), true
}

// Deadlines are the per-frame timing parameters of one context.
type Deadlines struct {
	Period time.Duration // frame period
	Event  time.Duration // SOF → first expiry
	Sensor time.Duration // reserved window before end of frame; also the retry step
}

// Bucket maps frame rates up to MaxFPS (0 = unbounded) to deadlines.
type Bucket struct {
	MaxFPS physic.Frequency
	Event  time.Duration
	Sensor time.Duration
}

// Table is ordered by ascending MaxFPS; the last bucket should be unbounded.
type Table []Bucket

// Timing constants for sensor pushes.
const (
	SetDeadline       = 18 * time.Millisecond
	SetReserved       = 7 * time.Millisecond
	SetDeadline60FPS  = 6 * time.Millisecond
	SetReserved60FPS  = 6 * time.Millisecond
	fallbackFrequency = 30 * physic.Hertz
)

// DefaultTable: normal deadlines up to 30fps, the aggressive fixed window
// above that.
var DefaultTable = Table{
	{MaxFPS: 30 * physic.Hertz, Event: SetDeadline, Sensor: SetReserved},
	{MaxFPS: 0, Event: SetDeadline60FPS, Sensor: SetReserved60FPS},
}

// Lookup returns the deadlines for frame rate f. A zero f is treated as
// 30fps.
func (t Table) Lookup(f physic.Frequency) Deadlines {
	if f <= 0 {
		f = fallbackFrequency
	}
	tbl := t
	if len(tbl) == 0 {
		tbl = DefaultTable
	}

	b := tbl[len(tbl)-1]
	for _, c := range tbl {
		if c.MaxFPS == 0 || f <= c.MaxFPS {
			b = c
			break
		}
	}

	d := Deadlines{
		Period: f.Period(),
		Event:  b.Event,
		Sensor: b.Sensor,
	}
	// A bucket sized for a slower rate must still leave room in the frame.
	if d.Event >= d.Period {
		d.Event = d.Period / 2
	}
	return d
}

// LookupInterval classifies a declared frame interval.
func (t Table) LookupInterval(i Interval) (Deadlines, bool) {
	f, ok := i.Frequency()
	return t.Lookup(f), ok
}
