package sensor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/i2c"
)

// Controls is the per-frame payload pushed to the sensor.
type Controls struct {
	ExposureLines uint16
	AnalogGain    uint16
	FrameLength   uint16 // 0 keeps the current frame length
}

// RegisterMap locates the controls in the sensor's 16-bit register space.
type RegisterMap struct {
	GroupHold   uint16
	Exposure    uint16
	AnalogGain  uint16
	FrameLength uint16
}

// CCSRegisters is the MIPI CCS / SMIA layout shared by most raw sensors.
var CCSRegisters = RegisterMap{
	GroupHold:   0x0104,
	Exposure:    0x0202,
	AnalogGain:  0x0204,
	FrameLength: 0x0340,
}

type regWrite struct {
	reg  uint16
	data []byte
}

// I2CSensor drives a raw image sensor over I2C. Writes for one frame are
// bracketed by group hold so the sensor latches them together.
type I2CSensor struct {
	mu       sync.Mutex
	dev      i2c.Dev
	regs     RegisterMap
	interval Interval

	applied atomic.Uint64
	lastSeq atomic.Uint32
}

// NewI2CSensor binds a sensor at addr on bus.
func NewI2CSensor(bus i2c.Bus, addr uint16, interval Interval, regs RegisterMap) *I2CSensor {
	return &I2CSensor{
		dev:      i2c.Dev{Bus: bus, Addr: addr},
		regs:     regs,
		interval: interval,
	}
}

// FrameInterval returns the declared frame interval.
func (s *I2CSensor) FrameInterval() Interval { return s.interval }

// ApplyControls writes c for frame seq.
func (s *I2CSensor) ApplyControls(ctx context.Context, seq uint32, c Controls) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writes := []regWrite{
		{s.regs.GroupHold, []byte{1}},
		{s.regs.Exposure, be16(c.ExposureLines)},
		{s.regs.AnalogGain, be16(c.AnalogGain)},
	}
	if c.FrameLength != 0 {
		writes = append(writes, regWrite{s.regs.FrameLength, be16(c.FrameLength)})
	}

	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			s.release()
			return fmt.Errorf("sensor: frame %d: %w", seq, err)
		}
		if err := s.write(w.reg, w.data); err != nil {
			s.release()
			return fmt.Errorf("sensor: frame %d: write %#04x: %w", seq, w.reg, err)
		}
	}
	if err := s.write(s.regs.GroupHold, []byte{0}); err != nil {
		return fmt.Errorf("sensor: frame %d: release group hold: %w", seq, err)
	}

	s.applied.Add(1)
	s.lastSeq.Store(seq)
	return nil
}

// Applied returns how many frames were committed and the last one.
func (s *I2CSensor) Applied() (uint64, uint32) {
	return s.applied.Load(), s.lastSeq.Load()
}

// release drops group hold after a partial write; errors are ignored
// because the original failure is already being reported.
func (s *I2CSensor) release() {
	_ = s.write(s.regs.GroupHold, []byte{0})
}

func (s *I2CSensor) write(reg uint16, data []byte) error {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(reg>>8), byte(reg))
	buf = append(buf, data...)
	return s.dev.Tx(buf, nil)
}

func be16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
