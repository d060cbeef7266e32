package sim

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// RecordBus accepts every I2C write and keeps the last one per address.
type RecordBus struct {
	rec i2ctest.Record

	mu     sync.Mutex
	writes uint64
	last   map[uint16][]byte
}

// NewRecordBus returns an empty recorder.
func NewRecordBus() *RecordBus {
	return &RecordBus{last: make(map[uint16][]byte)}
}

func (r *RecordBus) String() string { return "sim-i2c" }

// Tx implements i2c.Bus.
func (r *RecordBus) Tx(addr uint16, w, rd []byte) error {
	if err := r.rec.Tx(addr, w, rd); err != nil {
		return err
	}

	r.rec.Lock()
	ops := append([]i2ctest.IO(nil), r.rec.Ops...)
	r.rec.Ops = r.rec.Ops[:0]
	r.rec.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.writes++
		r.last[op.Addr] = append([]byte(nil), op.W...)
	}
	return nil
}

// SetSpeed implements i2c.Bus.
func (r *RecordBus) SetSpeed(f physic.Frequency) error { return nil }

// Close implements i2c.BusCloser.
func (r *RecordBus) Close() error { return nil }

// Writes returns the number of transactions seen.
func (r *RecordBus) Writes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// LastWrite returns the last bytes written to addr.
func (r *RecordBus) LastWrite(addr uint16) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.last[addr]...)
}

// OpenBus opens the named I2C bus through the host drivers, or a
// RecordBus when name is empty.
func OpenBus(name string) (i2c.BusCloser, error) {
	if name == "" {
		return NewRecordBus(), nil
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("sim: host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("sim: open i2c bus %q: %w", name, err)
	}
	return b, nil
}

// NewSensor binds a CCS sensor at addr on bus.
func NewSensor(bus i2c.Bus, addr uint16, interval sensor.Interval) *sensor.I2CSensor {
	return sensor.NewI2CSensor(bus, addr, interval, sensor.CCSRegisters)
}
