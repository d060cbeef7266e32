package sim

import (
	"errors"
	"log/slog"

	"periph.io/x/conn/v3/i2c"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/core"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// Rig is the simulated hardware around one controller.
type Rig struct {
	Device   *Device
	CoProc   *CoProcessor
	Bus      i2c.BusCloser
	Sensors  map[int]*sensor.I2CSensor
	Contexts []ContextConfig
}

// RigStats aggregates the simulated hardware counters.
type RigStats struct {
	Device  DeviceStats        `json:"device"`
	CoProc  CoProcessorStats   `json:"coproc"`
	Sensors map[int]SensorStat `json:"sensors"`
}

// SensorStat is what one simulated sensor has committed.
type SensorStat struct {
	Applied uint64 `json:"applied"`
	LastSeq uint32 `json:"last_seq"`
}

// NewRig builds the device, co-processor and sensors described by cfg.
// The rig owns bus from here on.
func NewRig(cfg *config.Config, bus i2c.BusCloser) *Rig {
	r := &Rig{
		Bus:     bus,
		Sensors: make(map[int]*sensor.I2CSensor),
	}
	for _, cc := range cfg.Contexts {
		r.Contexts = append(r.Contexts, ContextConfig{
			ID:     cc.ID,
			Pipes:  cc.Pipes(),
			Period: cc.Period(),
			M2M:    cc.M2M,
		})
		if !cc.M2M {
			r.Sensors[cc.ID] = NewSensor(bus, cc.Sensor.I2CAddr, cc.Sensor.Interval())
		}
	}

	faults := Faults{
		StallEvery:    cfg.Sim.StallEvery,
		LoseDoneEvery: cfg.Sim.LoseDoneEvery,
		BusyEvery:     cfg.Sim.BusyEvery,
	}
	r.Device = NewDevice(r.Contexts, faults, uint32(cfg.Core.WrapModulus))
	r.CoProc = NewCoProcessor(cfg.AckLatency(), faults.BusyEvery)
	return r
}

// Options returns controller options wired to the rig.
func (r *Rig) Options(cfg *config.Config) core.Options {
	opts := core.Options{
		Raw:              r.Device,
		CoProc:           r.CoProc,
		FrameSync:        r.Device,
		Seninf:           r.Device,
		Pool:             cfg.PoolConfig(),
		Table:            cfg.DeadlineTable(),
		ScanDepth:        cfg.Core.ScanDepth,
		Skip:             core.WrapPolicy{Modulus: uint32(cfg.Core.WrapModulus)},
		Retry:            cfg.RetryConfig(),
		M2MAckTimeout:    cfg.M2MAckTimeout(),
		SensorRTPriority: cfg.Core.SensorRTPriority,
	}
	for _, cc := range cfg.Contexts {
		spec := core.ContextSpec{
			ID:       cc.ID,
			Pipe:     cc.Pipe,
			AuxPipes: cc.AuxPipes,
			M2M:      cc.M2M,
		}
		if s, ok := r.Sensors[cc.ID]; ok {
			spec.Sensor = s
		}
		opts.Contexts = append(opts.Contexts, spec)
	}
	return opts
}

// Attach routes the rig's interrupts and acks to h.
func (r *Rig) Attach(h Handler) {
	r.Device.Attach(h)
	r.CoProc.Attach(h)
}

// Stats returns the hardware counters.
func (r *Rig) Stats() RigStats {
	st := RigStats{
		Device:  r.Device.Stats(),
		CoProc:  r.CoProc.Stats(),
		Sensors: make(map[int]SensorStat, len(r.Sensors)),
	}
	for id, s := range r.Sensors {
		n, last := s.Applied()
		st.Sensors[id] = SensorStat{Applied: n, LastSeq: last}
	}
	return st
}

// Close stops the co-processor and releases the bus. Stream every
// context off first.
func (r *Rig) Close() error {
	err := r.CoProc.Close()
	if r.Bus != nil {
		if cerr := r.Bus.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if err != nil {
		slog.Warn("sim: rig close", "error", err)
	}
	return err
}
