// Package sim simulates the CamSys hardware around the frame-control
// core: a raw front end that latches command queues at Start-Of-Frame
// and raises done interrupts, a command-queue co-processor and I2C
// sensors.
//
// Per streaming context the device runs one SOF ticker goroutine:
//
//	tick: write out the latched frame (frame done) → latch the next
//	      loaded command queue → SOF(InnerSeq, WriteCount)
//
// Faults can be injected every n-th tick: a stall (the frame is not
// written and SOF repeats) or a lost done interrupt (the frame is
// written but no done is raised).
package sim

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/core"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
)

// Handler receives simulated interrupts.
type Handler interface {
	OnStartOfFrame(ev core.SOFEvent) core.SOFResult
	OnCommandQueueDone(ev core.CQDoneEvent)
	OnFrameDone(ev core.FrameDoneEvent)
	OnFrameAck(ack ipi.Ack)
}

// Faults selects injected hardware misbehaviour; 0 disables a fault.
type Faults struct {
	StallEvery    int // every n-th SOF the hardware does not advance
	LoseDoneEvery int // every n-th frame done is lost
	BusyEvery     int // every n-th co-processor submission answers busy
}

// ContextConfig describes one simulated context.
type ContextConfig struct {
	ID     int
	Pipes  []int // primary first
	Period time.Duration
	M2M    bool
}

// DeviceStats counts simulated interrupts.
type DeviceStats struct {
	SOFs        uint64 `json:"sofs"`
	CQLoads     uint64 `json:"cq_loads"`
	FrameDones  uint64 `json:"frame_dones"`
	Stalls      uint64 `json:"stalls"`
	LostDones   uint64 `json:"lost_dones"`
	MuxSwitches uint64 `json:"mux_switches"`
	SeninfSwaps uint64 `json:"seninf_swaps"`
	SyncArms    uint64 `json:"sync_arms"`
	SyncDisarms uint64 `json:"sync_disarms"`
	M2MFrames   uint64 `json:"m2m_frames"`
}

type rawCtx struct {
	cfg ContextConfig

	mu         sync.Mutex
	output     bool
	loaded     []uint32 // command queues applied, not yet latched
	inner      uint32
	innerDone  bool
	writeCount uint32
	ticks      uint64

	stop chan struct{}
	done chan struct{}
}

// Device is the simulated raw front end. It implements core.RawDevice.
type Device struct {
	faults    Faults
	modulus   uint32
	cqLatency time.Duration
	now       func() time.Time

	handler atomic.Pointer[handlerBox]
	ctxs    map[int]*rawCtx

	sofs, cqLoads, frameDones, stalls, lostDones, mux, m2m atomic.Uint64
	seninf, syncOn, syncOff                                atomic.Uint64
}

type handlerBox struct{ h Handler }

// NewDevice creates a device for ctxs. modulus is the width of the
// hardware write counter.
func NewDevice(ctxs []ContextConfig, faults Faults, modulus uint32) *Device {
	d := &Device{
		faults:    faults,
		modulus:   modulus,
		cqLatency: time.Millisecond,
		now:       time.Now,
		ctxs:      make(map[int]*rawCtx, len(ctxs)),
	}
	for _, c := range ctxs {
		d.ctxs[c.ID] = &rawCtx{cfg: c}
	}
	return d
}

// Attach routes interrupts to h. Interrupts raised before Attach are
// dropped.
func (d *Device) Attach(h Handler) {
	d.handler.Store(&handlerBox{h: h})
}

func (d *Device) target() Handler {
	if b := d.handler.Load(); b != nil {
		return b.h
	}
	return nil
}

// ApplyCommandQueue implements core.RawDevice. The CQ-done interrupt
// follows after the load latency.
func (d *Device) ApplyCommandQueue(ctx int, seq uint32, iova uint64, size, offset uint32) error {
	c, ok := d.ctxs[ctx]
	if !ok {
		return core.ErrUnknownContext
	}
	d.cqLoads.Add(1)
	if c.cfg.M2M {
		return nil
	}

	c.mu.Lock()
	c.loaded = append(c.loaded, seq)
	c.mu.Unlock()

	time.AfterFunc(d.cqLatency, func() {
		if h := d.target(); h != nil {
			h.OnCommandQueueDone(core.CQDoneEvent{Ctx: ctx, Seq: seq})
		}
	})
	return nil
}

// StreamOn implements core.RawDevice: enabling output starts the SOF
// ticker, disabling it stops and joins the ticker.
func (d *Device) StreamOn(ctx int, enable bool) error {
	c, ok := d.ctxs[ctx]
	if !ok {
		return core.ErrUnknownContext
	}

	c.mu.Lock()
	if enable == c.output {
		c.mu.Unlock()
		return nil
	}
	c.output = enable
	if enable {
		if c.cfg.M2M {
			c.mu.Unlock()
			return nil
		}
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		stop, done := c.stop, c.done
		c.mu.Unlock()
		go d.tick(c, stop, done)
		slog.Debug("sim: output enabled", "ctx", ctx)
		return nil
	}
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.loaded = nil
	c.inner, c.innerDone, c.writeCount, c.ticks = 0, false, 0, 0
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	slog.Debug("sim: output disabled", "ctx", ctx)
	return nil
}

// TriggerRawInput implements core.RawDevice: a memory-to-memory frame is
// written one period later.
func (d *Device) TriggerRawInput(ctx int, seq uint32) error {
	c, ok := d.ctxs[ctx]
	if !ok {
		return core.ErrUnknownContext
	}
	d.m2m.Add(1)
	time.AfterFunc(c.cfg.Period, func() {
		h := d.target()
		if h == nil {
			return
		}
		ts := d.now()
		for _, p := range c.cfg.Pipes {
			h.OnFrameDone(core.FrameDoneEvent{Pipe: p, Seq: seq, Timestamp: ts})
		}
		d.frameDones.Add(1)
	})
	return nil
}

// SetCamMux implements core.RawDevice.
func (d *Device) SetCamMux(ctx int, seq uint32) error {
	if _, ok := d.ctxs[ctx]; !ok {
		return core.ErrUnknownContext
	}
	d.mux.Add(1)
	return nil
}

// SwitchInput implements core.SeninfSwitcher.
func (d *Device) SwitchInput(ctx int, seq uint32) error {
	if _, ok := d.ctxs[ctx]; !ok {
		return core.ErrUnknownContext
	}
	d.seninf.Add(1)
	return nil
}

// SyncFrame implements core.FrameSyncer.
func (d *Device) SyncFrame(on bool) {
	if on {
		d.syncOn.Add(1)
	} else {
		d.syncOff.Add(1)
	}
}

func (d *Device) tick(c *rawCtx, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(c.cfg.Period)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			d.step(c)
		}
	}
}

// step is one frame boundary of context c.
func (d *Device) step(c *rawCtx) {
	c.mu.Lock()
	c.ticks++
	n := c.ticks
	stall := d.faults.StallEvery > 0 && n%uint64(d.faults.StallEvery) == 0
	lose := !stall && d.faults.LoseDoneEvery > 0 && n%uint64(d.faults.LoseDoneEvery) == 0

	var doneSeq uint32
	lost := false
	if c.inner != 0 && !c.innerDone && !stall {
		c.writeCount = c.inner
		if d.modulus > 0 {
			c.writeCount %= d.modulus
		}
		c.innerDone = true
		if lose {
			lost = true
		} else {
			doneSeq = c.inner
		}
	}
	// A stalled or lost frame repeats its SOF.
	if !stall && !lost && len(c.loaded) > 0 {
		c.inner = c.loaded[0]
		c.loaded = c.loaded[1:]
		c.innerDone = false
	}
	ev := core.SOFEvent{Ctx: c.cfg.ID, InnerSeq: c.inner, WriteCount: c.writeCount, Timestamp: d.now()}
	c.mu.Unlock()

	h := d.target()
	if h == nil {
		return
	}
	if stall {
		d.stalls.Add(1)
	}
	if lost {
		d.lostDones.Add(1)
	}
	if doneSeq != 0 {
		for _, p := range c.cfg.Pipes {
			h.OnFrameDone(core.FrameDoneEvent{Pipe: p, Seq: doneSeq, Timestamp: ev.Timestamp})
		}
		d.frameDones.Add(1)
	}
	if ev.InnerSeq != 0 {
		d.sofs.Add(1)
		h.OnStartOfFrame(ev)
	}
}

// Stats returns interrupt counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		SOFs:        d.sofs.Load(),
		CQLoads:     d.cqLoads.Load(),
		FrameDones:  d.frameDones.Load(),
		Stalls:      d.stalls.Load(),
		LostDones:   d.lostDones.Load(),
		MuxSwitches: d.mux.Load(),
		SeninfSwaps: d.seninf.Load(),
		SyncArms:    d.syncOn.Load(),
		SyncDisarms: d.syncOff.Load(),
		M2MFrames:   d.m2m.Load(),
	}
}
