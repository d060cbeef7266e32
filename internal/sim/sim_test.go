package sim

import (
	"context"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/core"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

const fastConfig = `
instance_id: sim-test
contexts:
  - id: 0
    pipe: 0
    aux_pipes: [2]
    sensor:
      i2c_addr: 0x10
      frame_interval: {numerator: 1, denominator: 100}
pool:
  count: 8
sim:
  ack_latency_us: 500
  in_flight: 4
`

func loadConfig(t *testing.T, yaml string, tweak func(*config.Config)) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tweak != nil {
		tweak(cfg)
	}
	return cfg
}

// run streams every context of cfg, drives frames requests through a
// client and tears everything down.
func run(t *testing.T, cfg *config.Config, frames int) (ClientResult, core.Stats, RigStats) {
	t.Helper()

	rig := NewRig(cfg, NewRecordBus())
	sys, err := core.New(rig.Options(cfg))
	if err != nil {
		t.Fatalf("core.New failed: %v", err)
	}
	rig.Attach(sys)

	for _, cc := range cfg.Contexts {
		if err := sys.StreamOn(cc.ID); err != nil {
			t.Fatalf("StreamOn(%d) failed: %v", cc.ID, err)
		}
	}

	client := &Client{Name: "load", Contexts: rig.Contexts, InFlight: cfg.Sim.InFlight, Sync: cfg.Sim.Sync}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := client.Run(ctx, sys, frames)
	if err != nil {
		t.Fatalf("client failed after %+v: %v", res, err)
	}

	st := sys.Stats()
	for _, cc := range cfg.Contexts {
		if err := sys.StreamOff(cc.ID); err != nil {
			t.Errorf("StreamOff(%d) failed: %v", cc.ID, err)
		}
	}
	if err := sys.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	rs := rig.Stats()
	if err := rig.Close(); err != nil {
		t.Errorf("rig Close failed: %v", err)
	}
	return res, st, rs
}

func TestSimulatedStreamCompletesEveryFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time simulation")
	}
	cfg := loadConfig(t, fastConfig, nil)
	const frames = 40

	res, st, rs := run(t, cfg, frames)

	if res.Done+res.Errors != frames || res.Duplicates != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Done < frames-2 {
		t.Errorf("too many failed frames on a clean device: %+v", res)
	}
	if st.Running != 0 || st.Pending != 0 {
		t.Errorf("requests left: running=%d pending=%d", st.Running, st.Pending)
	}
	if st.Pool.InUse != 0 {
		t.Errorf("pool still holds %d buffers", st.Pool.InUse)
	}
	if rs.Device.SOFs == 0 || rs.Device.FrameDones == 0 {
		t.Errorf("device never ran: %+v", rs.Device)
	}
	if s := rs.Sensors[0]; s.Applied < frames-2 {
		t.Errorf("sensor applied %d frames, want about %d", s.Applied, frames)
	}
	if rs.CoProc.DecodeErrors != 0 {
		t.Errorf("co-processor decode errors: %d", rs.CoProc.DecodeErrors)
	}
}

func TestSimulatedFaultsStillCompleteOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time simulation")
	}

	tests := []struct {
		name  string
		tweak func(*config.Config)
		check func(t *testing.T, rs RigStats, st core.Stats)
	}{
		{
			name:  "stalls",
			tweak: func(c *config.Config) { c.Sim.StallEvery = 7 },
			check: func(t *testing.T, rs RigStats, st core.Stats) {
				if rs.Device.Stalls == 0 {
					t.Error("no stall injected")
				}
				if st.Contexts[0].HWDelays == 0 {
					t.Error("stall not seen as a hardware delay")
				}
			},
		},
		{
			name:  "lost dones",
			tweak: func(c *config.Config) { c.Sim.LoseDoneEvery = 9 },
			check: func(t *testing.T, rs RigStats, st core.Stats) {
				if rs.Device.LostDones == 0 {
					t.Error("no done lost")
				}
			},
		},
		{
			name:  "busy co-processor",
			tweak: func(c *config.Config) { c.Sim.BusyEvery = 5 },
			check: func(t *testing.T, rs RigStats, st core.Stats) {
				if rs.CoProc.Busy == 0 {
					t.Error("co-processor never answered busy")
				}
				if st.Contexts[0].SubmitFailures != 0 {
					t.Errorf("single busy answers should be retried, got %d failures", st.Contexts[0].SubmitFailures)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, fastConfig, tt.tweak)
			const frames = 40

			res, st, rs := run(t, cfg, frames)

			if res.Done+res.Errors != frames || res.Duplicates != 0 {
				t.Fatalf("unexpected result %+v", res)
			}
			if st.Pool.InUse != 0 {
				t.Errorf("pool still holds %d buffers", st.Pool.InUse)
			}
			tt.check(t, rs, st)
		})
	}
}

func TestSimulatedMemoryToMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time simulation")
	}
	cfg := loadConfig(t, `
instance_id: sim-m2m
contexts:
  - id: 1
    pipe: 3
    m2m: true
    sensor:
      frame_interval: {numerator: 1, denominator: 200}
sim:
  ack_latency_us: 200
`, nil)

	res, st, rs := run(t, cfg, 12)

	if res.Done != 12 || res.Errors != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rs.Device.M2MFrames != 12 {
		t.Errorf("triggered %d frames, want 12", rs.Device.M2MFrames)
	}
	if rs.Device.SOFs != 0 {
		t.Errorf("memory-to-memory context raised %d SOFs", rs.Device.SOFs)
	}
	if st.Pool.InUse != 0 {
		t.Errorf("pool still holds %d buffers", st.Pool.InUse)
	}
}

func TestRecordBusKeepsLastWrite(t *testing.T) {
	bus := NewRecordBus()
	s := NewSensor(bus, 0x1a, cfgInterval(30))

	if err := s.ApplyControls(context.Background(), 1, controls(1200, 512)); err != nil {
		t.Fatalf("ApplyControls failed: %v", err)
	}

	// Group hold, exposure, gain, release.
	if n := bus.Writes(); n != 4 {
		t.Errorf("Writes() = %d, want 4", n)
	}
	last := bus.LastWrite(0x1a)
	if len(last) != 3 || last[0] != 0x01 || last[1] != 0x04 || last[2] != 0 {
		t.Errorf("last write %x, want group hold release", last)
	}
	if got := bus.LastWrite(0x20); len(got) != 0 {
		t.Errorf("untouched address has writes %x", got)
	}
}

func TestClientSpec(t *testing.T) {
	ctxs := []ContextConfig{
		{ID: 0, Pipes: []int{0, 4}},
		{ID: 1, Pipes: []int{1}},
		{ID: 2, Pipes: []int{2}, M2M: true},
	}

	t.Run("round robin", func(t *testing.T) {
		c := &Client{Contexts: ctxs}
		spec := c.Spec(4)
		if len(spec.Streams) != 1 || spec.Streams[0].Ctx != 1 {
			t.Errorf("request 4 should target context 1 alone: %+v", spec.Streams)
		}
		if spec.SyncTarget != 0 {
			t.Errorf("unsynced client set SyncTarget %d", spec.SyncTarget)
		}
		if _, ok := spec.Controls[1]; !ok {
			t.Error("missing sensor controls")
		}
	})

	t.Run("synced", func(t *testing.T) {
		c := &Client{Contexts: ctxs, Sync: true}
		spec := c.Spec(0)
		if len(spec.Streams) != 4 {
			t.Errorf("got %d streams, want 4", len(spec.Streams))
		}
		if spec.SyncTarget != 2 {
			t.Errorf("SyncTarget = %d, want the 2 live sensors", spec.SyncTarget)
		}
		if _, ok := spec.Controls[2]; ok {
			t.Error("memory-to-memory context got sensor controls")
		}
	})
}

func cfgInterval(fps uint32) sensor.Interval {
	return sensor.Interval{Numerator: 1, Denominator: fps}
}

func controls(exposure, gain uint16) sensor.Controls {
	return sensor.Controls{ExposureLines: exposure, AnalogGain: gain}
}
