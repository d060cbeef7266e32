package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

const sample = `
instance_id: camsys-lab
contexts:
  - id: 0
    pipe: 0
    aux_pipes: [4]
    sensor:
      i2c_addr: 0x10
      frame_interval: {numerator: 1, denominator: 60}
  - id: 1
    pipe: 1
    m2m: true
timing:
  - {max_fps: 30, event_ms: 20, sensor_ms: 8}
  - {max_fps: 0, event_ms: 5, sensor_ms: 5}
mqtt:
  broker: tcp://localhost:1883
`

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camsys.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Contexts) != 2 || cfg.Contexts[0].AuxPipes[0] != 4 || !cfg.Contexts[1].M2M {
		t.Errorf("contexts not parsed: %+v", cfg.Contexts)
	}
	if cfg.Pool.Count != 16 || cfg.Core.ScanDepth != 8 || cfg.Core.WrapModulus != 256 {
		t.Errorf("defaults not applied: pool=%+v core=%+v", cfg.Pool, cfg.Core)
	}
	if cfg.MQTT.Topics.Events != "camsys/events/camsys-lab" {
		t.Errorf("unexpected events topic %q", cfg.MQTT.Topics.Events)
	}
	if cfg.ShutdownTimeout() != 5*time.Second || cfg.M2MAckTimeout() != 100*time.Millisecond {
		t.Error("duration helpers wrong")
	}

	tbl := cfg.DeadlineTable()
	if len(tbl) != 2 || tbl[0].MaxFPS != 30*physic.Hertz || tbl[0].Event != 20*time.Millisecond {
		t.Errorf("timing override not converted: %+v", tbl)
	}
	if dl := tbl.Lookup(60 * physic.Hertz); dl.Event != 5*time.Millisecond {
		t.Errorf("60fps lookup used wrong bucket: %+v", dl)
	}

	rc := cfg.RetryConfig()
	if rc.MaxRetries != 3 || rc.RetryDelay != 200*time.Microsecond {
		t.Errorf("retry defaults wrong: %+v", rc)
	}
	if iv := cfg.Contexts[0].Sensor.Interval(); iv.Denominator != 60 {
		t.Errorf("interval not converted: %+v", iv)
	}
	if p := cfg.Contexts[0].Period(); p != time.Second/60 {
		t.Errorf("Period() = %v, want %v", p, time.Second/60)
	}
	if p := cfg.Contexts[1].Period(); p != time.Second/30 {
		t.Errorf("undeclared Period() = %v, want 30fps", p)
	}
	if pipes := cfg.Contexts[0].Pipes(); len(pipes) != 2 || pipes[0] != 0 || pipes[1] != 4 {
		t.Errorf("Pipes() = %v", pipes)
	}
	if cfg.Sim.InFlight != 4 || cfg.AckLatency() != 2*time.Millisecond {
		t.Errorf("sim defaults wrong: %+v", cfg.Sim)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
	if cfg.MQTT.Broker != "" {
		t.Error("default must not require a broker")
	}
	if pc := cfg.PoolConfig(); pc.Count != 16 || pc.BufferSize != 64<<10 {
		t.Errorf("unexpected pool config %+v", pc)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing instance", "contexts: [{id: 0}]", "instance_id is required"},
		{"bad instance", "instance_id: Bad_ID\ncontexts: [{id: 0}]", "pattern"},
		{"no contexts", "instance_id: a", "at least one context"},
		{"duplicate id", "instance_id: a\ncontexts: [{id: 0, pipe: 0}, {id: 0, pipe: 1}]", "duplicate context id"},
		{"shared pipe", "instance_id: a\ncontexts: [{id: 0, pipe: 0}, {id: 1, pipe: 2, aux_pipes: [0]}]", "already owned"},
		{"pipe range", "instance_id: a\ncontexts: [{id: 0, pipe: 40}]", "out of range"},
		{"half interval", "instance_id: a\ncontexts: [{id: 0, sensor: {frame_interval: {numerator: 1}}}]", "both numerator"},
		{"unbounded first", "instance_id: a\ncontexts: [{id: 0}]\ntiming: [{max_fps: 0, event_ms: 1, sensor_ms: 1}, {max_fps: 30, event_ms: 1, sensor_ms: 1}]", "must be last"},
		{"descending", "instance_id: a\ncontexts: [{id: 0}]\ntiming: [{max_fps: 60, event_ms: 1, sensor_ms: 1}, {max_fps: 30, event_ms: 1, sensor_ms: 1}]", "ascend"},
		{"rt priority", "instance_id: a\ncontexts: [{id: 0}]\ncore: {sensor_rt_priority: 120}", "sensor_rt_priority"},
		{"qos", "instance_id: a\ncontexts: [{id: 0}]\nmqtt: {broker: tcp://x:1883, qos: 3}", "qos"},
		{"sim fault", "instance_id: a\ncontexts: [{id: 0}]\nsim: {stall_every: -1}", "sim fault"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
