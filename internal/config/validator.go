package config

import (
	"fmt"
	"regexp"
)

const maxPipes = 32

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := ValidateContexts(cfg.Contexts); err != nil {
		return fmt.Errorf("context validation failed: %w", err)
	}

	if cfg.Pool.Count <= 0 {
		cfg.Pool.Count = 16
	}
	if cfg.Pool.BufferSize <= 0 {
		cfg.Pool.BufferSize = 64 << 10
	}
	if cfg.Pool.IOVABase == 0 {
		cfg.Pool.IOVABase = 0x4000_0000
	}

	if err := ValidateTiming(cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if cfg.Core.ScanDepth <= 0 {
		cfg.Core.ScanDepth = 8
	}
	if cfg.Core.WrapModulus <= 0 {
		cfg.Core.WrapModulus = 256
	}
	if cfg.Core.SensorRTPriority < 0 || cfg.Core.SensorRTPriority > 99 {
		return fmt.Errorf("core.sensor_rt_priority must be in [0, 99]")
	}
	if cfg.Core.M2MAckTimeoutMS <= 0 {
		cfg.Core.M2MAckTimeoutMS = 100
	}

	if cfg.IPI.MaxRetries <= 0 {
		cfg.IPI.MaxRetries = 3
	}
	if cfg.IPI.RetryDelayUS <= 0 {
		cfg.IPI.RetryDelayUS = 200
	}
	if cfg.IPI.MaxRetryDelayUS <= 0 {
		cfg.IPI.MaxRetryDelayUS = 2000
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("frame-control-%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("camsys/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("camsys/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.Sim.StallEvery < 0 || cfg.Sim.LoseDoneEvery < 0 || cfg.Sim.BusyEvery < 0 {
		return fmt.Errorf("sim fault intervals must be >= 0")
	}
	if cfg.Sim.AckLatencyUS <= 0 {
		cfg.Sim.AckLatencyUS = 2000
	}
	if cfg.Sim.InFlight <= 0 {
		cfg.Sim.InFlight = 4
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port out of range")
	}

	return nil
}

// ValidateContexts checks ids and pipe ownership
func ValidateContexts(ctxs []ContextConfig) error {
	if len(ctxs) == 0 {
		return fmt.Errorf("at least one context is required")
	}

	ids := make(map[int]bool)
	pipes := make(map[int]int)
	claim := func(ctx, pipe int) error {
		if pipe < 0 || pipe >= maxPipes {
			return fmt.Errorf("context %d: pipe %d out of range [0, %d)", ctx, pipe, maxPipes)
		}
		if owner, taken := pipes[pipe]; taken {
			return fmt.Errorf("context %d: pipe %d already owned by context %d", ctx, pipe, owner)
		}
		pipes[pipe] = ctx
		return nil
	}

	for _, c := range ctxs {
		if c.ID < 0 || c.ID >= maxPipes {
			return fmt.Errorf("context id %d out of range [0, %d)", c.ID, maxPipes)
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate context id %d", c.ID)
		}
		ids[c.ID] = true

		if err := claim(c.ID, c.Pipe); err != nil {
			return err
		}
		for _, p := range c.AuxPipes {
			if err := claim(c.ID, p); err != nil {
				return err
			}
		}

		fi := c.Sensor.FrameInterval
		if (fi.Numerator == 0) != (fi.Denominator == 0) {
			return fmt.Errorf("context %d: frame_interval needs both numerator and denominator", c.ID)
		}
		if !c.M2M && c.Sensor.I2CAddr > 0x3ff {
			return fmt.Errorf("context %d: i2c_addr %#x exceeds 10 bits", c.ID, c.Sensor.I2CAddr)
		}
	}
	return nil
}

// ValidateTiming checks a deadline table override
func ValidateTiming(buckets []TimingBucket) error {
	prev := 0
	for i, b := range buckets {
		if b.EventMS <= 0 || b.SensorMS <= 0 {
			return fmt.Errorf("bucket %d: event_ms and sensor_ms must be > 0", i)
		}
		if b.MaxFPS == 0 {
			if i != len(buckets)-1 {
				return fmt.Errorf("bucket %d: unbounded bucket must be last", i)
			}
			continue
		}
		if b.MaxFPS <= prev {
			return fmt.Errorf("bucket %d: max_fps must ascend", i)
		}
		prev = b.MaxFPS
	}
	return nil
}
