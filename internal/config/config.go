package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// Config represents the complete frame-control configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Contexts         []ContextConfig `yaml:"contexts"`
	Pool             PoolConfig      `yaml:"pool"`
	Timing           []TimingBucket  `yaml:"timing"` // Deadline table override, ascending max_fps
	Core             CoreConfig      `yaml:"core"`
	IPI              IPIConfig       `yaml:"ipi"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
	Sim              SimConfig       `yaml:"sim"`
}

// ContextConfig describes one sensor-control context
type ContextConfig struct {
	ID       int          `yaml:"id"`
	Pipe     int          `yaml:"pipe"`      // primary (raw) pipe
	AuxPipes []int        `yaml:"aux_pipes"` // pipes completed alongside the primary one
	M2M      bool         `yaml:"m2m"`       // memory-to-memory, no live sensor
	Sensor   SensorConfig `yaml:"sensor"`
}

// SensorConfig locates the sensor and declares its timing
type SensorConfig struct {
	I2CAddr       uint16        `yaml:"i2c_addr"`
	FrameInterval FrameInterval `yaml:"frame_interval"` // zero = undeclared, use measured SOF rate
}

// FrameInterval is seconds per frame as numerator/denominator
type FrameInterval struct {
	Numerator   uint32 `yaml:"numerator"`
	Denominator uint32 `yaml:"denominator"`
}

// PoolConfig sizes the working-buffer pool
type PoolConfig struct {
	Count      int    `yaml:"count"`       // default: 16
	BufferSize int    `yaml:"buffer_size"` // bytes, default: 64 KiB
	IOVABase   uint64 `yaml:"iova_base"`   // default: 0x40000000
}

// TimingBucket overrides one row of the sensor deadline table
type TimingBucket struct {
	MaxFPS   int `yaml:"max_fps"` // 0 = unbounded
	EventMS  int `yaml:"event_ms"`
	SensorMS int `yaml:"sensor_ms"`
}

// CoreConfig tunes the frame-control core
type CoreConfig struct {
	ScanDepth        int `yaml:"scan_depth"`         // frame-done snapshot depth (default: 8)
	WrapModulus      int `yaml:"wrap_modulus"`       // hardware write-counter wrap (default: 256)
	SensorRTPriority int `yaml:"sensor_rt_priority"` // SCHED_FIFO priority of the sensor worker, 0 = off
	M2MAckTimeoutMS  int `yaml:"m2m_ack_timeout_ms"` // default: 100
}

// IPIConfig contains co-processor submit retry settings
type IPIConfig struct {
	MaxRetries      int `yaml:"max_retries"`        // default: 3
	RetryDelayUS    int `yaml:"retry_delay_us"`     // default: 200
	MaxRetryDelayUS int `yaml:"max_retry_delay_us"` // default: 2000
}

// MQTTConfig contains MQTT broker settings; an empty broker disables the emitter
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic prefixes
type MQTTTopics struct {
	Events string `yaml:"events"`
	Health string `yaml:"health"`
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Port int `yaml:"port"` // 0 disables
}

// SimConfig tunes the simulated hardware and load client of camsys-sim
type SimConfig struct {
	StallEvery    int  `yaml:"stall_every"`     // every n-th SOF stalls, 0 = never
	LoseDoneEvery int  `yaml:"lose_done_every"` // every n-th frame done is lost, 0 = never
	BusyEvery     int  `yaml:"busy_every"`      // every n-th submission answers busy, 0 = never
	AckLatencyUS  int  `yaml:"ack_latency_us"`  // co-processor ack latency (default: 2000)
	InFlight      int  `yaml:"in_flight"`       // requests outstanding per client (default: 4)
	Sync          bool `yaml:"sync"`            // one frame-synced client over all live contexts
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated single-context 30fps configuration
func Default() *Config {
	cfg := &Config{
		InstanceID: "camsys-sim",
		Contexts: []ContextConfig{{
			ID:   0,
			Pipe: 0,
			Sensor: SensorConfig{
				I2CAddr:       0x10,
				FrameInterval: FrameInterval{Numerator: 1, Denominator: 30},
			},
		}},
	}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: default configuration invalid: %v", err))
	}
	return cfg
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// PoolConfig converts the pool section
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Count:      c.Pool.Count,
		BufferSize: c.Pool.BufferSize,
		IOVABase:   c.Pool.IOVABase,
	}
}

// DeadlineTable converts the timing section; empty means the built-in table
func (c *Config) DeadlineTable() sensor.Table {
	if len(c.Timing) == 0 {
		return sensor.DefaultTable
	}
	tbl := make(sensor.Table, 0, len(c.Timing))
	for _, b := range c.Timing {
		tbl = append(tbl, sensor.Bucket{
			MaxFPS: physic.Frequency(b.MaxFPS) * physic.Hertz,
			Event:  time.Duration(b.EventMS) * time.Millisecond,
			Sensor: time.Duration(b.SensorMS) * time.Millisecond,
		})
	}
	return tbl
}

// RetryConfig converts the ipi section
func (c *Config) RetryConfig() ipi.RetryConfig {
	return ipi.RetryConfig{
		MaxRetries:    c.IPI.MaxRetries,
		RetryDelay:    time.Duration(c.IPI.RetryDelayUS) * time.Microsecond,
		MaxRetryDelay: time.Duration(c.IPI.MaxRetryDelayUS) * time.Microsecond,
	}
}

// M2MAckTimeout returns how long a memory-to-memory frame waits for its ack
func (c *Config) M2MAckTimeout() time.Duration {
	return time.Duration(c.Core.M2MAckTimeoutMS) * time.Millisecond
}

// AckLatency returns the simulated co-processor latency
func (c *Config) AckLatency() time.Duration {
	return time.Duration(c.Sim.AckLatencyUS) * time.Microsecond
}

// Period returns the simulated frame period of a context: its declared
// interval, or 30fps when undeclared
func (c ContextConfig) Period() time.Duration {
	fi := c.Sensor.FrameInterval
	if fi.Numerator == 0 || fi.Denominator == 0 {
		return time.Second / 30
	}
	return time.Duration(fi.Numerator) * time.Second / time.Duration(fi.Denominator)
}

// Pipes returns the primary pipe followed by the aux pipes
func (c ContextConfig) Pipes() []int {
	return append([]int{c.Pipe}, c.AuxPipes...)
}

// Interval converts the declared frame interval
func (s SensorConfig) Interval() sensor.Interval {
	return sensor.Interval{
		Numerator:   s.FrameInterval.Numerator,
		Denominator: s.FrameInterval.Denominator,
	}
}
