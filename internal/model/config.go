// Package model defines the configuration tree shared by the camcore daemon and its components.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	TNR       TNRConfig       `yaml:"tnr"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backend   BackendConfig   `yaml:"backend"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type CameraConfig struct {
	ID            int            `yaml:"id"`
	GraphID       int32          `yaml:"graph_id"`
	FPS           int            `yaml:"fps"`
	TuningMode    string         `yaml:"tuning_mode"`
	SensorBuffers int            `yaml:"sensor_buffers"`
	Inputs        []StreamConfig `yaml:"inputs"`
	Outputs       []StreamConfig `yaml:"outputs"`
}

// StreamConfig describes one logical channel. Usage is one of
// preview|video|still|raw|opaque_raw|input.
type StreamConfig struct {
	Port   int    `yaml:"port"`
	Usage  string `yaml:"usage"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Format string `yaml:"format,omitempty"`
}

type SequencerConfig struct {
	MaxRetained         int  `yaml:"max_retained"`
	MaxRequestsInFlight int  `yaml:"max_requests_in_flight"`
	InputWaitTimeoutMs  int  `yaml:"input_wait_timeout_ms"`
	ZSL                 bool `yaml:"zsl"`
	StillTNR            bool `yaml:"still_tnr"`
	InternalBuffers     int  `yaml:"internal_buffers"` // per still port, used by TNR reference tasks
}

type TNRConfig struct {
	GainTable []GainEntry `yaml:"gain_table"`
}

// GainEntry maps a total sensor gain (analog x digital) threshold to the
// number of frames still TNR needs.
type GainEntry struct {
	Gain       float64 `yaml:"gain"`
	FrameCount int     `yaml:"frame_count"`
}

type SchedulerConfig struct {
	Executors             []ExecutorConfig `yaml:"executors"`
	ClockAlignPeriodMs    int              `yaml:"clock_align_period_ms"` // 0 disables wall-clock alignment
	ClockAlignToleranceUs int              `yaml:"clock_align_tolerance_us"`
	TriggerWaitTimeoutMs  int              `yaml:"trigger_wait_timeout_ms"`
	FrameTriggerSource    string           `yaml:"frame_trigger_source"`
}

type ExecutorConfig struct {
	Name          string   `yaml:"name"`
	TriggerSource string   `yaml:"trigger_source"`
	Nodes         []string `yaml:"nodes"`
}

type BackendConfig struct {
	Capability string `yaml:"capability"` // software|hardware
	Workers    int    `yaml:"workers"`
	LatencyMs  int    `yaml:"latency_ms"`
	QueueDepth int    `yaml:"queue_depth"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	MetricsIntervalSec int `yaml:"metrics_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration written by `camcore setup`.
func Default() Config {
	return Config{
		Camera: CameraConfig{
			ID:            0,
			GraphID:       100000,
			FPS:           30,
			TuningMode:    "video",
			SensorBuffers: 12,
			Inputs: []StreamConfig{
				{Port: 0, Usage: "raw", Width: 1920, Height: 1080, Format: "SGRBG10"},
			},
			Outputs: []StreamConfig{
				{Port: 0, Usage: "preview", Width: 1280, Height: 720, Format: "NV12"},
				{Port: 1, Usage: "still", Width: 1920, Height: 1080, Format: "NV12"},
			},
		},
		Sequencer: SequencerConfig{
			MaxRetained:         8,
			MaxRequestsInFlight: 4,
			InputWaitTimeoutMs:  2000,
			StillTNR:            true,
			InternalBuffers:     3,
		},
		TNR: TNRConfig{
			GainTable: []GainEntry{
				{Gain: 4, FrameCount: 2},
				{Gain: 16, FrameCount: 3},
				{Gain: 64, FrameCount: 4},
			},
		},
		Scheduler: SchedulerConfig{
			Executors: []ExecutorConfig{
				{Name: "aiq", TriggerSource: "", Nodes: []string{"aiq"}},
				{Name: "stats", TriggerSource: "aiq", Nodes: []string{"stats"}},
			},
			ClockAlignToleranceUs: 1000,
			TriggerWaitTimeoutMs:  2000,
		},
		Backend: BackendConfig{
			Capability: "software",
			Workers:    2,
			LatencyMs:  5,
			QueueDepth: 4,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 10,
			MetricsIntervalSec: 5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a config file. Missing numeric fields keep their zero value;
// components apply their own defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	if len(c.Camera.Inputs) == 0 {
		return fmt.Errorf("camera.inputs: at least one input stream is required")
	}
	if len(c.Camera.Outputs) == 0 {
		return fmt.Errorf("camera.outputs: at least one output stream is required")
	}
	seen := make(map[int]bool)
	opaque := 0
	for _, s := range c.Camera.Outputs {
		if seen[s.Port] {
			return fmt.Errorf("camera.outputs: duplicate port %d", s.Port)
		}
		seen[s.Port] = true
		if s.Usage == "opaque_raw" {
			opaque++
		}
	}
	if opaque > 1 {
		return fmt.Errorf("camera.outputs: at most one opaque_raw stream, got %d", opaque)
	}
	retained, inFlight := c.Sequencer.MaxRetained, c.Sequencer.MaxRequestsInFlight
	if retained <= 0 {
		retained = Default().Sequencer.MaxRetained
	}
	if inFlight <= 0 {
		inFlight = Default().Sequencer.MaxRequestsInFlight
	}
	if retained <= inFlight {
		return fmt.Errorf("sequencer.max_retained: must exceed max_requests_in_flight (%d <= %d)", retained, inFlight)
	}
	for i := 1; i < len(c.TNR.GainTable); i++ {
		if c.TNR.GainTable[i].Gain < c.TNR.GainTable[i-1].Gain {
			return fmt.Errorf("tnr.gain_table: gains must be ascending (entry %d)", i)
		}
	}
	names := make(map[string]bool)
	for _, e := range c.Scheduler.Executors {
		if e.Name == "" {
			return fmt.Errorf("scheduler.executors: executor name is required")
		}
		if names[e.Name] {
			return fmt.Errorf("scheduler.executors: duplicate executor %q", e.Name)
		}
		names[e.Name] = true
	}
	return nil
}
