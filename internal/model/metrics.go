package model

// MetricsFileType tags state/metrics.yaml.
const MetricsFileType = "state_metrics"

// MetricsHeader opens every metrics snapshot written to disk.
type MetricsHeader struct {
	SchemaVersion int    `yaml:"schema_version" json:"schema_version"`
	FileType      string `yaml:"file_type" json:"file_type"`
	UpdatedAt     string `yaml:"updated_at" json:"updated_at"`
}

// EventCounters totals pipeline events observed on the event bus.
type EventCounters struct {
	TasksDispatched uint64 `yaml:"tasks_dispatched" json:"tasks_dispatched"`
	TasksCompleted  uint64 `yaml:"tasks_completed" json:"tasks_completed"`
	FakeTasks       uint64 `yaml:"fake_tasks" json:"fake_tasks"`
	FramesSkipped   uint64 `yaml:"frames_skipped" json:"frames_skipped"`
	BuffersReturned uint64 `yaml:"buffers_returned" json:"buffers_returned"`
	ExecutorTicks   uint64 `yaml:"executor_ticks" json:"executor_ticks"`
	EventsDropped   uint64 `yaml:"events_dropped" json:"events_dropped"`
}
