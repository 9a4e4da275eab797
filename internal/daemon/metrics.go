package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/scheduler"
	"github.com/msageha/camcore/internal/sequencer"
	"github.com/msageha/camcore/internal/stream"
	yamlutil "github.com/msageha/camcore/internal/yaml"
)

// Snapshot is the daemon state served by the status command and written to
// state/metrics.yaml.
type Snapshot struct {
	model.MetricsHeader `yaml:",inline"`
	Pid                 int                       `yaml:"pid" json:"pid"`
	StartedAt           string                    `yaml:"started_at" json:"started_at"`
	Running             bool                      `yaml:"running" json:"running"`
	Counters            model.EventCounters       `yaml:"counters" json:"counters"`
	Sequencer           sequencer.Stats           `yaml:"sequencer" json:"sequencer"`
	Executors           []scheduler.ExecutorStats `yaml:"executors" json:"executors"`
	Sensor              stream.SensorStats        `yaml:"sensor" json:"sensor"`
	Sink                stream.SinkStats          `yaml:"sink" json:"sink"`
	AIQ                 AIQStats                  `yaml:"aiq" json:"aiq"`
	Captures            []stream.Capture          `yaml:"captures,omitempty" json:"captures,omitempty"`
}

// Snapshot collects a point-in-time view of every component.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		MetricsHeader: model.MetricsHeader{
			SchemaVersion: 1,
			FileType:      model.MetricsFileType,
			UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
		},
		Running:   p.Running(),
		Counters:  p.Counters(),
		Sequencer: p.sequencer.Stats(),
		Executors: p.scheduler.Stats(),
		Sensor:    p.sensor.Stats(),
		Sink:      p.sink.Stats(),
		AIQ:       p.aiq.Stats(),
		Captures:  p.sink.Captures(),
	}
}

// MetricsPath is where the daemon keeps its latest snapshot.
func MetricsPath(dir string) string {
	return filepath.Join(dir, "state", "metrics.yaml")
}

func writeMetrics(dir string, snap Snapshot) error {
	path := MetricsPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return yamlutil.AtomicWrite(path, snap)
}
