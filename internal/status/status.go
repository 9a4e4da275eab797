// Package status reports what a camcore daemon is doing, either live over
// its socket or from the last snapshot it left on disk.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/msageha/camcore/internal/daemon"
	"github.com/msageha/camcore/internal/lock"
	"github.com/msageha/camcore/internal/uds"
	yamlutil "github.com/msageha/camcore/internal/yaml"
)

// Report is what the status command prints.
type Report struct {
	Daemon   DaemonStatus     `json:"daemon"`
	Snapshot *daemon.Snapshot `json:"snapshot,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
	// Stale is set when the snapshot came from state/metrics.yaml rather
	// than a live daemon.
	Stale bool `json:"stale,omitempty"`
}

const callTimeout = 3 * time.Second

// Run collects the status of the daemon in dir and prints it to w.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	report := Collect(dir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

// Collect asks the daemon for a live snapshot and falls back to the last
// snapshot written to disk.
func Collect(dir string) Report {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(callTimeout)

	var snap daemon.Snapshot
	if err := client.Call("status", nil, &snap); err == nil {
		return Report{Daemon: DaemonStatus{Running: true, Pid: snap.Pid}, Snapshot: &snap}
	}

	report := Report{}
	if err := yamlutil.ReadFile(daemon.MetricsPath(dir), &snap); err == nil {
		report.Snapshot = &snap
		report.Daemon.Stale = true
	}
	if pid, err := lock.HolderPID(filepath.Join(dir, "locks", "daemon.lock")); err == nil && processAlive(pid) {
		// Holding the lock without answering: starting up or wedged.
		report.Daemon.Pid = pid
	}
	return report
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}

func printReport(w io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)
	case r.Daemon.Pid != 0:
		fmt.Fprintf(w, "Daemon: not responding (lock held by pid %d)\n", r.Daemon.Pid)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	s := r.Snapshot
	if s == nil {
		return
	}
	if r.Daemon.Stale {
		fmt.Fprintf(w, "Last snapshot: %s\n", s.UpdatedAt)
	}

	fmt.Fprintf(w, "\nSensor %s: %d fps  produced=%d dropped=%d rejected=%d free=%d next=%d\n",
		s.Sensor.Port, s.Sensor.FPS, s.Sensor.Produced, s.Sensor.Dropped, s.Sensor.Rejected, s.Sensor.Free, s.Sensor.Next)

	q := s.Sequencer
	fmt.Fprintf(w, "\nSequencer: running=%t in_flight=%d retained=%d\n", q.Running, q.InFlight, q.Retained)
	fmt.Fprintf(w, "  dispatched=%d completed=%d fake=%d skipped=%d held=%d input_timeouts=%d\n",
		q.Dispatched, q.Completed, q.FakeTasks, q.Skipped, q.Held, q.InputTimeouts)
	for _, port := range sortedKeys(q.QueuedOutputs) {
		fmt.Fprintf(w, "  %-8s queued=%d delivered=%d\n", port, q.QueuedOutputs[port], s.Sink.Delivered[port])
	}

	if len(s.Executors) > 0 {
		fmt.Fprintln(w, "\nExecutors:")
		fmt.Fprintf(w, "  %-10s  %-10s  %6s  %8s  %8s  %s\n", "NAME", "SOURCE", "ACTIVE", "TICKS", "LAST", "NODES")
		for _, e := range s.Executors {
			src := e.TriggerSource
			if src == "" {
				src = "frame"
			}
			fmt.Fprintf(w, "  %-10s  %-10s  %6t  %8d  %8d  %v\n", e.Name, src, e.Active, e.Ticks, e.LastTick, e.Nodes)
		}
	}

	fmt.Fprintf(w, "\nAuto exposure: gain=%.2f luma=%.1f results=%d\n", s.AIQ.Gain, s.AIQ.LastLuma, s.AIQ.Computed)

	if len(s.Captures) > 0 {
		fmt.Fprintln(w, "\nCaptures:")
		for _, c := range s.Captures {
			fmt.Fprintf(w, "  %-8s seq=%d setting=%d ts=%d\n", c.Port, c.Sequence, c.SettingSequence, c.Timestamp)
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
