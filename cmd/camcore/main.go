package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/camcore/internal/daemon"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/setup"
	"github.com/msageha/camcore/internal/status"
	"github.com/msageha/camcore/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "trigger":
		runTrigger(os.Args[2:])
	case "capture":
		runCapture(os.Args[2:])
	case "control":
		runControl(os.Args[2:])
	case "shutdown":
		sendCommand("shutdown", nil)
	case "version":
		fmt.Printf("camcore %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	dir := mustFindCamcoreDir()

	cfg, err := model.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	projectDir := "."
	if len(args) > 0 {
		projectDir = args[0]
	}
	res, err := setup.Run(projectDir)
	if errors.Is(err, setup.ErrAlreadyInitialized) {
		fmt.Printf("%s already initialized\n", res.Dir)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	switch res.Action {
	case setup.ActionRestored:
		fmt.Printf("Restored config.yaml from backup in %s\n", res.Dir)
	case setup.ActionQuarantined:
		fmt.Printf("Moved broken config.yaml to %s and wrote defaults in %s\n", res.Quarantined, res.Dir)
	default:
		fmt.Printf("Initialized %s\n", res.Dir)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: camcore status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(mustFindCamcoreDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runTrigger(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: camcore trigger <source> [tick]   (use \"\" for the frame trigger)")
		os.Exit(1)
	}
	params := daemon.TriggerParams{Source: args[0]}
	if len(args) == 2 {
		tick := mustInt("tick", args[1])
		params.Tick = &tick
	}
	sendCommand("trigger", params)
}

func runCapture(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: camcore capture <port> [--setting-seq N] [--timestamp T]")
		os.Exit(1)
	}
	params := daemon.CaptureParams{Port: int(mustInt("port", args[0]))}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--setting-seq":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--setting-seq requires a value")
				os.Exit(1)
			}
			i++
			seq := mustInt("setting sequence", rest[i])
			params.SettingSequence = &seq
		case "--timestamp":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--timestamp requires a value")
				os.Exit(1)
			}
			i++
			params.Timestamp = mustInt("timestamp", rest[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}
	sendCommand("capture", params)
}

func runControl(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: camcore control <sequence> <name=value>...")
		os.Exit(1)
	}
	params := daemon.ControlParams{
		Sequence: mustInt("sequence", args[0]),
		Controls: make(map[string]float64, len(args)-1),
	}
	for _, kv := range args[1:] {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			fmt.Fprintf(os.Stderr, "invalid control %q, want name=value\n", kv)
			os.Exit(1)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid value for %s: %v\n", name, err)
			os.Exit(1)
		}
		params.Controls[name] = v
	}
	sendCommand("control", params)
}

func sendCommand(command string, params any) {
	dir := mustFindCamcoreDir()
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))

	var out json.RawMessage
	if err := client.Call(command, params, &out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, detail.Code, detail.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		}
		os.Exit(1)
	}
	if len(out) == 0 {
		return
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
}

func mustInt(name, s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s %q: %v\n", name, s, err)
		os.Exit(1)
	}
	return v
}

func mustFindCamcoreDir() string {
	dir := findCamcoreDir()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'camcore setup <dir>' first.\n", setup.DirName)
		os.Exit(1)
	}
	return dir
}

// findCamcoreDir walks up from the working directory to the nearest
// .camcore directory.
func findCamcoreDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `camcore %s - camera frame sequencer and executor scheduler

Usage: camcore <command> [options]

Setup:
  setup [dir]         Initialize or repair .camcore/ (default: current dir)

Daemon:
  daemon              Run the pipeline daemon in the foreground
  status [--json]     Show pipeline status
  shutdown            Stop the daemon gracefully

Control:
  trigger <source> [tick]                          Fire an executor trigger source
  capture <port> [--setting-seq N] [--timestamp T]  Request a still on an output port
  control <sequence> <name=value>...               Apply per-frame controls

Utilities:
  version             Show version
  help                Show this help

`, version)
}
