// Package setup creates and repairs a camcore directory.
package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/camcore/internal/model"
	atomicyaml "github.com/msageha/camcore/internal/yaml"
	"github.com/msageha/camcore/templates"
)

// DirName is the directory created inside the project directory.
const DirName = ".camcore"

var ErrAlreadyInitialized = errors.New("camcore directory already initialized")

// Action reports what Run did.
type Action string

const (
	ActionCreated     Action = "created"
	ActionRestored    Action = "restored"
	ActionQuarantined Action = "quarantined"
)

type Result struct {
	Dir         string
	Action      Action
	Quarantined string
}

var layout = []string{"logs", "state", "locks", "quarantine"}

// Run initializes projectDir/.camcore with a default config.yaml. An
// existing directory whose config still loads is left alone. One whose
// config is broken is repaired from config.yaml.bak, or the broken file is
// quarantined and defaults are written.
func Run(projectDir string) (Result, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	res := Result{Dir: base, Action: ActionCreated}

	for _, d := range layout {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return Result{}, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfgPath := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		if _, loadErr := model.Load(cfgPath); loadErr == nil {
			return Result{Dir: base}, fmt.Errorf("%s: %w", base, ErrAlreadyInitialized)
		}
		if err := atomicyaml.RestoreFromBackup(cfgPath); err == nil {
			if _, loadErr := model.Load(cfgPath); loadErr == nil {
				res.Action = ActionRestored
				return res, nil
			}
		}
		dst, err := atomicyaml.Quarantine(base, cfgPath)
		if err != nil {
			return Result{}, err
		}
		res.Action = ActionQuarantined
		res.Quarantined = dst
	}

	if err := atomicyaml.AtomicWriteRaw(cfgPath, templates.ConfigYAML); err != nil {
		return Result{}, fmt.Errorf("write config.yaml: %w", err)
	}
	return res, nil
}
