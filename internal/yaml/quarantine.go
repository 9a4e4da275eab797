package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a file that failed to parse into dir/quarantine and
// returns its new path.
func Quarantine(dir, path string) (string, error) {
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	dst := filepath.Join(qdir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path + ".bak" over path if the backup parses.
func RestoreFromBackup(path string) error {
	bak := path + ".bak"
	content, err := os.ReadFile(bak)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bak)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}
