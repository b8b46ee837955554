package notifstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// loadState reads the flat state file. A missing file returns defaults. A
// legacy "rules" field is detected and discarded (migration): devices and
// history live elsewhere, escalation config is substituted with defaults.
func loadState(path string) (state, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state{Escalation: DefaultEscalationConfig()}, false, nil
		}
		return state{}, false, fmt.Errorf("load notification state: %w", err)
	}
	if len(raw) == 0 {
		return state{Escalation: DefaultEscalationConfig()}, false, nil
	}

	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return state{}, false, fmt.Errorf("load notification state: parse: %w", err)
	}

	migrated := false
	if len(s.Rules) > 0 {
		s.Rules = nil
		s.Escalation = DefaultEscalationConfig()
		migrated = true
	}
	if s.Escalation.PushDelaySeconds == 0 && s.Escalation.RateLimitSeconds == 0 {
		s.Escalation = DefaultEscalationConfig()
	}
	return s, migrated, nil
}

// saveState writes the state file atomically via temp-file + rename,
// mirroring internal/config's save discipline.
func saveState(path string, s state) error {
	s.Rules = nil
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("save notification state: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save notification state: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".notifstate.json.tmp.*")
	if err != nil {
		return fmt.Errorf("save notification state: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	// Harmless no-op once the rename below succeeds; cleans up on any
	// earlier return.
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("save notification state: chmod: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("save notification state: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save notification state: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save notification state: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save notification state: rename: %w", err)
	}
	return nil
}
