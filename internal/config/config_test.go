package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	userHomeDirFn = os.UserHomeDir
	return dir
}

func TestDefaultConfig(t *testing.T) {
	withTempHome(t)
	cfg := DefaultConfig()
	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected 1 default listener, got %d", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Port != 8765 {
		t.Errorf("expected default port 8765, got %d", cfg.Listeners[0].Port)
	}
	if cfg.PushDelayMs <= 0 {
		t.Errorf("expected positive default push delay, got %d", cfg.PushDelayMs)
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	withTempHome(t)
	t.Setenv(configEnvVar, "/custom/path/config.yaml")
	if got := DefaultPath(); got != "/custom/path/config.yaml" {
		t.Errorf("DefaultPath() = %q, want override", got)
	}
}

func TestDefaultPath_HomeFallback(t *testing.T) {
	home := withTempHome(t)
	t.Setenv(configEnvVar, "")
	want := filepath.Join(home, ".config", "companiond", "config.yaml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	withTempHome(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Listeners) != 1 {
		t.Errorf("expected default listener on missing file, got %d", len(cfg.Listeners))
	}
}

func TestLoad_EmptyPathErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	withTempHome(t)
	dir, err := defaultConfigDirFn()
	if err != nil {
		t.Fatalf("defaultConfigDirFn() error = %v", err)
	}
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Listeners = []ListenerConfig{{Port: 9877, Token: "t-abc"}}
	cfg.CodeHome = "/tmp/codehome"
	cfg.AutoApproveTools = []string{"Read", "Edit"}

	saved, err := Save(path, cfg)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.Listeners[0].Token != "t-abc" {
		t.Fatalf("saved config lost token: %+v", saved.Listeners)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Listeners) != 1 || loaded.Listeners[0].Port != 9877 || loaded.Listeners[0].Token != "t-abc" {
		t.Errorf("round trip mismatch: %+v", loaded.Listeners)
	}
	if loaded.CodeHome != "/tmp/codehome" {
		t.Errorf("CodeHome round trip mismatch: %q", loaded.CodeHome)
	}
	if len(loaded.AutoApproveTools) != 2 {
		t.Errorf("AutoApproveTools round trip mismatch: %+v", loaded.AutoApproveTools)
	}
}

func TestSave_RejectsPathOutsideConfigDir(t *testing.T) {
	withTempHome(t)
	outside := filepath.Join(t.TempDir(), "elsewhere.yaml")
	if _, err := Save(outside, DefaultConfig()); err == nil {
		t.Fatal("expected error saving outside config directory")
	}
}

func TestValidateListenerPort_OutOfRangeFallsBackToZero(t *testing.T) {
	cfg := Config{Listeners: []ListenerConfig{{Port: 70000}}}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		t.Fatalf("applyDefaultsAndValidate() error = %v", err)
	}
	if cfg.Listeners[0].Port != 0 {
		t.Errorf("expected out-of-range port reset to 0, got %d", cfg.Listeners[0].Port)
	}
}

func TestPathWithinDir(t *testing.T) {
	tests := []struct {
		name string
		path string
		dir  string
		want bool
	}{
		{"exact dir", "/a/b", "/a/b", true},
		{"nested", "/a/b/c.yaml", "/a/b", true},
		{"sibling escape", "/a/c.yaml", "/a/b", false},
		{"traversal", "/a/b/../c.yaml", "/a/b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathWithinDir(tt.path, tt.dir); got != tt.want {
				t.Errorf("pathWithinDir(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
			}
		})
	}
}

func TestClone_IsIndependent(t *testing.T) {
	src := DefaultConfig()
	src.Listeners = []ListenerConfig{{Port: 1, TLS: &TLSConfig{Enabled: true}}}
	src.AutoApproveTools = []string{"Read"}

	dst := Clone(src)
	dst.Listeners[0].Port = 2
	dst.Listeners[0].TLS.Enabled = false
	dst.AutoApproveTools[0] = "Edit"

	if src.Listeners[0].Port != 1 {
		t.Errorf("Clone mutated source listener port")
	}
	if !src.Listeners[0].TLS.Enabled {
		t.Errorf("Clone mutated source TLS pointer")
	}
	if src.AutoApproveTools[0] != "Read" {
		t.Errorf("Clone mutated source AutoApproveTools")
	}
}
