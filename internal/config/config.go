// Package config loads and saves companiond's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	renameRetryBaseDelay     = 10 * time.Millisecond
	// maxValidPort is the highest TCP/UDP port number (2^16 - 1).
	maxValidPort = 65535
	// configEnvVar overrides the default config file location.
	configEnvVar = "COMPANIOND_CONFIG"
)

// defaultConfigDirFn resolves the directory validateConfigPath confines
// config writes to; it is a package-level variable so it can be replaced.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir

var defaultPathWarningState struct {
	mu       sync.Mutex
	messages []string
}

func recordDefaultPathWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	defaultPathWarningState.mu.Lock()
	defaultPathWarningState.messages = append(defaultPathWarningState.messages, trimmed)
	defaultPathWarningState.mu.Unlock()
}

// ConsumeDefaultPathWarnings returns and clears path-resolution warnings
// accumulated during DefaultPath() calls.
func ConsumeDefaultPathWarnings() []string {
	defaultPathWarningState.mu.Lock()
	defer defaultPathWarningState.mu.Unlock()
	if len(defaultPathWarningState.messages) == 0 {
		return nil
	}
	out := make([]string, len(defaultPathWarningState.messages))
	copy(out, defaultPathWarningState.messages)
	defaultPathWarningState.messages = nil
	return out
}

// TLSConfig describes an optional TLS certificate/key pair for a listener.
// companiond never generates certificates itself (§9 design notes prefer a
// battle-tested library over hand-rolled ASN.1); it only loads a pair the
// operator provides.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertPath string `yaml:"cert_path,omitempty" json:"certPath,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty" json:"keyPath,omitempty"`
}

// ListenerConfig describes one WebSocket listener: an address, its bearer
// token, and optional TLS.
type ListenerConfig struct {
	Port  int        `yaml:"port" json:"port"`
	Token string     `yaml:"token" json:"token"`
	TLS   *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// Config is companiond's runtime configuration (§6 External Interfaces).
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners" json:"listeners"`
	// TmuxSession is the default pane name used by legacy clients that do
	// not pass an explicit sessionId on every verb.
	TmuxSession string `yaml:"tmux_session,omitempty" json:"tmuxSession,omitempty"`
	// CodeHome is the root directory under which the coding CLI writes its
	// per-project JSONL conversation logs (codeHome/projects/**/*.jsonl).
	CodeHome string `yaml:"code_home" json:"codeHome"`
	// MdnsEnabled is parsed and persisted but never acted on: mDNS
	// advertisement is out of scope (§1 Non-goals) and is left for an
	// external collaborator.
	MdnsEnabled bool `yaml:"mdns_enabled" json:"mdnsEnabled"`
	// PushDelayMs is the escalation engine's default delay (in
	// milliseconds) before an unacknowledged event is pushed to devices.
	PushDelayMs int `yaml:"push_delay_ms" json:"pushDelayMs"`
	// AutoApproveTools lists tool names the daemon should request the CLI
	// auto-approve on session start.
	AutoApproveTools []string `yaml:"auto_approve_tools,omitempty" json:"autoApproveTools,omitempty"`
	// AnthropicAdminAPIKey is optional and only used by external billing
	// collaborators; companiond itself never calls the billing API
	// (§1 Non-goals).
	AnthropicAdminAPIKey string `yaml:"anthropic_admin_api_key,omitempty" json:"anthropicAdminApiKey,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Listeners: []ListenerConfig{
			{Port: 8765, Token: ""},
		},
		CodeHome:         defaultCodeHome(),
		PushDelayMs:      5 * 60 * 1000,
		AutoApproveTools: []string{},
	}
}

func defaultCodeHome() string {
	home, err := userHomeDirFn()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// DefaultPath resolves the config file path: the COMPANIOND_CONFIG env var
// takes precedence, otherwise ~/.config/companiond/config.yaml, falling back
// to os.TempDir() if the home directory cannot be resolved.
func DefaultPath() string {
	if override := strings.TrimSpace(os.Getenv(configEnvVar)); override != "" {
		return override
	}
	home, err := userHomeDirFn()
	if err != nil {
		slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
		recordDefaultPathWarning(
			"Config path fallback: failed to resolve home directory. Using temp directory; settings persistence may be limited.",
		)
		return filepath.Join(os.TempDir(), "companiond", "config.yaml")
	}
	return filepath.Join(home, ".config", "companiond", "config.yaml")
}

// Load reads the config file. If the file does not exist, defaults are
// returned without error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the default config if missing and returns the loaded
// config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Clone returns a deep copy of cfg.
func Clone(src Config) Config {
	dst := src
	dst.Listeners = make([]ListenerConfig, len(src.Listeners))
	for i, l := range src.Listeners {
		dst.Listeners[i] = l
		if l.TLS != nil {
			tlsCopy := *l.TLS
			dst.Listeners[i].TLS = &tlsCopy
		}
	}
	dst.AutoApproveTools = cloneStringSlice(src.AutoApproveTools)
	return dst
}

func cloneStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// Save validates cfg, fills defaults, and atomically writes it to path.
// Returns the normalized config actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes, retrying the rename a handful of times to tolerate transient lock
// contention from concurrent readers.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing defaults and validates cfg in-place.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	if cfg.CodeHome == "" {
		cfg.CodeHome = defaults.CodeHome
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = defaults.Listeners
	}
	for i := range cfg.Listeners {
		validateListenerPort(&cfg.Listeners[i])
	}
	if cfg.PushDelayMs <= 0 {
		cfg.PushDelayMs = defaults.PushDelayMs
	}
	if cfg.AutoApproveTools == nil {
		cfg.AutoApproveTools = []string{}
	}
	return nil
}

// validateListenerPort clamps an out-of-range port back to 0 (OS
// auto-assign) instead of failing config load outright: a malformed config
// file should not prevent the daemon from starting.
func validateListenerPort(l *ListenerConfig) {
	if l.Port < 0 || l.Port > maxValidPort {
		slog.Warn("[WARN-CONFIG] listener port out of valid range (0-65535), falling back to 0 (auto-assign)",
			"configured", l.Port, "max", maxValidPort)
		l.Port = 0
	}
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(renameRetryBaseDelay * time.Duration(attempt+1))
	}
	return lastErr
}
