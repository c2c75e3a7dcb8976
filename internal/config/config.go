package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pyprobe/internal/value"
)

const (
	defaultAttachTimeout  = 5 * time.Second
	defaultInjectTimeout  = 10 * time.Second
	defaultChannelTimeout = 5 * time.Second
	defaultMaxDepth       = 256
	defaultSocketDir      = "/tmp"
	defaultLogLevel       = "warn"

	envAttachTimeout  = "PYPROBE_ATTACH_TIMEOUT"
	envInjectTimeout  = "PYPROBE_INJECT_TIMEOUT"
	envChannelTimeout = "PYPROBE_CHANNEL_TIMEOUT"
	envMaxDepth       = "PYPROBE_MAX_DEPTH"
	envLibraryPath    = "PYPROBE_LIBRARY_PATH"
	envSocketDir      = "PYPROBE_SOCKET_DIR"
	envStateDir       = "PYPROBE_STATE_DIR"
	// EnvLogLevel is read by the CLI before the config file is loaded.
	EnvLogLevel = "PYPROBE_LOGLEVEL"
)

var defaultLibraryDirs = []string{"/usr/lib/pyprobe", "/usr/local/lib/pyprobe"}

// Config aggregates every tunable of the probe.
type Config struct {
	AttachTimeout   time.Duration
	InjectTimeout   time.Duration
	ChannelTimeout  time.Duration
	MaxDepth        int
	LibraryDirs     []string
	SocketDir       string
	StateDir        string
	LogLevel        string
	Preview         value.Limits
	DescriptorFiles []string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AttachTimeout:  defaultAttachTimeout,
		InjectTimeout:  defaultInjectTimeout,
		ChannelTimeout: defaultChannelTimeout,
		MaxDepth:       defaultMaxDepth,
		LibraryDirs:    append([]string(nil), defaultLibraryDirs...),
		SocketDir:      defaultSocketDir,
		StateDir:       defaultStateDir(),
		LogLevel:       defaultLogLevel,
		Preview:        value.DefaultLimits,
	}
}

// defaultStateDir resolves where the recovery ledger lives.
// Order of precedence (first wins):
// 1) $XDG_STATE_HOME/pyprobe
// 2) ~/.local/state/pyprobe
// 3) /tmp/pyprobe-state
func defaultStateDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "pyprobe")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "pyprobe")
	}
	return filepath.Join(os.TempDir(), "pyprobe-state")
}

// Load builds a Config from an optional YAML (or JSON) file plus environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envDuration(envAttachTimeout, &cfg.AttachTimeout)
	envDuration(envInjectTimeout, &cfg.InjectTimeout)
	envDuration(envChannelTimeout, &cfg.ChannelTimeout)

	if v := os.Getenv(envMaxDepth); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDepth = n
		} else {
			zap.L().Warn("ignoring invalid environment value", zap.String("env", envMaxDepth), zap.String("value", v))
		}
	}
	if v := os.Getenv(envLibraryPath); v != "" {
		cfg.LibraryDirs = splitList(v)
	}
	if v := os.Getenv(envSocketDir); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv(envStateDir); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	dur, err := time.ParseDuration(v)
	if err != nil || dur <= 0 {
		zap.L().Warn("ignoring invalid environment value", zap.String("env", key), zap.String("value", v), zap.Error(err))
		return
	}
	*dst = dur
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type previewConfig struct {
	MaxItems  int `yaml:"max_items"`
	MaxString int `yaml:"max_string"`
	MaxDepth  int `yaml:"max_depth"`
}

type fileConfig struct {
	AttachTimeout   string        `yaml:"attach_timeout"`
	InjectTimeout   string        `yaml:"inject_timeout"`
	ChannelTimeout  string        `yaml:"channel_timeout"`
	MaxDepth        int           `yaml:"max_depth"`
	LibraryDirs     []string      `yaml:"library_dirs"`
	SocketDir       string        `yaml:"socket_dir"`
	StateDir        string        `yaml:"state_dir"`
	LogLevel        string        `yaml:"log_level"`
	Preview         previewConfig `yaml:"preview"`
	DescriptorFiles []string      `yaml:"descriptor_files"`
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"attach_timeout", raw.AttachTimeout, &cfg.AttachTimeout},
		{"inject_timeout", raw.InjectTimeout, &cfg.InjectTimeout},
		{"channel_timeout", raw.ChannelTimeout, &cfg.ChannelTimeout},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		if dur <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
		*d.dst = dur
	}

	switch {
	case raw.MaxDepth < 0:
		return errors.New("max_depth must be > 0")
	case raw.MaxDepth > 0:
		cfg.MaxDepth = raw.MaxDepth
	}
	if len(raw.LibraryDirs) > 0 {
		cfg.LibraryDirs = raw.LibraryDirs
	}
	if raw.SocketDir != "" {
		cfg.SocketDir = raw.SocketDir
	}
	if raw.StateDir != "" {
		cfg.StateDir = raw.StateDir
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.Preview.MaxItems > 0 {
		cfg.Preview.MaxItems = raw.Preview.MaxItems
	}
	if raw.Preview.MaxString > 0 {
		cfg.Preview.MaxString = raw.Preview.MaxString
	}
	if raw.Preview.MaxDepth > 0 {
		cfg.Preview.MaxDepth = raw.Preview.MaxDepth
	}
	// descriptor files are relative to the config file
	for _, f := range raw.DescriptorFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		cfg.DescriptorFiles = append(cfg.DescriptorFiles, f)
	}
	return nil
}
