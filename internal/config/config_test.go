package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyprobe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/state")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AttachTimeout != defaultAttachTimeout || cfg.InjectTimeout != defaultInjectTimeout || cfg.ChannelTimeout != defaultChannelTimeout {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if cfg.MaxDepth != 256 || cfg.LogLevel != "warn" || cfg.SocketDir != "/tmp" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StateDir != "/var/state/pyprobe" {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
	if len(cfg.LibraryDirs) != 2 || cfg.Preview.MaxItems != 16 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
attach_timeout: 2s
channel_timeout: 750ms
max_depth: 64
library_dirs: [/opt/a, /opt/b]
preview:
  max_string: 40
descriptor_files: [extra.yaml, /etc/pyprobe/more.yaml]
`)
	t.Setenv(envChannelTimeout, "3s")
	t.Setenv(envLibraryPath, "/x:/y:")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AttachTimeout != 2*time.Second {
		t.Fatalf("attach timeout = %s", cfg.AttachTimeout)
	}
	if cfg.ChannelTimeout != 3*time.Second {
		t.Fatalf("env should win, channel timeout = %s", cfg.ChannelTimeout)
	}
	if cfg.MaxDepth != 64 || cfg.Preview.MaxString != 40 || cfg.Preview.MaxItems != 16 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if len(cfg.LibraryDirs) != 2 || cfg.LibraryDirs[0] != "/x" || cfg.LibraryDirs[1] != "/y" {
		t.Fatalf("library dirs = %v", cfg.LibraryDirs)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	want := filepath.Join(filepath.Dir(path), "extra.yaml")
	if len(cfg.DescriptorFiles) != 2 || cfg.DescriptorFiles[0] != want || cfg.DescriptorFiles[1] != "/etc/pyprobe/more.yaml" {
		t.Fatalf("descriptor files = %v", cfg.DescriptorFiles)
	}
}

func TestLoadAcceptsJSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"inject_timeout": "1m", "socket_dir": "/run/pyprobe"}`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.InjectTimeout != time.Minute || cfg.SocketDir != "/run/pyprobe" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"negative":  "attach_timeout: -1s",
		"garbage":   "inject_timeout: soon",
		"unknown":   "liveness_interval: 10s",
		"bad depth": "max_depth: -3",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv(envAttachTimeout, "never")
	t.Setenv(envMaxDepth, "0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AttachTimeout != defaultAttachTimeout || cfg.MaxDepth != defaultMaxDepth {
		t.Fatalf("invalid env should be ignored: %+v", cfg)
	}
}
