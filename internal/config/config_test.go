package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/wasmoo/internal/bridge"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wasmoo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}
	if cfg.Engine.StackSizeMB != 1536 {
		t.Errorf("Default stack size mismatch: got %d, want 1536", cfg.Engine.StackSizeMB)
	}
	if len(cfg.Engine.Features) != 1 || cfg.Engine.Features[0] != "v2" {
		t.Errorf("Default features mismatch: got %v, want [v2]", cfg.Engine.Features)
	}
	if !cfg.Engine.WASI {
		t.Error("WASI should be enabled by default")
	}
	if cfg.Engine.MaxRead != bridge.DefaultMaxRead {
		t.Errorf("Default max read mismatch: got %d, want %d", cfg.Engine.MaxRead, bridge.DefaultMaxRead)
	}
	if cfg.Guest.Entry != "_start" {
		t.Errorf("Default entry mismatch: got %s, want _start", cfg.Guest.Entry)
	}
	if cfg.Guest.StackFrames != 10 {
		t.Errorf("Default stack frames mismatch: got %d, want 10", cfg.Guest.StackFrames)
	}
	if filepath.ToSlash(cfg.Guest.AssetPath) != "assets/moonc.wasm" {
		t.Errorf("Default asset path mismatch: got %s", cfg.Guest.AssetPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
engine:
  stack_size_mb: 512
  features: [v2, simd]
  max_instances: 2
guest:
  asset_path: /opt/guests/moonc.wasm
  stack_frames: 25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Level() != zapcore.DebugLevel {
		t.Errorf("Log level mismatch: got %s, want debug", cfg.LogLevel)
	}
	if cfg.Engine.StackSizeMB != 512 {
		t.Errorf("Stack size mismatch: got %d, want 512", cfg.Engine.StackSizeMB)
	}
	if len(cfg.Engine.Features) != 2 || cfg.Engine.Features[1] != "simd" {
		t.Errorf("Features mismatch: got %v", cfg.Engine.Features)
	}
	if cfg.Guest.AssetPath != "/opt/guests/moonc.wasm" {
		t.Errorf("Asset path mismatch: got %s", cfg.Guest.AssetPath)
	}
	// Untouched keys keep their defaults.
	if cfg.Guest.Entry != "_start" {
		t.Errorf("Entry mismatch: got %s, want _start", cfg.Guest.Entry)
	}

	rc := cfg.RuntimeConfig()
	if rc.StackSizeMB != 512 || rc.MaxInstances != 2 {
		t.Errorf("RuntimeConfig mismatch: %+v", rc)
	}
	if lc := cfg.LoaderConfig(); lc.StackFrames != 25 {
		t.Errorf("LoaderConfig stack frames = %d, want 25", lc.StackFrames)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "guest:\n  entry: main\n")
	t.Setenv("WASMOO_GUEST_ENTRY", "_initialize")
	t.Setenv("WASMOO_ENGINE_STACK_SIZE_MB", "64")
	t.Setenv("WASMOO_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Guest.Entry != "_initialize" {
		t.Errorf("env should override the file: entry = %s", cfg.Guest.Entry)
	}
	if cfg.Engine.StackSizeMB != 64 {
		t.Errorf("Stack size = %d, want 64", cfg.Engine.StackSizeMB)
	}
	if cfg.Level() != zapcore.WarnLevel {
		t.Errorf("Level = %s, want warn", cfg.Level())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"log level":    "log_level: loud\n",
		"feature":      "engine:\n  features: [v2, exnref]\n",
		"stack frames": "guest:\n  stack_frames: 0\n",
		"entry":        "guest:\n  entry: \"\"\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Errorf("expected %s to be rejected", name)
			}
		})
	}
}
