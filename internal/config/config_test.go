package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Workers != 0 {
		t.Errorf("Default Workers = %d, want 0 (meaning runtime.NumCPU)", cfg.Workers)
	}
	if cfg.Depot.TimeoutSeconds != 30 {
		t.Errorf("Default Depot.TimeoutSeconds = %d, want 30", cfg.Depot.TimeoutSeconds)
	}
	if cfg.Depot.MaxRetries != 3 {
		t.Errorf("Default Depot.MaxRetries = %d, want 3", cfg.Depot.MaxRetries)
	}
	if cfg.Trace.Enabled {
		t.Error("Default Trace.Enabled = true, want false")
	}
}

func TestConfig_EffectiveWorkers(t *testing.T) {
	cfg := &Config{Workers: 0}
	if got := cfg.EffectiveWorkers(); got != runtime.NumCPU() {
		t.Errorf("EffectiveWorkers() = %d, want %d", got, runtime.NumCPU())
	}

	cfg = &Config{Workers: 7}
	if got := cfg.EffectiveWorkers(); got != 7 {
		t.Errorf("EffectiveWorkers() = %d, want 7", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(map[string]any{"cache-root": tmpDir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheRoot != tmpDir {
		t.Errorf("CacheRoot = %q, want %q", cfg.CacheRoot, tmpDir)
	}
	if cfg.ConfigFile != "" {
		t.Errorf("ConfigFile = %q, want empty (no envy.toml present)", cfg.ConfigFile)
	}
	if cfg.Depot.MaxRetries != 3 {
		t.Errorf("Depot.MaxRetries = %d, want default 3", cfg.Depot.MaxRetries)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	tomlPath := filepath.Join(tmpDir, ConfigFileName)
	body := "workers = 9\n\n[depot]\nmax-retries = 5\n"
	if err := os.WriteFile(tomlPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(map[string]any{"cache-root": tmpDir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 9 {
		t.Errorf("Workers = %d, want 9 from envy.toml", cfg.Workers)
	}
	if cfg.Depot.MaxRetries != 5 {
		t.Errorf("Depot.MaxRetries = %d, want 5 from envy.toml", cfg.Depot.MaxRetries)
	}
	if cfg.ConfigFile != tomlPath {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, tomlPath)
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	tmpDir := t.TempDir()
	tomlPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(tomlPath, []byte("workers = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(map[string]any{"cache-root": tmpDir, "workers": 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2 (flag should win over envy.toml)", cfg.Workers)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ENVY_DEPOT_MAX_RETRIES", "7")

	cfg, err := Load(map[string]any{"cache-root": tmpDir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Depot.MaxRetries != 7 {
		t.Errorf("Depot.MaxRetries = %d, want 7 from ENVY_DEPOT_MAX_RETRIES", cfg.Depot.MaxRetries)
	}
}

func TestEnvKeyTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ENVY_CACHE_ROOT", "cache-root"},
		{"ENVY_WORKERS", "workers"},
		{"ENVY_DEPOT_MAX_RETRIES", "depot.max-retries"},
		{"ENVY_DEPOT_TIMEOUT_SECONDS", "depot.timeout-seconds"},
		{"ENVY_TRACE_ENABLED", "trace.enabled"},
	}
	for _, tt := range tests {
		if got := envKeyTransform(tt.in); got != tt.want {
			t.Errorf("envKeyTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
