// Package config loads engine-level configuration: cache root, worker
// count, trace sink, and depot retry/backoff settings.
//
// Configuration is loaded from multiple sources with the following
// priority (highest to lowest), the same stack and order as the
// teacher's own config loader:
//
//  1. CLI flags
//  2. Environment variables (ENVY_* prefix)
//  3. envy.toml in the effective cache root
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix environment-variable overrides must carry.
const EnvPrefix = "ENVY_"

// ConfigFileName is the config file envy.toml looks for inside the
// effective cache root. The cache root is already known by the time
// config loads (it is itself one of the things flags/env/defaults
// determine), so there is exactly one candidate path rather than a
// directory search.
const ConfigFileName = "envy.toml"

// Config is the complete engine configuration.
type Config struct {
	// CacheRoot is the content-addressed cache's root directory.
	CacheRoot string `koanf:"cache-root"`

	// Workers bounds scheduler concurrency. 0 means runtime.NumCPU().
	Workers int `koanf:"workers"`

	Trace TraceConfig `koanf:"trace"`
	Depot DepotConfig `koanf:"depot"`

	// ConfigFile is the path to the envy.toml that was loaded, empty if
	// none was found. Metadata, not itself loaded from config.
	ConfigFile string `koanf:"-"`
}

// TraceConfig holds the trace sink settings loaded from config. Nothing in
// the engine or the CLI reads them: trace output is chosen by the --trace
// flag alone.
type TraceConfig struct {
	// Enabled is the configured trace switch. Default: false.
	Enabled bool `koanf:"enabled"`

	// Path is the configured trace file, "-" meaning stdout. Default: "".
	Path string `koanf:"path"`
}

// DepotConfig holds the package-depot HTTP settings loaded from config.
// The depot client does not read them: it uses a fixed 30-second request
// timeout and at most 3 attempts per request.
type DepotConfig struct {
	// TimeoutSeconds is the configured per-request timeout.
	TimeoutSeconds int `koanf:"timeout-seconds"`

	// MaxRetries is the configured retry bound per request.
	MaxRetries int `koanf:"max-retries"`
}

// EffectiveWorkers returns Workers, substituting runtime.NumCPU() for the
// zero value.
func (c *Config) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Default returns the built-in configuration, before env/file/flag
// overrides are applied.
func Default() *Config {
	return &Config{
		CacheRoot: defaultCacheRoot(),
		Workers:   0, // runtime.NumCPU() at use, see EffectiveWorkers
		Trace: TraceConfig{
			Enabled: false,
			Path:    "",
		},
		Depot: DepotConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "envy")
	}
	return filepath.Join(".", ".envy-cache")
}

// Load builds a Config from defaults, ENVY_* environment variables, the
// envy.toml found in the effective cache root (if any), and finally
// flags — flags win ties at every level, including over each other when
// applied last. flags uses the same nested key shape as the struct tags
// ("trace.enabled", "depot.max-retries", ...); nil is equivalent to no
// flags set.
func Load(flags map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{Prefix: EnvPrefix, TransformFunc: envKeyTransform}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}
	if v, ok := flags["cache-root"]; ok {
		if err := k.Load(confmap.Provider(map[string]any{"cache-root": v}, "."), nil); err != nil {
			return nil, fmt.Errorf("config: applying cache-root flag: %w", err)
		}
	}

	configPath := filepath.Join(k.String("cache-root"), ConfigFileName)
	if fileExists(configPath) {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", configPath, err)
		}
	} else {
		configPath = ""
	}

	if len(flags) > 0 {
		if err := k.Load(confmap.Provider(flags, "."), nil); err != nil {
			return nil, fmt.Errorf("config: applying flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	cfg.ConfigFile = configPath
	return cfg, nil
}

// knownHyphenatedKeys maps the dotted form an underscore-to-dot env key
// transform naturally produces back to this config's hyphenated struct
// tags. Add an entry here when adding a multi-word config key.
var knownHyphenatedKeys = map[string]string{
	"cache.root":       "cache-root",
	"timeout.seconds":  "timeout-seconds",
	"max.retries":      "max-retries",
}

// envKeyTransform converts ENVY_* environment variable names to config
// keys: ENVY_CACHE_ROOT -> cache-root, ENVY_DEPOT_MAX_RETRIES ->
// depot.max-retries.
func envKeyTransform(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", ".")
	for pattern, replacement := range knownHyphenatedKeys {
		s = strings.ReplaceAll(s, pattern, replacement)
	}
	return s
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
