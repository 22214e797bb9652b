// Package config loads the fixed roamdex configuration record: the root
// directory to index, storage strictness, watcher/search tuning, and the
// session ping interval.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roamdex/roamdex/internal/rerr"
)

// Config is the complete set of knobs a roamdex deployment needs. There is
// no merge model here (unlike a multi-source layered config): one YAML
// file, overridable per-field by the environment variable named in each
// field's comment.
type Config struct {
	// Root is the directory tree to index (env ROAMDEX_ROOT).
	Root string `yaml:"root"`
	// Strict enables foreign-key enforcement in the store; fail loudly on
	// referential violations instead of tolerating dangling rows (env
	// ROAMDEX_STRICT).
	Strict bool `yaml:"strict"`
	// FSWatcher turns the filesystem watcher on or off; false means the
	// index is built once at startup and never updated (env
	// ROAMDEX_FS_WATCHER).
	FSWatcher bool `yaml:"fs_watcher"`
	// FuzzyThreshold is the minimum sahilm/fuzzy score the fuzzy search
	// provider requires to emit a result (env ROAMDEX_FUZZY_THRESHOLD).
	FuzzyThreshold int `yaml:"fuzzy_threshold"`
	// DebounceMS is the filesystem watcher's event-collapse window in
	// milliseconds (env ROAMDEX_DEBOUNCE_MS).
	DebounceMS int `yaml:"debounce_ms"`
	// PingIntervalS is the session keepalive ping interval in seconds (env
	// ROAMDEX_PING_INTERVAL_S).
	PingIntervalS int `yaml:"ping_interval_s"`
	// Addr is the HTTP listen address for the WebSocket/static server (env
	// ROAMDEX_ADDR).
	Addr string `yaml:"addr"`
	// DBPath is the sqlite database file path (env ROAMDEX_DB_PATH).
	DBPath string `yaml:"db_path"`
}

// Default returns a Config with the spec's stated defaults applied.
func Default() Config {
	return Config{
		Root:           ".",
		Strict:         false,
		FSWatcher:      true,
		FuzzyThreshold: 90,
		DebounceMS:     500,
		PingIntervalS:  30,
		Addr:           ":7890",
		DBPath:         "roamdex.db",
	}
}

// Debounce returns DebounceMS as a time.Duration.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// PingInterval returns PingIntervalS as a time.Duration.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalS) * time.Second
}

// Load reads a YAML config file at path (if it exists), applies any .env
// file found via godotenv, then lets environment variables override
// individual fields. Starts from Default().
func Load(path string) (Config, error) {
	_ = godotenv.Load() // a missing .env is not an error

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, rerr.New(rerr.BadRequest, "config.Load", err)
			}
		case os.IsNotExist(err):
			// no file at path; defaults plus env stand.
		default:
			return Config{}, rerr.New(rerr.IO, "config.Load", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("ROAMDEX_ROOT"); ok {
		cfg.Root = v
	}
	if v, ok := os.LookupEnv("ROAMDEX_STRICT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Strict = b
		}
	}
	if v, ok := os.LookupEnv("ROAMDEX_FS_WATCHER"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FSWatcher = b
		}
	}
	if v, ok := os.LookupEnv("ROAMDEX_FUZZY_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FuzzyThreshold = n
		}
	}
	if v, ok := os.LookupEnv("ROAMDEX_DEBOUNCE_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DebounceMS = n
		}
	}
	if v, ok := os.LookupEnv("ROAMDEX_PING_INTERVAL_S"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PingIntervalS = n
		}
	}
	if v, ok := os.LookupEnv("ROAMDEX_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("ROAMDEX_DB_PATH"); ok {
		cfg.DBPath = v
	}
}
