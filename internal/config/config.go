package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Generation GenerationConfig `toml:"generation"`
	Chain      ChainConfig      `toml:"chain"`
	Stream     StreamConfig     `toml:"stream"`
	Path       string           `toml:"-"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	DBPath       string `toml:"db_path"`
	ArtifactRoot string `toml:"artifact_root"`
	Secret       string `toml:"secret"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
}

type GenerationConfig struct {
	Mode                string `toml:"mode"`
	Seed                uint64 `toml:"seed"`
	MaxConcurrentRounds int    `toml:"max_concurrent_rounds"`
	MaxVariants         int    `toml:"max_variants"`
}

type ChainConfig struct {
	Stages             []string `toml:"stages"`
	WorkersPerStage    int      `toml:"workers_per_stage"`
	QueueBuffer        int      `toml:"queue_buffer"`
	DispatchIntervalMS int      `toml:"dispatch_interval_ms"`
	TaskLeaseMS        int      `toml:"task_lease_ms"`
	RetryDelayMS       int      `toml:"retry_delay_ms"`
	MaxAttempts        int      `toml:"max_attempts"`
	SyncIntervalMS     int      `toml:"sync_interval_ms"`
	ArtifactExtensions []string `toml:"artifact_extensions"`
}

type StreamConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
	TimeoutMS      int `toml:"timeout_ms"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "genflow.db"
	}
	if c.Server.ArtifactRoot == "" {
		c.Server.ArtifactRoot = "artifacts"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Generation.Mode == "" {
		c.Generation.Mode = "engine"
	}
	if c.Generation.MaxConcurrentRounds <= 0 {
		c.Generation.MaxConcurrentRounds = 4
	}
	if c.Generation.MaxVariants <= 0 {
		c.Generation.MaxVariants = 200
	}
	if len(c.Chain.Stages) == 0 {
		c.Chain.Stages = []string{"render", "massing", "export"}
	}
	if c.Chain.WorkersPerStage <= 0 {
		c.Chain.WorkersPerStage = 2
	}
	if c.Chain.QueueBuffer <= 0 {
		c.Chain.QueueBuffer = 64
	}
	if c.Chain.DispatchIntervalMS <= 0 {
		c.Chain.DispatchIntervalMS = 100
	}
	if c.Chain.TaskLeaseMS <= 0 {
		c.Chain.TaskLeaseMS = 120000
	}
	if c.Chain.RetryDelayMS <= 0 {
		c.Chain.RetryDelayMS = 500
	}
	if c.Chain.MaxAttempts <= 0 {
		c.Chain.MaxAttempts = 3
	}
	if c.Chain.SyncIntervalMS <= 0 {
		c.Chain.SyncIntervalMS = 250
	}
	if c.Stream.PollIntervalMS <= 0 {
		c.Stream.PollIntervalMS = 500
	}
	if c.Stream.TimeoutMS <= 0 {
		c.Stream.TimeoutMS = 600000
	}
}

// Load reads a TOML config file. An empty path means the default location,
// which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.Path = resolved
	return cfg, nil
}

func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".genflow/config.toml"
	}
	return filepath.Join(home, ".genflow", "config.toml")
}
