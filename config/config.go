// Package config loads and validates the JSON configuration shared by
// the kvopsworker and kvflushengine binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the on-disk shape of a process's configuration file.
type Config struct {
	ClientID uint64 `json:"client_id"`

	BusDir             string `json:"bus_dir"`
	DataTopic          string `json:"data_topic"`
	OpsTopic           string `json:"ops_topic"`
	FlushTopic         string `json:"flush_topic"`
	NumberOfPartitions int    `json:"number_of_partitions"`
	AssignedPartitions []int  `json:"assigned_partitions"`

	FlushPeriodOps      int64 `json:"flush_period_ops"`
	PollTimeoutMS       int   `json:"poll_timeout_ms"`
	SteadyPollTimeoutMS int   `json:"steady_poll_timeout_ms"`

	IndexDir    string `json:"index_dir"`
	MetricsAddr string `json:"metrics_addr"`
	AdminAddr   string `json:"admin_addr"`
	Debug       bool   `json:"debug"`
}

// PollTimeout and SteadyPollTimeout convert the JSON millisecond fields
// into time.Duration, defaulting when unset.
func (c Config) PollTimeout() time.Duration {
	if c.PollTimeoutMS <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func (c Config) SteadyPollTimeout() time.Duration {
	if c.SteadyPollTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.SteadyPollTimeoutMS) * time.Millisecond
}

// ResolvePath returns an absolute path unchanged and joins a relative
// one onto homeDir. An empty (or ".") path resolves to homeDir itself.
func ResolvePath(homeDir, path string) string {
	if path == "" || path == "." {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// Load reads and validates a Config from a JSON file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the ops worker and flush engine both
// depend on before they start touching the log bus.
func Validate(cfg Config) error {
	if cfg.BusDir == "" {
		return fmt.Errorf("config: bus_dir must be set")
	}
	if cfg.DataTopic == "" || cfg.OpsTopic == "" || cfg.FlushTopic == "" {
		return fmt.Errorf("config: data_topic, ops_topic, and flush_topic must all be set")
	}
	if cfg.NumberOfPartitions <= 0 {
		return fmt.Errorf("config: number_of_partitions must be positive")
	}
	for _, p := range cfg.AssignedPartitions {
		if p < 0 || p >= cfg.NumberOfPartitions {
			return fmt.Errorf("config: assigned partition %d out of range [0,%d)", p, cfg.NumberOfPartitions)
		}
	}
	if cfg.FlushPeriodOps < 0 {
		return fmt.Errorf("config: flush_period_ops must not be negative")
	}
	return nil
}

// WriteSample writes cfg to configPath as indented JSON, creating
// homeDir and the log bus directory underneath it if necessary.
func WriteSample(homeDir, configPath string, cfg Config) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("config: create home directory: %w", err)
	}
	busDir := ResolvePath(homeDir, cfg.BusDir)
	if err := os.MkdirAll(busDir, 0o755); err != nil {
		return fmt.Errorf("config: create bus directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal sample: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", configPath, err)
	}
	return nil
}
