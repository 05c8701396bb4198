package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	home := "/app/home"

	tests := []struct {
		name     string
		homeDir  string
		path     string
		expected string
	}{
		{name: "Empty Path", homeDir: home, path: "", expected: home},
		{name: "Absolute Path", homeDir: home, path: "/etc/config", expected: "/etc/config"},
		{name: "Relative Path", homeDir: home, path: "data/db", expected: filepath.Join(home, "data/db")},
		{name: "Dot Path", homeDir: home, path: ".", expected: home},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(tt.homeDir, tt.path)
			if got != tt.expected {
				t.Errorf("ResolvePath(%q, %q) = %q; want %q", tt.homeDir, tt.path, got, tt.expected)
			}
		})
	}
}

func validConfig() Config {
	return Config{
		ClientID:           1,
		BusDir:             "bus",
		DataTopic:          "data",
		OpsTopic:           "ops",
		FlushTopic:         "flush",
		NumberOfPartitions: 4,
		AssignedPartitions: []int{0, 1},
		FlushPeriodOps:     1000,
	}
}

func TestValidate_Success(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
}

func TestValidate_MissingBusDir(t *testing.T) {
	cfg := validConfig()
	cfg.BusDir = ""
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for missing bus_dir, got nil")
	}
}

func TestValidate_MissingTopic(t *testing.T) {
	cfg := validConfig()
	cfg.FlushTopic = ""
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for missing flush_topic, got nil")
	}
}

func TestValidate_PartitionOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.AssignedPartitions = []int{0, 4}
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for out-of-range assigned partition, got nil")
	}
}

func TestValidate_NegativeFlushPeriod(t *testing.T) {
	cfg := validConfig()
	cfg.FlushPeriodOps = -1
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for negative flush_period_ops, got nil")
	}
}

func TestPollTimeoutDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.PollTimeout(); got.String() != "10ms" {
		t.Errorf("PollTimeout() = %v, want 10ms", got)
	}
	if got := cfg.SteadyPollTimeout(); got.String() != "3s" {
		t.Errorf("SteadyPollTimeout() = %v, want 3s", got)
	}
}

func TestWriteSampleAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	cfg := validConfig()

	if err := WriteSample(tmpDir, configPath, cfg); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "bus")); os.IsNotExist(err) {
		t.Error("bus directory not created")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("Failed to parse generated config: %v", err)
	}
	if onDisk.NumberOfPartitions != cfg.NumberOfPartitions {
		t.Error("NumberOfPartitions mismatch")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.BusDir != cfg.BusDir || loaded.ClientID != cfg.ClientID {
		t.Errorf("Load() = %+v, want %+v", loaded, cfg)
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	bad := validConfig()
	bad.NumberOfPartitions = 0
	data, _ := json.Marshal(bad)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Expected Load to reject an invalid config, got nil error")
	}
}
