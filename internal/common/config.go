package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Queue   QueueConfig   `toml:"queue"`
	Scripts ScriptsConfig `toml:"scripts"`
	Logging LoggingConfig `toml:"logging"`
}

// QueueConfig controls the job queue and device pool
type QueueConfig struct {
	MaxWorkers  int      `toml:"max_workers"`  // Maximum concurrent jobs (clamped to device count)
	GPUIDs      []string `toml:"gpu_ids"`      // Accelerator device indices, e.g. ["0", "1"]. Empty = auto-detect
	JobsDir     string   `toml:"jobs_dir"`     // Directory for per-job records and the queue state file
	EvictionAge string   `toml:"eviction_age"` // Age after which terminal jobs are dropped from memory (e.g. "24h")
}

// ScriptsConfig locates the external design scripts
type ScriptsConfig struct {
	Dir string `toml:"dir"` // Directory containing run_boltzgen.py; working directory for child processes
}

// LoggingConfig controls the arbor logger
type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
	Dir    string   `toml:"dir"`    // Log file directory (default: <exe dir>/logs)
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in boltzgen-mcp.toml; worker-loop
// timing and persistence formats are fixed by the external contract.
func NewDefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxWorkers:  1,        // Sequential execution by default
			GPUIDs:      nil,      // Auto-detect via nvidia-smi
			JobsDir:     "./jobs", // One subdirectory per job plus queue_state.json
			EvictionAge: "24h",    // Terminal records older than this are dropped from memory
		},
		Scripts: ScriptsConfig{
			Dir: "./scripts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
// A missing path is not an error; defaults plus env apply.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// EvictionAgeDuration parses the configured eviction age, falling back to 24h
func (c *Config) EvictionAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.Queue.EvictionAge)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config.
// CUDA_VISIBLE_DEVICES is an output to child processes and is never read here.
func applyEnvOverrides(config *Config) {
	if maxWorkers := os.Getenv("BOLTZGEN_MAX_WORKERS"); maxWorkers != "" {
		if mw, err := strconv.Atoi(maxWorkers); err == nil {
			config.Queue.MaxWorkers = mw
		}
	}
	if gpuIDs := os.Getenv("BOLTZGEN_GPU_IDS"); gpuIDs != "" {
		config.Queue.GPUIDs = SplitDeviceList(gpuIDs)
	}
	if jobsDir := os.Getenv("BOLTZGEN_JOBS_DIR"); jobsDir != "" {
		config.Queue.JobsDir = jobsDir
	}
	if scriptsDir := os.Getenv("BOLTZGEN_SCRIPTS_DIR"); scriptsDir != "" {
		config.Scripts.Dir = scriptsDir
	}
	if level := os.Getenv("BOLTZGEN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// SplitDeviceList parses a comma-separated device id string ("0,1") into a
// trimmed slice, dropping empty entries.
func SplitDeviceList(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
