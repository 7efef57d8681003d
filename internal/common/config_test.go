package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 1, config.Queue.MaxWorkers)
	assert.Empty(t, config.Queue.GPUIDs)
	assert.Equal(t, "./jobs", config.Queue.JobsDir)
	assert.Equal(t, 24*time.Hour, config.EvictionAgeDuration())
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boltzgen-mcp.toml")
	content := `
[queue]
max_workers = 2
gpu_ids = ["0", "1"]
jobs_dir = "/var/lib/boltzgen/jobs"
eviction_age = "48h"

[scripts]
dir = "/opt/boltzgen/scripts"

[logging]
level = "debug"
output = ["stdout", "file"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Queue.MaxWorkers)
	assert.Equal(t, []string{"0", "1"}, config.Queue.GPUIDs)
	assert.Equal(t, "/var/lib/boltzgen/jobs", config.Queue.JobsDir)
	assert.Equal(t, 48*time.Hour, config.EvictionAgeDuration())
	assert.Equal(t, "/opt/boltzgen/scripts", config.Scripts.Dir)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadFromFileMissingUsesDefaults(t *testing.T) {
	config, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 1, config.Queue.MaxWorkers)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOLTZGEN_MAX_WORKERS", "4")
	t.Setenv("BOLTZGEN_GPU_IDS", "0, 1,2")
	t.Setenv("BOLTZGEN_JOBS_DIR", "/tmp/jobs")
	t.Setenv("BOLTZGEN_LOG_LEVEL", "warn")

	config, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, 4, config.Queue.MaxWorkers)
	assert.Equal(t, []string{"0", "1", "2"}, config.Queue.GPUIDs)
	assert.Equal(t, "/tmp/jobs", config.Queue.JobsDir)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestEnvOverridesIgnoreInvalidWorkerCount(t *testing.T) {
	t.Setenv("BOLTZGEN_MAX_WORKERS", "lots")

	config, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, 1, config.Queue.MaxWorkers)
}

func TestEvictionAgeFallback(t *testing.T) {
	config := NewDefaultConfig()
	config.Queue.EvictionAge = "not-a-duration"
	assert.Equal(t, 24*time.Hour, config.EvictionAgeDuration())

	config.Queue.EvictionAge = "-5h"
	assert.Equal(t, 24*time.Hour, config.EvictionAgeDuration())
}

func TestSplitDeviceList(t *testing.T) {
	assert.Equal(t, []string{"0", "1"}, SplitDeviceList("0,1"))
	assert.Equal(t, []string{"0", "1"}, SplitDeviceList(" 0 , 1 "))
	assert.Nil(t, SplitDeviceList(""))
	assert.Nil(t, SplitDeviceList(" , ,"))
}

func TestNewJobID(t *testing.T) {
	id1 := NewJobID()
	id2 := NewJobID()

	assert.Len(t, id1, 8)
	assert.NotEqual(t, id1, id2)
}
