package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
)

type queueFixture struct {
	queue      *Queue
	store      *Store
	scriptsDir string
}

func newQueueFixture(t *testing.T, maxWorkers int, deviceIDs []string) *queueFixture {
	t.Helper()
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	scriptsDir := t.TempDir()
	supervisor := NewSupervisor(scriptsDir, testLogger())
	queue := NewQueue(Options{MaxWorkers: maxWorkers, DeviceIDs: deviceIDs}, store, supervisor, testLogger())
	t.Cleanup(queue.Shutdown)
	return &queueFixture{queue: queue, store: store, scriptsDir: scriptsDir}
}

func (f *queueFixture) submitScript(t *testing.T, name, body string) *SubmitResult {
	t.Helper()
	script := writeScript(t, f.scriptsDir, name, body)
	outputDir := filepath.Join(f.store.JobsRoot(), name+"-out")
	result, err := f.queue.Submit(script, models.NewArgs(), outputDir, "")
	require.NoError(t, err)
	return result
}

func (f *queueFixture) jobStatus(t *testing.T, jobID string) *JobStatusResult {
	t.Helper()
	status, err := f.queue.JobStatus(jobID)
	require.NoError(t, err)
	return status
}

func TestQueueSingleDeviceSerialization(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	// Saturate the single device first so the positions below are not
	// racing the dispatcher.
	blocker := f.submitScript(t, "blocker.sh", "sleep 1")
	waitFor(t, 5*time.Second, "blocker running", func() bool {
		return f.jobStatus(t, blocker.JobID).Record.Status == models.JobStatusRunning
	})

	j1 := f.submitScript(t, "j1.sh", "sleep 0.3")
	j2 := f.submitScript(t, "j2.sh", "sleep 0.1")
	j3 := f.submitScript(t, "j3.sh", "true")

	assert.Equal(t, 1, j1.Position)
	assert.Equal(t, 2, j2.Position)
	assert.Equal(t, 3, j3.Position)

	waitFor(t, 15*time.Second, "all jobs to complete", func() bool {
		for _, id := range []string{blocker.JobID, j1.JobID, j2.JobID, j3.JobID} {
			if f.jobStatus(t, id).Record.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	})

	// Admission order must match start order.
	s1 := f.jobStatus(t, j1.JobID).Record
	s2 := f.jobStatus(t, j2.JobID).Record
	s3 := f.jobStatus(t, j3.JobID).Record
	assert.False(t, s2.StartedAt.Before(*s1.StartedAt))
	assert.False(t, s3.StartedAt.Before(*s2.StartedAt))

	status := f.queue.ResourceStatus()
	assert.True(t, status.IsIdle)
	assert.True(t, status.AllDevicesFree)
}

func TestQueueTwoDeviceParallelism(t *testing.T) {
	f := newQueueFixture(t, 2, []string{"0", "1"})

	j1 := f.submitScript(t, "j1.sh", "sleep 1")
	j2 := f.submitScript(t, "j2.sh", "sleep 1")
	j3 := f.submitScript(t, "j3.sh", "true")

	waitFor(t, 5*time.Second, "two jobs running", func() bool {
		return f.queue.QueueStatus().RunningCount == 2
	})

	status := f.queue.QueueStatus()
	assert.Equal(t, 1, status.QueueLength)
	require.Len(t, status.RunningJobs, 2)
	assert.NotEqual(t, status.RunningJobs[0].DeviceID, status.RunningJobs[1].DeviceID)

	waitFor(t, 10*time.Second, "all jobs to complete", func() bool {
		for _, id := range []string{j1.JobID, j2.JobID, j3.JobID} {
			if !f.jobStatus(t, id).Record.Status.IsTerminal() {
				return false
			}
		}
		return true
	})
	assert.Equal(t, models.JobStatusCompleted, f.jobStatus(t, j3.JobID).Record.Status)
}

func TestQueueJobStatusPositions(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	j1 := f.submitScript(t, "j1.sh", "sleep 2")
	j2 := f.submitScript(t, "j2.sh", "true")

	waitFor(t, 5*time.Second, "first job running", func() bool {
		return f.jobStatus(t, j1.JobID).Record.Status == models.JobStatusRunning
	})

	s1 := f.jobStatus(t, j1.JobID)
	require.NotNil(t, s1.Position)
	assert.Equal(t, 0, *s1.Position, "running jobs report position 0")
	assert.Equal(t, "0", s1.Record.DeviceID)

	s2 := f.jobStatus(t, j2.JobID)
	require.NotNil(t, s2.Position)
	assert.Equal(t, 1, *s2.Position)
}

func TestQueueFailedJob(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	j1 := f.submitScript(t, "fail.sh", "exit 7")

	waitFor(t, 5*time.Second, "job failure", func() bool {
		return f.jobStatus(t, j1.JobID).Record.Status == models.JobStatusFailed
	})

	record := f.jobStatus(t, j1.JobID).Record
	assert.Equal(t, "Process exited with code 7", record.Error)
	assert.NotNil(t, record.CompletedAt)
	assert.Empty(t, record.DeviceID)

	waitFor(t, 5*time.Second, "device release", func() bool {
		return f.queue.ResourceStatus().AllDevicesFree
	})
}

func TestQueueSpawnFailure(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	outputDir := filepath.Join(f.store.JobsRoot(), "out")
	result, err := f.queue.Submit("/nonexistent/run_boltzgen.py", models.NewArgs(), outputDir, "")
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "spawn failure", func() bool {
		return f.jobStatus(t, result.JobID).Record.Status == models.JobStatusFailed
	})
	assert.NotEmpty(t, f.jobStatus(t, result.JobID).Record.Error)

	waitFor(t, 5*time.Second, "device release", func() bool {
		return f.queue.ResourceStatus().AllDevicesFree
	})
}

func TestQueueCancelQueued(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	j1 := f.submitScript(t, "j1.sh", "sleep 2")
	j2 := f.submitScript(t, "j2.sh", "true")

	waitFor(t, 5*time.Second, "first job running", func() bool {
		return f.jobStatus(t, j1.JobID).Record.Status == models.JobStatusRunning
	})

	message, err := f.queue.Cancel(j2.JobID)
	require.NoError(t, err)
	assert.Contains(t, message, "was queued")

	record := f.jobStatus(t, j2.JobID).Record
	assert.Equal(t, models.JobStatusCancelled, record.Status)
	assert.NotNil(t, record.CompletedAt)
	assert.Equal(t, 0, f.queue.QueueStatus().QueueLength)

	// The persisted snapshot must exclude the cancelled job.
	data, err := os.ReadFile(f.store.StatePath())
	require.NoError(t, err)
	var state models.QueueState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.NotContains(t, state.PendingJobs, j2.JobID)
}

func TestQueueCancelRunning(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	j1 := f.submitScript(t, "slow.sh", "sleep 30")

	waitFor(t, 5*time.Second, "job running", func() bool {
		return f.jobStatus(t, j1.JobID).Record.Status == models.JobStatusRunning
	})

	message, err := f.queue.Cancel(j1.JobID)
	require.NoError(t, err)
	assert.Contains(t, message, "was running")

	record := f.jobStatus(t, j1.JobID).Record
	assert.Equal(t, models.JobStatusCancelled, record.Status)
	assert.NotNil(t, record.CompletedAt)
	assert.Empty(t, record.DeviceID, "device_id is cleared as soon as the record leaves running")

	persisted, err := f.store.LoadRecord(j1.JobID)
	require.NoError(t, err)
	assert.Empty(t, persisted.DeviceID)

	waitFor(t, 5*time.Second, "device release", func() bool {
		return f.queue.ResourceStatus().AllDevicesFree
	})
	assert.Equal(t, models.JobStatusCancelled, f.jobStatus(t, j1.JobID).Record.Status,
		"reap must not overwrite a cancelled record")
}

func TestQueueCancelDuringDispatchReleasesDevice(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	// The record reads running before the dispatcher has registered the
	// process handle, so an immediate cancel can land in that window.
	// Repeat to give the race a chance either way; the device must come
	// back promptly regardless of where the cancel lands.
	for i := 0; i < 8; i++ {
		j := f.submitScript(t, fmt.Sprintf("slow%d.sh", i), "sleep 30")

		waitFor(t, 5*time.Second, "job running", func() bool {
			return f.jobStatus(t, j.JobID).Record.Status == models.JobStatusRunning
		})

		_, err := f.queue.Cancel(j.JobID)
		require.NoError(t, err)

		waitFor(t, 3*time.Second, "device release after cancel", func() bool {
			return f.queue.ResourceStatus().AllDevicesFree
		})
		assert.Equal(t, models.JobStatusCancelled, f.jobStatus(t, j.JobID).Record.Status)
	}
}

func TestQueueCancelTerminalAndUnknown(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	j1 := f.submitScript(t, "j1.sh", "true")
	waitFor(t, 5*time.Second, "completion", func() bool {
		return f.jobStatus(t, j1.JobID).Record.Status == models.JobStatusCompleted
	})

	_, err := f.queue.Cancel(j1.JobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is already completed")

	_, err = f.queue.Cancel("missing1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestQueueRecovery(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	scriptsDir := t.TempDir()
	supervisor := NewSupervisor(scriptsDir, testLogger())

	queue1 := NewQueue(Options{MaxWorkers: 1, DeviceIDs: []string{"0"}}, store, supervisor, testLogger())

	slow := writeScript(t, scriptsDir, "slow.sh", "sleep 10")
	j1, err := queue1.Submit(slow, models.NewArgs(), filepath.Join(store.JobsRoot(), "out1"), "")
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "first job running", func() bool {
		status, err := queue1.JobStatus(j1.JobID)
		require.NoError(t, err)
		return status.Record.Status == models.JobStatusRunning
	})

	quick := writeScript(t, scriptsDir, "quick.sh", "true")
	j2, err := queue1.Submit(quick, models.NewArgs(), filepath.Join(store.JobsRoot(), "out2"), "")
	require.NoError(t, err)

	// Simulate a crash: stop the worker without reaping anything.
	queue1.Shutdown()

	queue2 := NewQueue(Options{MaxWorkers: 1, DeviceIDs: []string{"0"}}, store, supervisor, testLogger())
	t.Cleanup(queue2.Shutdown)

	s1, err := queue2.JobStatus(j1.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, s1.Record.Status)
	assert.Equal(t, RestartError, s1.Record.Error)
	assert.NotNil(t, s1.Record.CompletedAt)

	waitFor(t, 5*time.Second, "restored job to run", func() bool {
		status, err := queue2.JobStatus(j2.JobID)
		require.NoError(t, err)
		return status.Record.Status == models.JobStatusCompleted
	})
}

func TestQueueMaxWorkersClamped(t *testing.T) {
	f := newQueueFixture(t, 8, []string{"0", "1"})
	assert.Equal(t, 2, f.queue.MaxWorkers())
}

func TestQueueReconfigure(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	eight := 8
	maxWorkers, devices := f.queue.Reconfigure(&eight, []string{"0", "1"})
	assert.Equal(t, 2, maxWorkers)
	assert.Equal(t, []string{"0", "1"}, devices)

	status := f.queue.QueueStatus()
	assert.Equal(t, 2, status.MaxWorkers)
	assert.Equal(t, 2, status.TotalDevices)

	// The new configuration is durable.
	data, err := os.ReadFile(f.store.StatePath())
	require.NoError(t, err)
	var state models.QueueState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 2, state.MaxWorkers)
	assert.Equal(t, []string{"0", "1"}, state.GPUIDs)
}

func TestQueueReconfigureZeroWorkers(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	zero := 0
	maxWorkers, _ := f.queue.Reconfigure(&zero, nil)
	assert.Equal(t, 0, maxWorkers)

	j1 := f.submitScript(t, "j1.sh", "true")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, models.JobStatusQueued, f.jobStatus(t, j1.JobID).Record.Status,
		"nothing dispatches with zero workers")
}

func TestQueueEmptyDevicePool(t *testing.T) {
	f := newQueueFixture(t, 1, []string{})

	j1 := f.submitScript(t, "j1.sh", "true")
	assert.Equal(t, 1, j1.Position)

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, models.JobStatusQueued, f.jobStatus(t, j1.JobID).Record.Status)

	status := f.queue.ResourceStatus()
	assert.False(t, status.IsIdle)
	assert.True(t, status.AllDevicesFree)
}

func TestQueueStatusLimitsQueuedList(t *testing.T) {
	f := newQueueFixture(t, 0, []string{})

	for i := 0; i < 12; i++ {
		f.submitScript(t, "j"+string(rune('a'+i))+".sh", "true")
	}

	status := f.queue.QueueStatus()
	assert.Equal(t, 12, status.QueueLength)
	assert.Len(t, status.QueuedJobs, 10)
	assert.Equal(t, 1, status.QueuedJobs[0].Position)
	assert.Equal(t, 10, status.QueuedJobs[9].Position)
}

func TestQueueEvictOldRecords(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-time.Hour)
	stale := &models.Record{
		JobID:       "stale1",
		ScriptPath:  "s",
		Args:        models.NewArgs(),
		OutputDir:   "/tmp/out",
		Status:      models.JobStatusCompleted,
		SubmittedAt: old.Add(-time.Minute),
		CompletedAt: &old,
	}
	recent := &models.Record{
		JobID:       "recent1",
		ScriptPath:  "s",
		Args:        models.NewArgs(),
		OutputDir:   "/tmp/out",
		Status:      models.JobStatusFailed,
		SubmittedAt: fresh.Add(-time.Minute),
		CompletedAt: &fresh,
	}
	waiting := &models.Record{
		JobID:       "waiting1",
		ScriptPath:  "s",
		Args:        models.NewArgs(),
		OutputDir:   "/tmp/out",
		Status:      models.JobStatusQueued,
		SubmittedAt: old,
	}
	require.NoError(t, f.store.SaveRecord(stale))

	f.queue.mu.Lock()
	f.queue.records[stale.JobID] = stale
	f.queue.records[recent.JobID] = recent
	f.queue.records[waiting.JobID] = waiting
	f.queue.mu.Unlock()

	f.queue.evictOldRecords()

	f.queue.mu.Lock()
	_, staleKept := f.queue.records[stale.JobID]
	_, recentKept := f.queue.records[recent.JobID]
	_, waitingKept := f.queue.records[waiting.JobID]
	f.queue.mu.Unlock()

	assert.False(t, staleKept, "terminal records older than the eviction age leave memory")
	assert.True(t, recentKept, "recent terminal records stay")
	assert.True(t, waitingKept, "non-terminal records are never evicted")

	// Evicted records remain on disk and reload on demand.
	status := f.jobStatus(t, stale.JobID)
	assert.Equal(t, models.JobStatusCompleted, status.Record.Status)
	assert.Nil(t, status.Position)
}

func TestQueueJobStatusFromDisk(t *testing.T) {
	f := newQueueFixture(t, 1, []string{"0"})

	record := &models.Record{
		JobID:       "evicted1",
		ScriptPath:  "s",
		Args:        models.NewArgs(),
		OutputDir:   "/tmp/out",
		Status:      models.JobStatusCompleted,
		SubmittedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, f.store.SaveRecord(record))

	status := f.jobStatus(t, "evicted1")
	assert.Equal(t, models.JobStatusCompleted, status.Record.Status)
	assert.Nil(t, status.Position)

	_, err := f.queue.JobStatus("never-existed")
	assert.Error(t, err)
}
