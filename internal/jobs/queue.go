package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/common"
	"github.com/ternarybob/boltzgen-mcp/internal/gpu"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
)

const (
	// Adaptive sleep tiers for the worker loop. Idle instances consume
	// negligible CPU; a backlog starts as soon as a device frees.
	sleepPending = 500 * time.Millisecond
	sleepRunning = 2 * time.Second
	sleepIdle    = 5 * time.Second

	// evictionInterval is the number of worker ticks between in-memory
	// eviction scans of terminal records.
	evictionInterval = 60
)

// RestartError marks records of jobs that were in flight when the server
// went down; the process did not survive the restart.
const RestartError = "Server restarted while job was running"

// Options configure a Queue. DeviceIDs and MaxWorkers are defaults for a
// fresh instance; a persisted queue state snapshot takes precedence on
// recovery.
type Options struct {
	MaxWorkers  int
	DeviceIDs   []string
	EvictionAge time.Duration
}

// Queue is the FIFO job queue with device-aware scheduling. A single mutex
// guards pending, running, and the in-memory record map; persistence and
// device-pool calls happen outside the critical section (the pool has its
// own mutex and the two are never nested).
type Queue struct {
	store       *Store
	supervisor  *Supervisor
	logger      arbor.ILogger
	evictionAge time.Duration

	mu         sync.Mutex
	maxWorkers int
	pool       *gpu.Pool
	pending    []string
	records    map[string]*models.Record
	running    map[string]*runningJob

	stopCh chan struct{}
	doneCh chan struct{}
}

// runningJob pairs a live process with the device it holds. The device is
// tracked here rather than on the record because a cancelled record drops
// its device_id immediately while the pool holding persists until the
// process actually exits.
type runningJob struct {
	process  *Process
	deviceID string
}

// NewQueue constructs the queue, recovers persisted state, and starts the
// background worker. Recovery re-loads max_workers and the device pool from
// the snapshot, re-inserts still-queued jobs in their original order, and
// rewrites records of previously running jobs as failed - their processes
// did not survive the restart, so the pool starts with no holdings.
func NewQueue(opts Options, store *Store, supervisor *Supervisor, logger arbor.ILogger) *Queue {
	maxWorkers := opts.MaxWorkers
	deviceIDs := opts.DeviceIDs
	evictionAge := opts.EvictionAge
	if evictionAge <= 0 {
		evictionAge = 24 * time.Hour
	}

	state, err := store.LoadState()
	if err != nil {
		logger.Error().Err(err).Msg("Error loading queue state, starting fresh")
		state = nil
	}
	if state != nil {
		maxWorkers = state.MaxWorkers
		deviceIDs = state.GPUIDs
	}

	pool := gpu.NewPool(deviceIDs, logger)
	if maxWorkers > pool.Total() {
		logger.Warn().
			Int("max_workers", maxWorkers).
			Int("gpu_count", pool.Total()).
			Msgf("max_workers exceeds GPU count, limiting to %d", pool.Total())
		maxWorkers = pool.Total()
	}

	q := &Queue{
		store:       store,
		supervisor:  supervisor,
		logger:      logger,
		evictionAge: evictionAge,
		maxWorkers:  maxWorkers,
		pool:        pool,
		records:     make(map[string]*models.Record),
		running:     make(map[string]*runningJob),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if state != nil {
		q.recover(state)
	}
	if err := q.store.SaveState(q.snapshotState()); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist queue state on startup")
	}

	q.startWorker()

	logger.Info().
		Int("max_workers", q.maxWorkers).
		Strs("gpu_ids", pool.All()).
		Msg("Job queue initialized")
	return q
}

// recover restores pending jobs and fails previously running ones
func (q *Queue) recover(state *models.QueueState) {
	for _, jobID := range state.PendingJobs {
		record, err := q.store.LoadRecord(jobID)
		if err != nil {
			q.logger.Warn().Err(err).Str("job_id", jobID).Msg("Skipping unrecoverable pending job")
			continue
		}
		if record.Status != models.JobStatusQueued {
			continue
		}
		q.records[jobID] = record
		q.pending = append(q.pending, jobID)
		q.logger.Info().Str("job_id", jobID).Msg("Restored pending job to queue")
	}

	for jobID := range state.RunningJobs {
		record, err := q.store.LoadRecord(jobID)
		if err != nil {
			q.logger.Warn().Err(err).Str("job_id", jobID).Msg("Skipping unrecoverable running job")
			continue
		}
		if record.Status != models.JobStatusRunning {
			continue
		}
		now := time.Now()
		record.Status = models.JobStatusFailed
		record.Error = RestartError
		record.CompletedAt = &now
		record.DeviceID = ""
		if err := q.store.SaveRecord(record); err != nil {
			q.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist restart failure")
		}
		q.logger.Warn().Str("job_id", jobID).Msg("Marked job as failed (server restart)")
	}
}

// SubmitResult reports the outcome of an admission
type SubmitResult struct {
	JobID       string
	Position    int // 1-indexed position at the moment of admission
	QueueLength int
}

// Submit admits a job: the record is persisted first, then the id is
// appended to the pending FIFO. A record write failure leaves the queue
// untouched.
func (q *Queue) Submit(scriptPath string, args *models.Args, outputDir, jobName string) (*SubmitResult, error) {
	record := &models.Record{
		JobID:       common.NewJobID(),
		JobName:     jobName,
		ScriptPath:  scriptPath,
		Args:        args,
		OutputDir:   outputDir,
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now(),
	}

	if err := q.store.SaveRecord(record); err != nil {
		return nil, fmt.Errorf("failed to persist job record: %w", err)
	}

	q.mu.Lock()
	q.records[record.JobID] = record
	q.pending = append(q.pending, record.JobID)
	position := len(q.pending)
	state := q.snapshotStateLocked()
	q.mu.Unlock()

	if err := q.store.SaveState(state); err != nil {
		// Record is on disk; state is re-snapshotted at the next transition.
		q.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to persist queue state on submit")
	}

	q.logger.Info().Str("job_id", record.JobID).Int("position", position).Msg("Job submitted to queue")

	return &SubmitResult{
		JobID:       record.JobID,
		Position:    position,
		QueueLength: position,
	}, nil
}

// JobStatusResult is a point-in-time view of one job
type JobStatusResult struct {
	Record   models.Record
	Position *int // 0 running, 1..n queued, nil terminal/unknown
}

// JobStatus returns the record plus derived queue position, falling back to
// an on-disk load for records evicted from memory.
func (q *Queue) JobStatus(jobID string) (*JobStatusResult, error) {
	q.mu.Lock()
	record, ok := q.records[jobID]
	if !ok {
		q.mu.Unlock()
		loaded, err := q.store.LoadRecord(jobID)
		if err != nil {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		q.mu.Lock()
		if cached, exists := q.records[jobID]; exists {
			record = cached
		} else {
			q.records[jobID] = loaded
			record = loaded
		}
	}

	result := &JobStatusResult{Record: *record}
	switch record.Status {
	case models.JobStatusRunning:
		zero := 0
		result.Position = &zero
	case models.JobStatusQueued:
		for i, id := range q.pending {
			if id == jobID {
				pos := i + 1
				result.Position = &pos
				break
			}
		}
	}
	q.mu.Unlock()
	return result, nil
}

// RunningJob describes one in-flight job for queue_status
type RunningJob struct {
	JobID     string     `json:"job_id"`
	DeviceID  string     `json:"gpu_id"`
	StartedAt *time.Time `json:"started_at"`
}

// QueuedJob describes one waiting job for queue_status
type QueuedJob struct {
	JobID       string    `json:"job_id"`
	Position    int       `json:"position"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QueueStatusResult is the overall queue view
type QueueStatusResult struct {
	QueueLength       int
	RunningCount      int
	MaxWorkers        int
	RunningJobs       []RunningJob
	QueuedJobs        []QueuedJob // first 10
	AvailableDevices  []string
	TotalDevices      int
	DeviceAssignments map[string]string
}

// QueueStatus returns the live queue view
func (q *Queue) QueueStatus() *QueueStatusResult {
	q.mu.Lock()
	result := &QueueStatusResult{
		QueueLength:  len(q.pending),
		RunningCount: len(q.running),
		MaxWorkers:   q.maxWorkers,
	}
	for jobID, rj := range q.running {
		if record, ok := q.records[jobID]; ok {
			result.RunningJobs = append(result.RunningJobs, RunningJob{
				JobID:     jobID,
				DeviceID:  rj.deviceID,
				StartedAt: record.StartedAt,
			})
		}
	}
	for i, jobID := range q.pending {
		if i >= 10 {
			break
		}
		if record, ok := q.records[jobID]; ok {
			result.QueuedJobs = append(result.QueuedJobs, QueuedJob{
				JobID:       jobID,
				Position:    i + 1,
				SubmittedAt: record.SubmittedAt,
			})
		}
	}
	pool := q.pool
	q.mu.Unlock()

	result.AvailableDevices = pool.AvailableList()
	result.TotalDevices = pool.Total()
	result.DeviceAssignments = pool.HeldMap()
	return result
}

// Cancel cancels a queued or running job. Queued jobs leave the pending
// FIFO immediately; running jobs flip to cancelled at once while the device
// is reclaimed on the next reap tick, after the process actually exits.
func (q *Queue) Cancel(jobID string) (string, error) {
	q.mu.Lock()
	record, ok := q.records[jobID]
	if !ok {
		q.mu.Unlock()
		loaded, err := q.store.LoadRecord(jobID)
		if err != nil {
			return "", fmt.Errorf("Job %s not found", jobID)
		}
		q.mu.Lock()
		if cached, exists := q.records[jobID]; exists {
			record = cached
		} else {
			q.records[jobID] = loaded
			record = loaded
		}
	}

	if !record.Status.CanTransitionTo(models.JobStatusCancelled) {
		status := record.Status
		q.mu.Unlock()
		return "", fmt.Errorf("Job %s is already %s", jobID, status)
	}

	now := time.Now()
	if record.Status == models.JobStatusQueued {
		for i, id := range q.pending {
			if id == jobID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		record.Status = models.JobStatusCancelled
		record.CompletedAt = &now
		snapshot := *record
		state := q.snapshotStateLocked()
		q.mu.Unlock()

		if err := q.store.SaveRecord(&snapshot); err != nil {
			q.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist cancellation")
		}
		if err := q.store.SaveState(state); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to persist queue state on cancel")
		}
		q.logger.Info().Str("job_id", jobID).Msg("Cancelled queued job")
		return fmt.Sprintf("Job %s cancelled (was queued)", jobID), nil
	}

	rj := q.running[jobID]
	record.Status = models.JobStatusCancelled
	record.CompletedAt = &now
	record.DeviceID = ""
	snapshot := *record
	q.mu.Unlock()

	// A nil handle means the dispatcher is still inside Start; it checks
	// the record after registering the process and delivers the signal.
	if rj != nil {
		if err := rj.process.Terminate(); err != nil {
			q.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to signal cancelled job")
		}
	}
	if err := q.store.SaveRecord(&snapshot); err != nil {
		q.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist cancellation")
	}
	q.logger.Info().Str("job_id", jobID).Msg("Cancelled running job")
	return fmt.Sprintf("Job %s cancelled (was running)", jobID), nil
}

// ResourceStatusResult reports whether the supervisor is holding anything
type ResourceStatusResult struct {
	IsIdle           bool
	AllDevicesFree   bool
	JobsInMemory     int
	QueuedJobs       int
	RunningJobs      int
	DevicesInUse     map[string]string
	DevicesAvailable []string
	TotalDevices     int
}

// ResourceStatus verifies that devices are freed when no jobs are active.
// The supervisor itself never holds accelerator memory; devices are held
// only by child processes.
func (q *Queue) ResourceStatus() *ResourceStatusResult {
	q.mu.Lock()
	result := &ResourceStatusResult{
		JobsInMemory: len(q.records),
		QueuedJobs:   len(q.pending),
		RunningJobs:  len(q.running),
	}
	pool := q.pool
	q.mu.Unlock()

	result.IsIdle = result.QueuedJobs == 0 && result.RunningJobs == 0
	result.DevicesInUse = pool.HeldMap()
	result.DevicesAvailable = pool.AvailableList()
	result.TotalDevices = pool.Total()
	result.AllDevicesFree = len(result.DevicesInUse) == 0
	return result
}

// MaxWorkers returns the current concurrency cap
func (q *Queue) MaxWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxWorkers
}

// DeviceIDs returns the current device pool membership
func (q *Queue) DeviceIDs() []string {
	q.mu.Lock()
	pool := q.pool
	q.mu.Unlock()
	return pool.All()
}

// Reconfigure stops the worker loop, replaces the pool and/or concurrency
// cap, and restarts. Running jobs are not interrupted: their device
// holdings are carried into the new pool where the device still exists.
// The new cap is clamped to the new pool size.
func (q *Queue) Reconfigure(maxWorkers *int, deviceIDs []string) (int, []string) {
	q.stopWorker()

	q.mu.Lock()
	runningDevices := make(map[string]string, len(q.running))
	for jobID, rj := range q.running {
		if rj.deviceID != "" {
			runningDevices[jobID] = rj.deviceID
		}
	}
	currentPool := q.pool
	q.mu.Unlock()

	newPool := currentPool
	if deviceIDs != nil {
		newPool = gpu.NewPool(deviceIDs, q.logger)
		for jobID, deviceID := range runningDevices {
			if !newPool.Pin(deviceID, jobID) {
				q.logger.Warn().
					Str("job_id", jobID).
					Str("device_id", deviceID).
					Msg("Running job's device is not in the reconfigured pool")
			}
		}
	}

	q.mu.Lock()
	q.pool = newPool
	if maxWorkers != nil {
		q.maxWorkers = *maxWorkers
	}
	if q.maxWorkers > newPool.Total() {
		q.logger.Warn().
			Int("max_workers", q.maxWorkers).
			Int("gpu_count", newPool.Total()).
			Msgf("max_workers exceeds GPU count, limiting to %d", newPool.Total())
		q.maxWorkers = newPool.Total()
	}
	newMax := q.maxWorkers
	state := q.snapshotStateLocked()
	q.mu.Unlock()

	if err := q.store.SaveState(state); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to persist queue state on reconfigure")
	}

	q.startWorker()
	q.logger.Info().Int("max_workers", newMax).Strs("gpu_ids", newPool.All()).Msg("Queue reconfigured")
	return newMax, newPool.All()
}

// Shutdown stops the worker loop. Running child processes are left alone.
func (q *Queue) Shutdown() {
	q.stopWorker()
	q.logger.Info().Msg("Queue worker shutdown")
}

func (q *Queue) startWorker() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	q.mu.Lock()
	q.stopCh = stopCh
	q.doneCh = doneCh
	q.mu.Unlock()
	common.SafeGo(q.logger, "queue-worker", func() {
		q.workerLoop(stopCh, doneCh)
	})
}

func (q *Queue) stopWorker() {
	q.mu.Lock()
	stopCh, doneCh := q.stopCh, q.doneCh
	q.mu.Unlock()
	close(stopCh)
	<-doneCh
}

// workerLoop repeats reap, dispatch, and periodic eviction until shutdown,
// with adaptive sleeps between ticks. Any per-iteration failure is logged
// and followed by the idle sleep; the loop never halts on recoverable
// errors.
func (q *Queue) workerLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	q.logger.Info().Msg("Queue worker started")

	evictionCounter := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		sleep := q.tick(&evictionCounter)

		select {
		case <-stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

func (q *Queue) tick(evictionCounter *int) (sleep time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Error in worker loop")
			sleep = sleepIdle
		}
	}()

	q.reapCompleted()
	q.dispatch()

	*evictionCounter++
	if *evictionCounter >= evictionInterval {
		q.evictOldRecords()
		*evictionCounter = 0
	}

	q.mu.Lock()
	hasQueued := len(q.pending) > 0
	hasRunning := len(q.running) > 0
	q.mu.Unlock()

	switch {
	case hasQueued:
		return sleepPending
	case hasRunning:
		return sleepRunning
	default:
		return sleepIdle
	}
}

// reapCompleted observes exited children, finalizes their records, and
// releases their devices. Records already cancelled keep that status; the
// reap just reclaims the device.
func (q *Queue) reapCompleted() {
	type completion struct {
		record   models.Record
		deviceID string
		exitCode int
	}

	q.mu.Lock()
	var completions []completion
	for jobID, rj := range q.running {
		exitCode, exited := rj.process.Poll()
		if !exited {
			continue
		}
		delete(q.running, jobID)

		record, ok := q.records[jobID]
		if !ok {
			continue
		}
		now := time.Now()
		if record.CompletedAt == nil {
			record.CompletedAt = &now
		}
		if record.Status == models.JobStatusRunning {
			if exitCode == 0 {
				record.Status = models.JobStatusCompleted
			} else {
				record.Status = models.JobStatusFailed
				record.Error = fmt.Sprintf("Process exited with code %d", exitCode)
			}
		}
		record.DeviceID = ""
		completions = append(completions, completion{record: *record, deviceID: rj.deviceID, exitCode: exitCode})
	}
	var state *models.QueueState
	if len(completions) > 0 {
		state = q.snapshotStateLocked()
	}
	pool := q.pool
	q.mu.Unlock()

	for _, c := range completions {
		switch c.record.Status {
		case models.JobStatusCompleted:
			q.logger.Info().Str("job_id", c.record.JobID).Msg("Job completed successfully")
		case models.JobStatusCancelled:
			q.logger.Info().Str("job_id", c.record.JobID).Msg("Cancelled job exited")
		default:
			q.logger.Warn().Str("job_id", c.record.JobID).Int("exit_code", c.exitCode).Msg("Job failed")
		}

		if c.deviceID != "" {
			pool.Release(c.deviceID)
			q.logger.Info().Str("device_id", c.deviceID).Msg("Device released and available for other programs")
		}
		if err := q.store.SaveRecord(&c.record); err != nil {
			q.logger.Error().Err(err).Str("job_id", c.record.JobID).Msg("Failed to persist terminal record")
		}
	}
	if state != nil {
		if err := q.store.SaveState(state); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to persist queue state after reap")
		}
	}
}

// dispatch promotes head-of-queue jobs to running while capacity and
// devices allow. Device starvation is not an error; the head stays queued
// and the loop retries next tick.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.running) >= q.maxWorkers || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		if _, ok := q.records[head]; !ok {
			// Record vanished (cancel race); skip it.
			q.pending = q.pending[1:]
			q.mu.Unlock()
			continue
		}
		pool := q.pool
		q.mu.Unlock()

		deviceID, ok := pool.Acquire(head)
		if !ok {
			return
		}

		q.mu.Lock()
		record, exists := q.records[head]
		if !exists || len(q.pending) == 0 || q.pending[0] != head || record.Status != models.JobStatusQueued {
			// Head changed between peek and acquire (cancelled meanwhile).
			q.mu.Unlock()
			pool.Release(deviceID)
			continue
		}
		q.pending = q.pending[1:]
		now := time.Now()
		record.Status = models.JobStatusRunning
		record.StartedAt = &now
		record.DeviceID = deviceID
		snapshot := *record
		q.mu.Unlock()

		process, err := q.supervisor.Start(&snapshot, deviceID)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", head).Msg("Failed to start job")
			q.mu.Lock()
			if record.Status == models.JobStatusRunning {
				record.Status = models.JobStatusFailed
				record.Error = err.Error()
			}
			completedAt := time.Now()
			if record.CompletedAt == nil {
				record.CompletedAt = &completedAt
			}
			record.DeviceID = ""
			failed := *record
			state := q.snapshotStateLocked()
			q.mu.Unlock()

			pool.Release(deviceID)
			if err := q.store.SaveRecord(&failed); err != nil {
				q.logger.Error().Err(err).Str("job_id", head).Msg("Failed to persist spawn failure")
			}
			if err := q.store.SaveState(state); err != nil {
				q.logger.Warn().Err(err).Msg("Failed to persist queue state after spawn failure")
			}
			continue
		}

		q.mu.Lock()
		q.running[head] = &runningJob{process: process, deviceID: deviceID}
		cancelledInFlight := record.Status != models.JobStatusRunning
		if !cancelledInFlight {
			record.PID = process.PID()
		}
		started := *record
		state := q.snapshotStateLocked()
		q.mu.Unlock()

		if cancelledInFlight {
			// Cancel ran while Start was in flight and found no process
			// handle to signal; deliver the missed signal here so the reap
			// reclaims the device as soon as the child exits.
			if err := process.Terminate(); err != nil {
				q.logger.Warn().Err(err).Str("job_id", head).Msg("Failed to signal cancelled job")
			}
		}
		if err := q.store.SaveRecord(&started); err != nil {
			q.logger.Error().Err(err).Str("job_id", head).Msg("Failed to persist running record")
		}
		if err := q.store.SaveState(state); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to persist queue state after dispatch")
		}
		if !cancelledInFlight {
			q.store.WriteJobInfo(&started)
		}
	}
}

// evictOldRecords drops terminal records older than the eviction age from
// memory. They remain on disk and are reloaded on demand.
func (q *Queue) evictOldRecords() {
	cutoff := time.Now().Add(-q.evictionAge)

	q.mu.Lock()
	var evicted []string
	for jobID, record := range q.records {
		if !record.Status.IsTerminal() {
			continue
		}
		if record.CompletedAt != nil && record.CompletedAt.Before(cutoff) {
			evicted = append(evicted, jobID)
		}
	}
	for _, jobID := range evicted {
		delete(q.records, jobID)
	}
	q.mu.Unlock()

	if len(evicted) > 0 {
		q.logger.Debug().Int("count", len(evicted)).Msg("Evicted old terminal jobs from memory")
	}
}

// snapshotStateLocked builds the durable queue snapshot; q.mu must be held
func (q *Queue) snapshotStateLocked() *models.QueueState {
	state := &models.QueueState{
		MaxWorkers:  q.maxWorkers,
		GPUIDs:      q.pool.All(),
		PendingJobs: append([]string{}, q.pending...),
		RunningJobs: make(map[string]string, len(q.running)),
	}
	for jobID, rj := range q.running {
		state.RunningJobs[jobID] = rj.deviceID
	}
	return state
}

func (q *Queue) snapshotState() *models.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotStateLocked()
}
