package models

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// JobStatus represents the state of a design job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the monotone lifecycle:
// queued -> running -> exactly one of completed/failed/cancelled,
// with cancellation also allowed straight from queued.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Args holds job arguments in insertion order. Order matters: the child
// process argv is built by iterating args in the order they were set.
type Args = orderedmap.OrderedMap[string, any]

// NewArgs creates an empty ordered argument map
func NewArgs() *Args {
	return orderedmap.New[string, any]()
}

// Record is the durable per-job record, persisted as
// <jobs_root>/<job_id>/metadata.json with these exact field names.
type Record struct {
	JobID       string     `json:"job_id"`
	JobName     string     `json:"job_name,omitempty"`
	ScriptPath  string     `json:"script_path"`
	Args        *Args      `json:"args"`
	OutputDir   string     `json:"output_dir"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	PID         int        `json:"pid,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ArgString returns a string-typed argument value, or "" if absent
func (r *Record) ArgString(name string) string {
	if r.Args == nil {
		return ""
	}
	if v, ok := r.Args.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ArgValue returns a raw argument value
func (r *Record) ArgValue(name string) (any, bool) {
	if r.Args == nil {
		return nil, false
	}
	return r.Args.Get(name)
}

// QueueState is the single-file queue snapshot persisted as
// <jobs_root>/queue_state.json. Field names are kept for on-disk
// compatibility with prior deployments ("gpu_ids" = the device pool).
type QueueState struct {
	MaxWorkers  int               `json:"max_workers"`
	GPUIDs      []string          `json:"gpu_ids"`
	PendingJobs []string          `json:"pending_jobs"`
	RunningJobs map[string]string `json:"running_jobs"` // job_id -> device_id
}

// JobInfo is the advisory projection written to <output_dir>/job_info.json
// and read back by check_status.
type JobInfo struct {
	JobID       string `json:"job_id"`
	Config      string `json:"config"`
	OutputDir   string `json:"output_dir"`
	Protocol    string `json:"protocol"`
	NumDesigns  any    `json:"num_designs"`
	Budget      any    `json:"budget"`
	CudaDevice  string `json:"cuda_device"`
	SubmittedAt string `json:"submitted_at"`
	StartedAt   string `json:"started_at"`
	PID         int    `json:"pid"`
}
