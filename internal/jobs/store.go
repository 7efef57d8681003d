package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
)

// ErrNotFound is returned when a job has no persisted record
var ErrNotFound = errors.New("job not found")

// Store persists job records and the queue state snapshot as plain JSON
// files. The layout is an external contract:
//
//	<jobs_root>/<job_id>/metadata.json   - the job record
//	<jobs_root>/queue_state.json         - the queue snapshot
//	<output_dir>/job_info.json           - advisory projection for check_status
//
// The queue is the single writer; files are rewritten wholesale via
// temp-file + rename so a crash never leaves a partial record.
type Store struct {
	jobsRoot string
	logger   arbor.ILogger
}

// NewStore creates a store rooted at jobsRoot, creating the directory
func NewStore(jobsRoot string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(jobsRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory %s: %w", jobsRoot, err)
	}
	return &Store{jobsRoot: jobsRoot, logger: logger}, nil
}

// JobsRoot returns the store's root directory
func (s *Store) JobsRoot() string {
	return s.jobsRoot
}

// JobDir returns the per-job directory
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.jobsRoot, jobID)
}

// StatePath returns the queue state snapshot path
func (s *Store) StatePath() string {
	return filepath.Join(s.jobsRoot, "queue_state.json")
}

// SaveRecord writes the job's metadata.json
func (s *Store) SaveRecord(record *models.Record) error {
	jobDir := s.JobDir(record.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	return writeJSONAtomic(filepath.Join(jobDir, "metadata.json"), record)
}

// LoadRecord reads a job's metadata.json; a missing file is ErrNotFound
func (s *Store) LoadRecord(jobID string) (*models.Record, error) {
	data, err := os.ReadFile(filepath.Join(s.JobDir(jobID), "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read job metadata: %w", err)
	}

	var record models.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse job metadata for %s: %w", jobID, err)
	}
	return &record, nil
}

// SaveState rewrites the queue state snapshot
func (s *Store) SaveState(state *models.QueueState) error {
	return writeJSONAtomic(s.StatePath(), state)
}

// LoadState reads the queue state snapshot; a missing file returns
// (nil, nil) - there is simply no state to recover.
func (s *Store) LoadState() (*models.QueueState, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}

	var state models.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse queue state: %w", err)
	}
	return &state, nil
}

// WriteJobInfo writes the compatibility projection into the job's output
// directory. Failures are logged, not fatal: the projection is advisory.
func (s *Store) WriteJobInfo(record *models.Record) {
	info := models.JobInfo{
		JobID:      record.JobID,
		Config:     record.ArgString("config"),
		OutputDir:  record.OutputDir,
		Protocol:   record.ArgString("protocol"),
		CudaDevice: record.DeviceID,
		PID:        record.PID,
	}
	if v, ok := record.ArgValue("num_designs"); ok {
		info.NumDesigns = v
	}
	if v, ok := record.ArgValue("budget"); ok {
		info.Budget = v
	}
	info.SubmittedAt = record.SubmittedAt.Format("2006-01-02 15:04:05")
	if record.StartedAt != nil {
		info.StartedAt = record.StartedAt.Format("2006-01-02 15:04:05")
	}

	if err := os.MkdirAll(record.OutputDir, 0755); err != nil {
		s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to create output directory for job_info.json")
		return
	}
	if err := writeJSONAtomic(filepath.Join(record.OutputDir, "job_info.json"), info); err != nil {
		s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to write job_info.json")
	}
}

// writeJSONAtomic marshals v with indentation and renames a temp file over
// the target so readers never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
