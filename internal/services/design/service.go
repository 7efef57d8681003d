package design

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/common"
	"github.com/ternarybob/boltzgen-mcp/internal/jobs"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
	"gopkg.in/yaml.v3"
)

// RunScriptName is the entry script launched for every design run
const RunScriptName = "run_boltzgen.py"

// DesignParams are the shared inputs of submit and run
type DesignParams struct {
	Config     string `validate:"required"`
	Output     string `validate:"required"`
	Protocol   string `validate:"required,oneof=protein-anything peptide-anything protein-small_molecule nanobody-anything antibody-anything"`
	NumDesigns int    `validate:"min=1"`
	Budget     int    `validate:"min=1"`
	CudaDevice string // run only; queued jobs get their device from the pool
	JobName    string
}

// Service is the request surface over the queue, runner, and inspector.
// Every method returns a JSON-shaped map; validation failures surface as
// errors and the transport layer renders them as error objects.
type Service struct {
	queue      *jobs.Queue
	runner     *jobs.Runner
	inspector  *jobs.Inspector
	scriptsDir string
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewService wires the request surface
func NewService(queue *jobs.Queue, runner *jobs.Runner, inspector *jobs.Inspector, scriptsDir string, logger arbor.ILogger) *Service {
	return &Service{
		queue:      queue,
		runner:     runner,
		inspector:  inspector,
		scriptsDir: scriptsDir,
		validate:   validator.New(),
		logger:     logger,
	}
}

// validateDesignParams normalizes paths and checks everything that must
// fail synchronously: the protocol set, the config file's existence, and
// that the config actually parses as YAML.
func (s *Service) validateDesignParams(p *DesignParams) error {
	if err := s.validate.Struct(p); err != nil {
		if !models.Protocol(p.Protocol).IsValid() {
			return fmt.Errorf("Invalid protocol '%s'. Must be one of: %s", p.Protocol, models.ProtocolList())
		}
		return fmt.Errorf("invalid parameters: %s", err.Error())
	}

	configPath, err := filepath.Abs(p.Config)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	p.Config = configPath

	outputPath, err := filepath.Abs(p.Output)
	if err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	p.Output = outputPath

	data, err := os.ReadFile(p.Config)
	if err != nil {
		return fmt.Errorf("Config file not found: %s", p.Config)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("Invalid YAML in config file %s: %s", p.Config, err.Error())
	}
	return nil
}

// buildArgs produces the child argument map in the order the CLI expects
func (s *Service) buildArgs(p *DesignParams) *models.Args {
	args := models.NewArgs()
	args.Set("config", p.Config)
	args.Set("output", p.Output)
	args.Set("protocol", p.Protocol)
	args.Set("num_designs", p.NumDesigns)
	args.Set("budget", p.Budget)
	return args
}

func (s *Service) scriptPath() string {
	return filepath.Join(s.scriptsDir, RunScriptName)
}

// Submit validates and admits a job to the queue, returning immediately
// with its position.
func (s *Service) Submit(p DesignParams) (map[string]any, error) {
	s.logger.Info().Str("config", p.Config).Str("output", p.Output).Msg("Submit requested")

	if err := s.validateDesignParams(&p); err != nil {
		return nil, err
	}

	result, err := s.queue.Submit(s.scriptPath(), s.buildArgs(&p), p.Output, p.JobName)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":         "queued",
		"job_id":         result.JobID,
		"queue_position": result.Position,
		"queue_length":   result.QueueLength,
		"config":         p.Config,
		"output_dir":     p.Output,
		"protocol":       p.Protocol,
		"num_designs":    p.NumDesigns,
		"budget":         p.Budget,
		"message":        fmt.Sprintf("Job queued at position %d. Use boltzgen_job_status('%s') to check progress.", result.Position, result.JobID),
	}, nil
}

// Run executes a design synchronously in the calling context, bypassing
// the queue. The caller picks the device (or leaves it to the driver).
func (s *Service) Run(ctx context.Context, p DesignParams) (map[string]any, error) {
	s.logger.Info().Str("config", p.Config).Str("output", p.Output).Msg("Synchronous run requested")

	if err := s.validateDesignParams(&p); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Output, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	record := &models.Record{
		ScriptPath: s.scriptPath(),
		Args:       s.buildArgs(&p),
		OutputDir:  p.Output,
	}

	result, err := s.runner.Run(ctx, record, p.CudaDevice)
	if err != nil {
		return nil, err
	}

	stats := &jobs.OutputStats{PDBFiles: []string{}, OtherFiles: []string{}}
	if result.Success {
		stats = jobs.CollectOutputStats(p.Output)
		s.logger.Info().Int("total_designs", stats.TotalDesigns).Str("output_dir", p.Output).Msg("Design completed")
	} else {
		s.logger.Error().Int("return_code", result.ReturnCode).Str("output_dir", p.Output).Msg("Design failed")
	}

	status := "success"
	if !result.Success {
		status = "error"
	}
	return map[string]any{
		"status":      status,
		"config":      p.Config,
		"output_dir":  p.Output,
		"protocol":    p.Protocol,
		"num_designs": p.NumDesigns,
		"budget":      p.Budget,
		"cuda_device": p.CudaDevice,
		"statistics": map[string]any{
			"total_designs": stats.TotalDesigns,
			"pdb_files":     stats.PDBFiles,
		},
		"return_code":    result.ReturnCode,
		"stdout_preview": jobs.TailString(result.Stdout, 3000),
		"stderr_preview": jobs.TailString(result.Stderr, 2000),
	}, nil
}

// CheckStatus inspects an output directory without touching queue state
func (s *Service) CheckStatus(outputDir string) (map[string]any, error) {
	s.logger.Info().Str("output_dir", outputDir).Msg("Check status requested")

	result, err := s.inspector.Inspect(outputDir)
	if err != nil {
		return nil, err
	}

	var logFile any
	if result.LogFile != "" {
		logFile = result.LogFile
	}
	response := map[string]any{
		"status":     "success",
		"job_status": result.JobStatus,
		"output_dir": outputDir,
		"statistics": map[string]any{
			"total_designs": result.Statistics.TotalDesigns,
			"pdb_files":     result.Statistics.PDBFiles,
			"other_files":   result.Statistics.OtherFiles,
		},
		"job_info": result.JobInfo,
		"log_file": logFile,
	}
	if result.Summary != nil {
		response["summary"] = result.Summary
	}
	return response, nil
}

// JobStatus reports one job's lifecycle state and queue position
func (s *Service) JobStatus(jobID string) (map[string]any, error) {
	result, err := s.queue.JobStatus(jobID)
	if err != nil {
		return nil, err
	}

	record := result.Record
	response := map[string]any{
		"status":         "success",
		"job_id":         record.JobID,
		"job_status":     string(record.Status),
		"queue_position": result.Position,
		"output_dir":     record.OutputDir,
		"gpu_id":         record.DeviceID,
		"submitted_at":   record.SubmittedAt,
		"started_at":     record.StartedAt,
		"completed_at":   record.CompletedAt,
		"error":          record.Error,
	}
	return response, nil
}

// QueueStatus reports the overall queue view
func (s *Service) QueueStatus() (map[string]any, error) {
	status := s.queue.QueueStatus()

	runningJobs := make([]map[string]any, 0, len(status.RunningJobs))
	for _, j := range status.RunningJobs {
		runningJobs = append(runningJobs, map[string]any{
			"job_id":     j.JobID,
			"gpu_id":     j.DeviceID,
			"started_at": j.StartedAt,
		})
	}
	queuedJobs := make([]map[string]any, 0, len(status.QueuedJobs))
	for _, j := range status.QueuedJobs {
		queuedJobs = append(queuedJobs, map[string]any{
			"job_id":       j.JobID,
			"position":     j.Position,
			"submitted_at": j.SubmittedAt,
		})
	}

	return map[string]any{
		"status":             "success",
		"queue_length":       status.QueueLength,
		"running_count":      status.RunningCount,
		"max_workers":        status.MaxWorkers,
		"running_jobs":       runningJobs,
		"queued_jobs":        queuedJobs,
		"available_devices":  status.AvailableDevices,
		"total_devices":      status.TotalDevices,
		"device_assignments": status.DeviceAssignments,
	}, nil
}

// Cancel cancels a queued or running job. Terminal and unknown jobs come
// back as error objects with an "error" field, matching the wire contract.
func (s *Service) Cancel(jobID string) map[string]any {
	message, err := s.queue.Cancel(jobID)
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "success", "message": message}
}

// ConfigureQueue reconfigures worker count and/or device pool. The new
// worker count is clamped to the device pool size.
func (s *Service) ConfigureQueue(maxWorkers *int, deviceIDs string) (map[string]any, error) {
	if maxWorkers != nil && *maxWorkers <= 0 {
		return nil, fmt.Errorf("max_workers must be a positive integer, got %d", *maxWorkers)
	}

	var devices []string
	if deviceIDs != "" {
		devices = common.SplitDeviceList(deviceIDs)
		if len(devices) == 0 {
			return nil, fmt.Errorf("device_ids must be a comma-separated list of device indices, got %q", deviceIDs)
		}
	}

	newMax, newDevices := s.queue.Reconfigure(maxWorkers, devices)
	return map[string]any{
		"status":      "success",
		"max_workers": newMax,
		"device_ids":  newDevices,
		"message":     "Queue reconfigured successfully",
	}, nil
}

// ResourceStatus verifies that devices are freed when the queue is idle
func (s *Service) ResourceStatus() (map[string]any, error) {
	status := s.queue.ResourceStatus()

	message := fmt.Sprintf("Active: %d running, %d queued, %d devices in use",
		status.RunningJobs, status.QueuedJobs, len(status.DevicesInUse))
	if status.IsIdle && status.AllDevicesFree {
		message = "All resources free. Devices available for other programs."
	}

	return map[string]any{
		"status":           "success",
		"is_idle":          status.IsIdle,
		"all_devices_free": status.AllDevicesFree,
		"resource_usage": map[string]any{
			"jobs_in_memory":    status.JobsInMemory,
			"queued_jobs":       status.QueuedJobs,
			"running_jobs":      status.RunningJobs,
			"devices_in_use":    status.DevicesInUse,
			"devices_available": status.DevicesAvailable,
			"total_devices":     status.TotalDevices,
		},
		"message": message,
	}, nil
}
