package jobs

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// Run statuses derived from an output directory alone. These are a
// best-effort guess for callers that hold only the output path; the
// authoritative lifecycle lives in the job record.
const (
	RunStatusNotStarted         = "not_started"
	RunStatusRunning            = "running"
	RunStatusPossiblyRunning    = "possibly_running"
	RunStatusStalledOrCompleted = "stalled_or_completed"
	RunStatusCompleted          = "completed"
	RunStatusFailed             = "failed"
	RunStatusUnknown            = "unknown"
)

var completionMarkers = []string{
	"boltzgen completed successfully",
	"design completed",
	"all designs completed",
	"finished",
}

var errorMarkers = []string{
	"error:",
	"exception:",
	"traceback",
	"failed:",
	"fatal",
}

// OutputStats counts the artefacts in an output directory
type OutputStats struct {
	TotalDesigns int      `json:"total_designs"`
	PDBFiles     []string `json:"pdb_files"`
	OtherFiles   []string `json:"other_files"`
}

// InspectResult is the advisory view of one output directory
type InspectResult struct {
	JobStatus  string
	Statistics *OutputStats
	JobInfo    map[string]any // job_info.json if present
	LogFile    string         // empty when the log does not exist
	Summary    map[string]any // present only for completed/failed
}

// Inspector derives a run status from an output directory: log markers
// first, then log-file staleness. Read-only; it never touches queue state.
type Inspector struct {
	logger arbor.ILogger
}

func NewInspector(logger arbor.ILogger) *Inspector {
	return &Inspector{logger: logger}
}

// Inspect examines outputDir and reports status, artefact statistics, and a
// summary when the run looks finished.
func (i *Inspector) Inspect(outputDir string) (*InspectResult, error) {
	absDir, err := filepath.Abs(outputDir)
	if err == nil {
		outputDir = absDir
	}
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("Output directory not found: %s", outputDir)
	}

	result := &InspectResult{JobStatus: RunStatusUnknown}

	if data, err := os.ReadFile(filepath.Join(outputDir, "job_info.json")); err == nil {
		var jobInfo map[string]any
		if err := json.Unmarshal(data, &jobInfo); err == nil {
			result.JobInfo = jobInfo
		}
	}

	logPath := filepath.Join(outputDir, LogFileName)
	var logTail []string
	var errorMessages []string

	logStat, statErr := os.Stat(logPath)
	if statErr != nil {
		result.JobStatus = RunStatusNotStarted
	} else {
		result.LogFile = logPath
		data, err := os.ReadFile(logPath)
		if err != nil {
			i.logger.Warn().Err(err).Str("log_file", logPath).Msg("Could not read run log")
			result.JobStatus = RunStatusUnknown
		} else {
			lines := strings.Split(string(data), "\n")
			logTail = tailNonEmpty(lines, 50)
			errorMessages = extractErrors(lines)

			content := strings.ToLower(string(data))
			hasCompletion := containsAny(content, completionMarkers)
			hasError := containsAny(content, errorMarkers)

			switch {
			case hasError:
				result.JobStatus = RunStatusFailed
			case hasCompletion:
				result.JobStatus = RunStatusCompleted
			default:
				sinceUpdate := time.Since(logStat.ModTime())
				switch {
				case sinceUpdate < 5*time.Minute:
					result.JobStatus = RunStatusRunning
				case sinceUpdate < time.Hour:
					result.JobStatus = RunStatusPossiblyRunning
				default:
					result.JobStatus = RunStatusStalledOrCompleted
				}
			}
		}
	}

	result.Statistics = CollectOutputStats(outputDir)

	if result.JobStatus == RunStatusCompleted || result.JobStatus == RunStatusFailed {
		result.Summary = buildSummary(result.JobStatus, result.Statistics, result.JobInfo, logTail, errorMessages)
	}

	return result, nil
}

// CollectOutputStats counts design artefacts (*.pdb and *.cif anywhere under
// outputDir) plus ancillary *.json/*.csv/*.txt at the top level.
func CollectOutputStats(outputDir string) *OutputStats {
	stats := &OutputStats{
		PDBFiles:   []string{},
		OtherFiles: []string{},
	}

	filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdb", ".cif":
			stats.TotalDesigns++
			if len(stats.PDBFiles) < 20 {
				if rel, err := filepath.Rel(outputDir, path); err == nil {
					stats.PDBFiles = append(stats.PDBFiles, rel)
				}
			}
		}
		return nil
	})

	for _, pattern := range []string{"*.json", "*.csv", "*.txt"} {
		matches, _ := filepath.Glob(filepath.Join(outputDir, pattern))
		for _, m := range matches {
			stats.OtherFiles = append(stats.OtherFiles, filepath.Base(m))
		}
	}
	return stats
}

// tailNonEmpty returns up to n trailing non-empty trimmed lines
func tailNonEmpty(lines []string, n int) []string {
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	var tail []string
	for _, line := range lines[start:] {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			tail = append(tail, trimmed)
		}
	}
	return tail
}

// extractErrors scans the last 100 lines for error-shaped messages
func extractErrors(lines []string) []string {
	start := len(lines) - 100
	if start < 0 {
		start = 0
	}
	var messages []string
	for _, line := range lines[start:] {
		lower := strings.ToLower(line)
		for _, marker := range []string{"error:", "exception:", "failed:", "fatal:"} {
			if strings.Contains(lower, marker) {
				messages = append(messages, strings.TrimSpace(line))
				break
			}
		}
	}
	return messages
}

func containsAny(content string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func buildSummary(jobStatus string, stats *OutputStats, jobInfo map[string]any, logTail, errorMessages []string) map[string]any {
	completionStatus := "Success"
	if jobStatus == RunStatusFailed {
		completionStatus = "Failed"
	}
	summary := map[string]any{
		"job_status":        jobStatus,
		"completion_status": completionStatus,
	}

	if jobInfo != nil {
		summary["job_config"] = map[string]any{
			"config":       jobInfo["config"],
			"protocol":     jobInfo["protocol"],
			"num_designs":  jobInfo["num_designs"],
			"budget":       jobInfo["budget"],
			"cuda_device":  jobInfo["cuda_device"],
			"submitted_at": jobInfo["submitted_at"],
		}
	}

	summary["results"] = map[string]any{
		"total_designs": stats.TotalDesigns,
		"pdb_files":     stats.PDBFiles,
	}

	switch jobStatus {
	case RunStatusCompleted:
		if stats.TotalDesigns > 0 {
			summary["message"] = fmt.Sprintf("BoltzGen completed successfully with %d design(s) generated.", stats.TotalDesigns)
		} else {
			summary["message"] = "BoltzGen completed but no designs were generated."
		}
	case RunStatusFailed:
		summary["message"] = "BoltzGen job failed. Check error messages and log file for details."
		if len(errorMessages) > 0 {
			if len(errorMessages) > 10 {
				errorMessages = errorMessages[len(errorMessages)-10:]
			}
			summary["recent_errors"] = errorMessages
		}
	}

	if len(logTail) > 0 {
		if len(logTail) > 20 {
			logTail = logTail[len(logTail)-20:]
		}
		summary["log_tail"] = logTail
	}
	return summary
}
