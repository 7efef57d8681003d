package gpu

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// DetectDevices enumerates NVIDIA devices via nvidia-smi. Falls back to a
// single device ["0"] when nvidia-smi is unavailable or returns nothing.
func DetectDevices(logger arbor.ILogger) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
	if err == nil {
		var ids []string
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				ids = append(ids, trimmed)
			}
		}
		if len(ids) > 0 {
			logger.Info().Strs("gpu_ids", ids).Msg("Auto-detected GPUs")
			return ids
		}
	}

	logger.Warn().Msg("Could not detect GPUs, defaulting to [\"0\"]")
	return []string{"0"}
}
