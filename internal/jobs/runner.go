package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
)

// InterruptExitCode mirrors the conventional shell code for SIGINT
const InterruptExitCode = 130

// RunResult is the outcome of a synchronous run
type RunResult struct {
	Success    bool
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Runner executes a design command in the calling context, bypassing the
// queue entirely. Callers pick their own device; concurrent runs are
// permitted and the runner makes no attempt to serialize them.
type Runner struct {
	scriptsDir string
	logger     arbor.ILogger
}

func NewRunner(scriptsDir string, logger arbor.ILogger) *Runner {
	return &Runner{scriptsDir: scriptsDir, logger: logger}
}

// Run launches the record's command, streams both output channels
// line-by-line to the logger while capturing them, and waits for exit.
// One reader routine per stream keeps line boundaries intact. Cancelling
// the context terminates the child and reports the interrupt exit code.
func (r *Runner) Run(ctx context.Context, record *models.Record, cudaDevice string) (*RunResult, error) {
	argv := BuildArgv(record)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.scriptsDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if cudaDevice != "" {
		cmd.Env = BuildEnv(cudaDevice)
		r.logger.Info().Str("cuda_device", cudaDevice).Msg("Running BoltzGen on GPU")
	} else {
		env := overrideEnv(os.Environ(), "PYTHONUNBUFFERED", "1")
		if os.Getenv("TRITON_HOME") == "" {
			env = overrideEnv(env, "TRITON_HOME", "/tmp")
		}
		cmd.Env = env
		r.logger.Info().Msg("Running BoltzGen (GPU auto-select)")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	r.logger.Debug().Str("command", strings.Join(argv, " ")).Msg("Running command")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	var stdoutLines, stderrLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdoutLines = append(stdoutLines, line)
			r.logger.Info().Msgf("[BoltzGen stdout] %s", line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrLines = append(stderrLines, line)
			r.logger.Info().Msgf("[BoltzGen stderr] %s", line)
		}
	}()

	var interrupted atomic.Bool
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			cmd.Process.Signal(syscall.SIGTERM)
		case <-waitDone:
		}
	}()

	wg.Wait()
	err = cmd.Wait()
	close(waitDone)

	returnCode := 0
	if cmd.ProcessState != nil {
		returnCode = cmd.ProcessState.ExitCode()
	} else if err != nil {
		returnCode = -1
	}
	if interrupted.Load() {
		returnCode = InterruptExitCode
	}

	r.logger.Debug().Int("return_code", returnCode).Msg("Command completed")

	return &RunResult{
		Success:    returnCode == 0,
		ReturnCode: returnCode,
		Stdout:     strings.Join(stdoutLines, "\n"),
		Stderr:     strings.Join(stderrLines, "\n"),
	}, nil
}

// TailString truncates s to its trailing max characters
func TailString(s string, max int) string {
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
