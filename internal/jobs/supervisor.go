package jobs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/boltzgen-mcp/internal/models"
)

// LogFileName is the captured stdout+stderr stream in the job's output
// directory. Its content is parsed only by the advisory inspector.
const LogFileName = "boltzgen_run.log"

// Supervisor launches external design processes for queued jobs. It is
// stateless per call; process handles live in the queue's running map.
type Supervisor struct {
	scriptsDir string
	logger     arbor.ILogger
}

// NewSupervisor creates a supervisor. scriptsDir becomes the working
// directory of every child process.
func NewSupervisor(scriptsDir string, logger arbor.ILogger) *Supervisor {
	return &Supervisor{scriptsDir: scriptsDir, logger: logger}
}

// BuildArgv constructs the child argv from a record: the script path, then
// for each argument in insertion order "--name value", with boolean true
// emitting the bare flag and boolean false or nil omitted entirely.
func BuildArgv(record *models.Record) []string {
	argv := []string{record.ScriptPath}
	if record.Args == nil {
		return argv
	}
	for pair := record.Args.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		if b, ok := pair.Value.(bool); ok {
			if b {
				argv = append(argv, "--"+pair.Key)
			}
			continue
		}
		argv = append(argv, "--"+pair.Key, formatArgValue(pair.Value))
	}
	return argv
}

// formatArgValue renders an argument value the way the CLI expects.
// JSON decoding produces float64 for all numbers, so integral floats are
// printed without a fractional part.
func formatArgValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// BuildEnv returns the inherited environment with the job overrides
// applied: the assigned device, unbuffered output, and a writable Triton
// JIT cache directory when the parent has none configured.
func BuildEnv(deviceID string) []string {
	env := overrideEnv(os.Environ(), "CUDA_VISIBLE_DEVICES", deviceID)
	env = overrideEnv(env, "PYTHONUNBUFFERED", "1")
	if os.Getenv("TRITON_HOME") == "" {
		env = overrideEnv(env, "TRITON_HOME", "/tmp")
	}
	return env
}

func overrideEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Start launches the record's script with the assigned device pinned.
// Stdout and stderr are merged into <output_dir>/boltzgen_run.log and the
// child is detached into a new session so termination signals never race
// the supervisor process.
func (s *Supervisor) Start(record *models.Record, deviceID string) (*Process, error) {
	if err := os.MkdirAll(record.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	logPath := filepath.Join(record.OutputDir, LogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	argv := BuildArgv(record)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.scriptsDir
	cmd.Env = BuildEnv(deviceID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	s.logger.Info().Str("job_id", record.JobID).Str("device_id", deviceID).Msg("Starting job")
	s.logger.Debug().Str("command", strings.Join(argv, " ")).Msg("Child command")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return newProcess(cmd), nil
}

// Process wraps a launched child, exposing only Poll and Terminate.
// A background goroutine reaps the child the moment it exits; Poll never
// blocks.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			p.exitCode = -1
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

// PID returns the OS process id
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Poll reports whether the process has exited and, if so, its exit code
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Terminate sends a polite termination signal. Already-exited processes
// are not an error.
func (p *Process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("failed to signal process %d: %w", p.PID(), err)
	}
	return nil
}
