// Package runner executes the solver binary inside a bundle's working directory with a
// computed timeout. Crashes, non-zero exits and timeouts are reported as degraded results
// rather than errors because the solver often leaves usable partial output behind.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

var ErrWorkingDirectory = errors.New("unusable working directory")

const (
	StdoutFile = "stdout"
	StderrFile = "stderr"

	DefaultTimeoutPerSpectrum = 300 * time.Second
	DefaultTimeoutFloor       = 1800 * time.Second
)

type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Degraded bool          `json:"degraded"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs the solver in dir. Only an unusable dir is returned as an error.
type Executor interface {
	Run(ctx context.Context, dir string, timeout time.Duration) (*Result, error)
}

type Runner struct {
	executable string
	args       []string
	waitDelay  time.Duration
	logger     *zap.Logger
}

func New(executable string, logger *zap.Logger, args ...string) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		executable: executable,
		args:       args,
		waitDelay:  10 * time.Second,
		logger:     logger,
	}
}

func (r *Runner) Run(ctx context.Context, dir string, timeout time.Duration) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkingDirectory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrWorkingDirectory, dir)
	}

	stdoutPath := filepath.Join(dir, StdoutFile)
	stderrPath := filepath.Join(dir, StderrFile)
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkingDirectory, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkingDirectory, err)
	}
	defer stderr.Close()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.executable, r.args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay

	logger := r.logger.With(zap.String("dir", dir), zap.Duration("timeout", timeout))
	logger.Info("starting solver", zap.String("executable", r.executable))

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{Duration: time.Since(start)}

	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.Degraded = true
		result.ExitCode = -1
		result.Error = fmt.Sprintf("solver timed out after %s", timeout)
		logger.Warn("solver timed out, recovering partial output")
	default:
		result.Degraded = true
		result.Error = runErr.Error()
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		logger.Warn("solver did not exit cleanly, recovering partial output",
			zap.Int("exit_code", result.ExitCode), zap.Error(runErr))
	}

	if data, err := os.ReadFile(stdoutPath); err == nil {
		result.Stdout = string(data)
	}
	if data, err := os.ReadFile(stderrPath); err == nil {
		result.Stderr = string(data)
	}

	logger.Info("solver finished",
		zap.Duration("duration", result.Duration),
		zap.Bool("degraded", result.Degraded))
	return result, nil
}

// Timeout allows perSpectrum for every row shared across threads, but never less than floor.
// Zero durations select the defaults.
func Timeout(rows, threads int, perSpectrum, floor time.Duration) time.Duration {
	if perSpectrum <= 0 {
		perSpectrum = DefaultTimeoutPerSpectrum
	}
	if floor <= 0 {
		floor = DefaultTimeoutFloor
	}
	if threads < 1 {
		threads = 1
	}
	return max(time.Duration(int64(perSpectrum)*int64(rows)/int64(threads)), floor)
}

// WorkingDirectory creates <parent>/bundles/<id[:2]>/<id>. The leaf must not already exist, so
// two bundles can never share a directory.
func WorkingDirectory(parent, bundleID string) (string, error) {
	if len(bundleID) < 2 {
		return "", fmt.Errorf("%w: bundle id %q is too short", ErrWorkingDirectory, bundleID)
	}
	shard := filepath.Join(parent, "bundles", bundleID[:2])
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkingDirectory, err)
	}
	dir := filepath.Join(shard, bundleID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkingDirectory, err)
	}
	return dir, nil
}
