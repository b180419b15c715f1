package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available")
	}

	path := filepath.Join(t.TempDir(), "solver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunSuccess(t *testing.T) {
	script := setupTestScript(t, `echo "running"; echo "a 1 2" > parameter.output`)
	dir := t.TempDir()

	result, err := New(script, nil).Run(context.Background(), dir, 10*time.Second)
	require.NoError(t, err)

	assert.False(t, result.Degraded)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "running\n", result.Stdout)
	assert.Greater(t, result.Duration, time.Duration(0))

	// the solver runs inside the working directory
	assert.FileExists(t, filepath.Join(dir, "parameter.output"))
	assert.FileExists(t, filepath.Join(dir, StdoutFile))
	assert.FileExists(t, filepath.Join(dir, StderrFile))
}

func TestRunNonZeroExitIsDegraded(t *testing.T) {
	script := setupTestScript(t, `echo "partial" > parameter.output; echo "segfault" >&2; exit 3`)
	dir := t.TempDir()

	result, err := New(script, nil).Run(context.Background(), dir, 10*time.Second)
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "segfault\n", result.Stderr)
	assert.FileExists(t, filepath.Join(dir, "parameter.output"))
}

func TestRunTimeoutIsDegraded(t *testing.T) {
	script := setupTestScript(t, `echo "started"; exec sleep 30`)
	dir := t.TempDir()

	start := time.Now()
	result, err := New(script, nil).Run(context.Background(), dir, 300*time.Millisecond)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 20*time.Second)
	assert.True(t, result.TimedOut)
	assert.True(t, result.Degraded)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "started\n", result.Stdout)
}

func TestRunMissingExecutableIsDegraded(t *testing.T) {
	result, err := New(filepath.Join(t.TempDir(), "ferre.x"), nil).Run(context.Background(), t.TempDir(), time.Second)
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, -1, result.ExitCode)
	assert.NotEmpty(t, result.Error)
}

func TestRunUnusableDirectory(t *testing.T) {
	r := New("true", nil)

	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Second)
	assert.ErrorIs(t, err, ErrWorkingDirectory)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = r.Run(context.Background(), file, time.Second)
	assert.ErrorIs(t, err, ErrWorkingDirectory)
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		name    string
		rows    int
		threads int
		per     time.Duration
		floor   time.Duration
		want    time.Duration
	}{
		{"floor for small bundles", 3, 1, 0, 0, 1800 * time.Second},
		{"scales with rows", 100, 4, 0, 0, 7500 * time.Second},
		{"zero threads treated as one", 10, 0, 0, 0, 3000 * time.Second},
		{"custom values", 10, 2, time.Second, time.Second, 5 * time.Second},
		{"custom floor wins", 10, 2, time.Second, time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timeout(tt.rows, tt.threads, tt.per, tt.floor))
		})
	}
}

func TestWorkingDirectory(t *testing.T) {
	parent := t.TempDir()

	dir, err := WorkingDirectory(parent, "ab12cd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(parent, "bundles", "ab", "ab12cd"), dir)
	assert.DirExists(t, dir)

	_, err = WorkingDirectory(parent, "ab12cd")
	assert.ErrorIs(t, err, ErrWorkingDirectory)

	_, err = WorkingDirectory(parent, "a")
	assert.ErrorIs(t, err, ErrWorkingDirectory)
}
