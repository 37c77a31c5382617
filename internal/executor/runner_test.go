// SPDX-License-Identifier: Apache-2.0

package executor_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConn() models.ServerConnection {
	return models.ServerConnection{
		ServerID: "localhost",
		Type:     models.ConnectionTypeLocal,
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("local runner requires a POSIX shell")
	}
}

func TestLocalRunnerCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	runner := executor.NewLocalRunner()

	out, err := runner.Run(context.Background(), localConn(), "echo hello; echo oops 1>&2")
	require.NoError(t, err)

	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
}

func TestLocalRunnerNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	runner := executor.NewLocalRunner()

	out, err := runner.Run(context.Background(), localConn(), "exit 3")
	require.NoError(t, err, "a non-zero exit is a completed run, not a runner error")
	assert.Equal(t, 3, out.ExitCode)
}

func TestLocalRunnerDeadlineKillsProcess(t *testing.T) {
	skipOnWindows(t)
	runner := executor.NewLocalRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := runner.Run(ctx, localConn(), "echo started; sleep 30")

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline error, got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second, "runner must not wait out the sleep")
	require.NotNil(t, out)
	assert.Equal(t, "started\n", out.Stdout, "partial output should be captured")
}

func TestLocalRunnerDeadlineWithLingeringWriter(t *testing.T) {
	skipOnWindows(t)
	runner := executor.NewLocalRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// The background loop keeps the output pipe busy past the deadline kill,
	// so Run returns while writes may still be in flight. Reading the partial
	// output here must be safe under the race detector.
	start := time.Now()
	out, err := runner.Run(ctx, localConn(),
		"echo held; while true; do echo tick; sleep 0.05; done & sleep 30")

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline error, got %v", err)
	assert.Less(t, time.Since(start), 15*time.Second)
	require.NotNil(t, out)
	assert.Contains(t, out.Stdout, "held\n")
}
