// SPDX-License-Identifier: Apache-2.0

package executor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/executor"
	"github.com/fleetmend/fleetmend/internal/registry"
	"github.com/fleetmend/fleetmend/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records dispatched commands and returns a scripted outcome
type fakeRunner struct {
	mu       sync.Mutex
	commands []string

	output   executor.RunOutput
	err      error
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, conn models.ServerConnection, command string) (*executor.RunOutput, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if current <= seen || f.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}

	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			out := f.output
			return &out, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	if f.err != nil {
		return nil, f.err
	}
	out := f.output
	return &out, nil
}

func (f *fakeRunner) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.commands...)
}

func newTestExecutor(t *testing.T, runner executor.Runner, opts executor.Options) (*executor.Executor, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(models.ServerConnection{
		ServerID: "web-01",
		Type:     models.ConnectionTypeLocal,
	}))

	checker, err := safety.NewChecker(nil)
	require.NoError(t, err)

	exec := executor.New(reg, checker, opts, nil)
	if runner != nil {
		exec.WithRunner(models.ConnectionTypeLocal, runner)
	}
	return exec, reg
}

func TestExecuteSuccess(t *testing.T) {
	runner := &fakeRunner{output: executor.RunOutput{Stdout: "nginx restarted\n"}}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:           "req-1",
		ServerID:     "web-01",
		ActionType:   "restart_service",
		Command:      "systemctl restart ${service}",
		Parameters:   map[string]interface{}{"service": "nginx"},
		SafetyChecks: []string{"non_empty_command"},
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "nginx restarted\n", result.Output)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"systemctl restart nginx"}, runner.dispatched())
}

func TestExecuteRequestValidation(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	tests := []struct {
		name string
		req  executor.Request
	}{
		{
			name: "missing id",
			req:  executor.Request{ServerID: "web-01", Command: "uptime"},
		},
		{
			name: "missing server id",
			req:  executor.Request{ID: "req-1", Command: "uptime"},
		},
		{
			name: "missing command",
			req:  executor.Request{ID: "req-1", ServerID: "web-01"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), tt.req)
			assert.Nil(t, result)
			assert.True(t, errs.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	assert.Empty(t, runner.dispatched(), "invalid requests must never dispatch")
}

func TestExecuteUnknownConnection(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:       "req-1",
		ServerID: "unregistered",
		Command:  "uptime",
	})

	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errs.ErrConnectionNotFound))
	assert.Empty(t, runner.dispatched())
}

func TestExecuteMissingParameter(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:       "req-1",
		ServerID: "web-01",
		Command:  "systemctl restart ${missing}",
	})

	var pm *errs.ParameterMissingError
	require.True(t, errors.As(err, &pm))
	assert.Equal(t, "missing", pm.Name)

	// The command never ran: result carries no stdout and no exit code
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.Output)
	assert.Zero(t, result.ExitCode)
	assert.Empty(t, runner.dispatched())
}

func TestExecuteFailedSafetyCheck(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:           "req-1",
		ServerID:     "web-01",
		Command:      "rm -rf /",
		SafetyChecks: []string{"no_recursive_root_delete"},
	})

	var sc *errs.SafetyCheckError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, "no_recursive_root_delete", sc.Check)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.Output)
	assert.Zero(t, result.ExitCode)
	assert.Empty(t, runner.dispatched(), "failing safety check must have zero side effects")
}

func TestExecuteUnknownSafetyCheckFailsClosed(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	_, err := exec.Execute(context.Background(), executor.Request{
		ID:           "req-1",
		ServerID:     "web-01",
		Command:      "uptime",
		SafetyChecks: []string{"not_a_real_check"},
	})

	var sc *errs.SafetyCheckError
	require.True(t, errors.As(err, &sc))
	assert.Empty(t, runner.dispatched())
}

func TestExecuteActionTypeSchema(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{
		ActionTypes: map[string]config.ActionTypeDef{
			"restart_service": {
				Schema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"service"},
					"properties": map[string]interface{}{
						"service": map[string]interface{}{"type": "string"},
						"mode":    map[string]interface{}{"type": "string"},
					},
				},
				Defaults: map[string]interface{}{"mode": "graceful"},
			},
		},
	})

	// Schema violation surfaces as a validation error with no dispatch
	result, err := exec.Execute(context.Background(), executor.Request{
		ID:         "req-1",
		ServerID:   "web-01",
		ActionType: "restart_service",
		Command:    "systemctl restart ${service}",
	})
	assert.Nil(t, result)
	assert.True(t, errs.IsValidation(err), "expected validation error, got %v", err)
	assert.Empty(t, runner.dispatched())

	// Defaults are merged before rendering
	_, err = exec.Execute(context.Background(), executor.Request{
		ID:         "req-2",
		ServerID:   "web-01",
		ActionType: "restart_service",
		Command:    "restart-helper ${service} ${mode}",
		Parameters: map[string]interface{}{"service": "nginx"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"restart-helper nginx graceful"}, runner.dispatched())
}

func TestExecuteElevationPrefix(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{ElevationPrefix: "sudo -n"})

	_, err := exec.Execute(context.Background(), executor.Request{
		ID:                "req-1",
		ServerID:          "web-01",
		Command:           "systemctl restart nginx",
		RequiresElevation: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"sudo -n systemctl restart nginx"}, runner.dispatched())
}

func TestExecuteNonZeroExit(t *testing.T) {
	runner := &fakeRunner{output: executor.RunOutput{Stderr: "unit not found\n", ExitCode: 5}}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:       "req-1",
		ServerID: "web-01",
		Command:  "systemctl restart ghost",
	})

	var nz *errs.NonZeroExitError
	require.True(t, errors.As(err, &nz))
	assert.Equal(t, 5, nz.ExitCode)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, 5, result.ExitCode)
	assert.Equal(t, "unit not found\n", result.ErrorOutput)
}

func TestExecuteTransportError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("connection reset")}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.Execute(context.Background(), executor.Request{
		ID:       "req-1",
		ServerID: "web-01",
		Command:  "uptime",
	})

	var te *errs.TransportError
	require.True(t, errors.As(err, &te))
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{
		delay:  5 * time.Second,
		output: executor.RunOutput{Stdout: "partial"},
	}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	start := time.Now()
	result, err := exec.Execute(context.Background(), executor.Request{
		ID:               "req-1",
		ServerID:         "web-01",
		Command:          "sleep 600",
		MaxExecutionTime: 1,
	})

	assert.True(t, errors.Is(err, errs.ErrExecutionTimeout), "expected timeout, got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second, "must not hang past the deadline")

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "partial", result.Output, "partial output may be included")
}

func TestExecuteAtMostOncePerRequestID(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	req := executor.Request{ID: "req-1", ServerID: "web-01", Command: "uptime"}

	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), req)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errs.ErrConcurrencyConflict))
	assert.Len(t, runner.dispatched(), 1, "duplicate request id must not dispatch again")
}

func TestExecuteSerializesPerServer(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = exec.Execute(context.Background(), executor.Request{
				ID:       "req-" + string(rune('a'+n)),
				ServerID: "web-01",
				Command:  "uptime",
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, runner.dispatched(), 4)
	assert.Equal(t, int32(1), runner.maxSeen.Load(), "commands for one server must not overlap")
}

func TestTestConnection(t *testing.T) {
	runner := &fakeRunner{output: executor.RunOutput{Stdout: "fleetmend connection test\n"}}
	exec, _ := newTestExecutor(t, runner, executor.Options{})

	result, err := exec.TestConnection(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Each diagnostic uses a fresh request id, so repeating works
	result, err = exec.TestConnection(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, result.Success)
}
