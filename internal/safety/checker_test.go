// SPDX-License-Identifier: Apache-2.0

package safety_test

import (
	"errors"
	"testing"

	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
	"github.com/fleetmend/fleetmend/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChecker(t *testing.T, extra ...config.SafetyCheckDef) *safety.Checker {
	t.Helper()
	checker, err := safety.NewChecker(extra)
	require.NoError(t, err, "Error creating safety checker")
	return checker
}

func inputFor(command string) safety.Input {
	return safety.Input{
		Command:    command,
		ActionType: "restart_service",
		Params:     map[string]interface{}{"service": "nginx"},
		Connection: models.ServerConnection{
			ServerID: "web-01",
			Type:     models.ConnectionTypeLocal,
		},
	}
}

func TestBuiltinChecks(t *testing.T) {
	checker := newChecker(t)

	tests := []struct {
		name      string
		checks    []string
		command   string
		failCheck string
	}{
		{
			name:    "benign command passes all builtins",
			checks:  []string{"non_empty_command", "no_recursive_root_delete", "no_fork_bomb", "target_registered"},
			command: "systemctl restart nginx",
		},
		{
			name:      "empty command fails",
			checks:    []string{"non_empty_command"},
			command:   "",
			failCheck: "non_empty_command",
		},
		{
			name:      "recursive root delete fails",
			checks:    []string{"no_recursive_root_delete"},
			command:   "rm -rf /",
			failCheck: "no_recursive_root_delete",
		},
		{
			name:      "chained root delete fails",
			checks:    []string{"no_recursive_root_delete"},
			command:   "true; rm -rf /*",
			failCheck: "no_recursive_root_delete",
		},
		{
			name:    "scoped recursive delete passes",
			checks:  []string{"no_recursive_root_delete"},
			command: "rm -rf /var/tmp/fleetmend-stage",
		},
		{
			name:      "fork bomb fails",
			checks:    []string{"no_fork_bomb"},
			command:   ":(){ :|:& };:",
			failCheck: "no_fork_bomb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Evaluate(tt.checks, inputFor(tt.command))

			if tt.failCheck == "" {
				assert.NoError(t, err)
				return
			}

			var sc *errs.SafetyCheckError
			require.True(t, errors.As(err, &sc), "expected SafetyCheckError, got %v", err)
			assert.Equal(t, tt.failCheck, sc.Check)
		})
	}
}

func TestUnknownCheckFailsClosed(t *testing.T) {
	checker := newChecker(t)

	err := checker.Evaluate([]string{"does_not_exist"}, inputFor("uptime"))

	var sc *errs.SafetyCheckError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, "does_not_exist", sc.Check)
	assert.Contains(t, sc.Reason, "unknown")
}

func TestConfigDefinedChecks(t *testing.T) {
	checker := newChecker(t,
		config.SafetyCheckDef{
			Name:       "no_reboot",
			Expression: `!command.contains("reboot")`,
		},
		config.SafetyCheckDef{
			Name:       "nginx_only",
			Expression: `params.service == "nginx"`,
		},
		config.SafetyCheckDef{
			Name:       "local_targets_only",
			Expression: `connection.type == "local"`,
		},
	)

	assert.NoError(t, checker.Evaluate([]string{"no_reboot", "nginx_only", "local_targets_only"}, inputFor("systemctl restart nginx")))

	err := checker.Evaluate([]string{"no_reboot"}, inputFor("reboot now"))
	var sc *errs.SafetyCheckError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, "no_reboot", sc.Check)
}

func TestNonBooleanExpressionFails(t *testing.T) {
	checker := newChecker(t, config.SafetyCheckDef{
		Name:       "not_a_predicate",
		Expression: `command`,
	})

	err := checker.Evaluate([]string{"not_a_predicate"}, inputFor("uptime"))

	var sc *errs.SafetyCheckError
	require.True(t, errors.As(err, &sc))
}

func TestBadExpressionFailsAtConstruction(t *testing.T) {
	_, err := safety.NewChecker([]config.SafetyCheckDef{
		{Name: "broken", Expression: `command =! "x"`},
	})
	assert.Error(t, err)
}

func TestKnown(t *testing.T) {
	checker := newChecker(t)

	assert.True(t, checker.Known("no_fork_bomb"))
	assert.False(t, checker.Known("made_up"))
}
