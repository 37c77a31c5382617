// SPDX-License-Identifier: Apache-2.0

// Package safety evaluates named precondition predicates before a command is
// dispatched. Each check is a CEL expression over the rendered command, the
// request parameters, and the resolved connection. A failing or unknown
// check aborts execution with zero side effects.
package safety

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/models"
)

// Definition is a named safety check predicate.
type Definition struct {
	Name        string
	Description string
	Expression  string
}

// BuiltinDefinitions returns the safety checks available without any
// configuration.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Name:        "non_empty_command",
			Description: "rendered command must not be blank",
			Expression:  `command.size() > 0 && !command.matches('^\\s+$')`,
		},
		{
			Name:        "no_recursive_root_delete",
			Description: "blocks recursive deletion of the filesystem root",
			Expression:  `!command.matches('(^|[;&|]\\s*)rm\\s+-[a-zA-Z]*[rf][a-zA-Z]*[rf][a-zA-Z]*\\s+/(\\s|$|[;&|*])')`,
		},
		{
			Name:        "no_fork_bomb",
			Description: "blocks the classic shell fork bomb",
			Expression:  `!command.contains(':(){ :|:& };:')`,
		},
		{
			Name:        "target_registered",
			Description: "command must resolve to a registered connection",
			Expression:  `connection.serverId != ''`,
		},
	}
}

// Input is the evaluation context passed to every check.
type Input struct {
	Command    string
	ActionType string
	Params     map[string]interface{}
	Connection models.ServerConnection
}

// Checker owns a CEL environment and the compiled set of named checks.
type Checker struct {
	env      *cel.Env
	defs     map[string]Definition
	programs map[string]cel.Program
}

// NewChecker creates a checker with the builtin checks plus any
// operator-defined ones. Definitions with the same name override builtins.
// Expressions are compiled eagerly so a bad definition fails at startup, not
// at dispatch time.
func NewChecker(extra []config.SafetyCheckDef) (*Checker, error) {
	env, err := cel.NewEnv(
		cel.Variable("command", cel.StringType),
		cel.Variable("actionType", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("connection", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}

	checker := &Checker{
		env:      env,
		defs:     make(map[string]Definition),
		programs: make(map[string]cel.Program),
	}

	for _, def := range BuiltinDefinitions() {
		if err := checker.compile(def); err != nil {
			return nil, err
		}
	}
	for _, def := range extra {
		if err := checker.compile(Definition{
			Name:        def.Name,
			Description: def.Description,
			Expression:  def.Expression,
		}); err != nil {
			return nil, err
		}
	}

	return checker, nil
}

// compile parses, type-checks, and compiles a definition's expression
func (c *Checker) compile(def Definition) error {
	ast, issues := c.env.Parse(def.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("error parsing safety check %q: %w", def.Name, issues.Err())
	}

	checked, issues := c.env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("error type-checking safety check %q: %w", def.Name, issues.Err())
	}

	program, err := c.env.Program(checked)
	if err != nil {
		return fmt.Errorf("error compiling safety check %q: %w", def.Name, err)
	}

	c.defs[def.Name] = def
	c.programs[def.Name] = program
	return nil
}

// Known reports whether a check with the given name exists
func (c *Checker) Known(name string) bool {
	_, found := c.programs[name]
	return found
}

// Evaluate runs the named checks in order against input. The first check
// that fails, errors, or is unknown aborts evaluation: unknown checks fail
// closed rather than silently passing.
func (c *Checker) Evaluate(names []string, input Input) error {
	if len(names) == 0 {
		return nil
	}

	params := input.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	vars := map[string]interface{}{
		"command":    input.Command,
		"actionType": input.ActionType,
		"params":     params,
		"connection": map[string]interface{}{
			"serverId": input.Connection.ServerID,
			"type":     string(input.Connection.Type),
			"host":     input.Connection.Config.Host,
		},
	}

	for _, name := range names {
		program, found := c.programs[name]
		if !found {
			return &errs.SafetyCheckError{Check: name, Reason: "unknown safety check"}
		}

		result, _, err := program.Eval(vars)
		if err != nil {
			return &errs.SafetyCheckError{Check: name, Reason: fmt.Sprintf("evaluation error: %v", err)}
		}

		if result.Type() != types.BoolType {
			return &errs.SafetyCheckError{Check: name, Reason: "expression did not evaluate to a boolean"}
		}

		if !result.Value().(bool) {
			return &errs.SafetyCheckError{Check: name, Reason: "check evaluated to false"}
		}
	}

	return nil
}
