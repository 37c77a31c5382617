// SPDX-License-Identifier: Apache-2.0

// Package template provides typed command templates. A template carries its
// raw text plus the parameter names it requires, so callers can validate a
// request before any rendering happens at dispatch time.
package template

import (
	"fmt"
	"regexp"

	"github.com/fleetmend/fleetmend/internal/core/errs"
)

// placeholderRegex matches template placeholders like ${service}
var placeholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// Template is a parsed command template.
type Template struct {
	raw      string
	required []string
}

// Parse scans raw for ${name} placeholders and returns a Template recording
// the required parameter names in order of first appearance.
func Parse(raw string) (Template, error) {
	if raw == "" {
		return Template{}, errs.NewValidation("command template is empty")
	}

	seen := make(map[string]bool)
	required := []string{}

	matches := placeholderRegex.FindAllStringSubmatch(raw, -1)
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			required = append(required, match[1])
		}
	}

	return Template{raw: raw, required: required}, nil
}

// Raw returns the original template text
func (t Template) Raw() string {
	return t.raw
}

// RequiredParameters returns the parameter names the template references
func (t Template) RequiredParameters() []string {
	result := make([]string, len(t.required))
	copy(result, t.required)
	return result
}

// Render substitutes every ${name} placeholder with params[name]. Any
// placeholder with no matching parameter fails with a ParameterMissingError
// before anything is dispatched.
func (t Template) Render(params map[string]interface{}) (string, error) {
	for _, name := range t.required {
		if _, found := params[name]; !found {
			return "", &errs.ParameterMissingError{Name: name}
		}
	}

	result := placeholderRegex.ReplaceAllStringFunc(t.raw, func(match string) string {
		// Extract key from ${key}
		key := match[2 : len(match)-1]
		return fmt.Sprintf("%v", params[key])
	})

	return result, nil
}
