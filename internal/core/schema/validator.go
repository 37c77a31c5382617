// SPDX-License-Identifier: Apache-2.0

// Package schema validates action parameter maps against the JSON schemas
// configured per action type.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fleetmend/fleetmend/internal/core/errs"
)

// ValidateParams checks params against the action type's JSON schema. A
// schema violation is a validation error: the request is malformed, nothing
// is dispatched.
func ValidateParams(schema map[string]interface{}, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("error evaluating parameter schema: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, problem := range result.Errors() {
			problems = append(problems, problem.String())
		}
		return errs.NewValidation("parameter validation failed: %s", strings.Join(problems, "; "))
	}

	return nil
}

// MergeWithDefaults overlays params on the action type's defaults. Neither
// input map is modified.
func MergeWithDefaults(params map[string]interface{}, defaults map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(defaults)+len(params))
	for k, v := range defaults {
		result[k] = v
	}
	for k, v := range params {
		result[k] = v
	}
	return result
}
