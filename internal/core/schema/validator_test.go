// SPDX-License-Identifier: Apache-2.0

package schema_test

import (
	"testing"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/schema"
	"github.com/stretchr/testify/assert"
)

func TestValidateParams(t *testing.T) {
	restartSchema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"service"},
		"properties": map[string]interface{}{
			"service": map[string]interface{}{
				"type": "string",
			},
			"graceful": map[string]interface{}{
				"type": "boolean",
			},
		},
	}

	tests := []struct {
		name       string
		schema     map[string]interface{}
		params     map[string]interface{}
		shouldPass bool
	}{
		{
			name:   "valid parameters",
			schema: restartSchema,
			params: map[string]interface{}{
				"service":  "nginx",
				"graceful": true,
			},
			shouldPass: true,
		},
		{
			name:       "missing required parameter",
			schema:     restartSchema,
			params:     map[string]interface{}{"graceful": false},
			shouldPass: false,
		},
		{
			name:       "wrong parameter type",
			schema:     restartSchema,
			params:     map[string]interface{}{"service": 42},
			shouldPass: false,
		},
		{
			name:       "nil params against required schema",
			schema:     restartSchema,
			params:     nil,
			shouldPass: false,
		},
		{
			name: "schema without required properties",
			schema: map[string]interface{}{
				"type": "object",
			},
			params:     nil,
			shouldPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateParams(tt.schema, tt.params)

			if tt.shouldPass {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.True(t, errs.IsValidation(err), "expected validation error, got %v", err)
			}
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	defaults := map[string]interface{}{
		"timeout":  30,
		"graceful": true,
	}
	params := map[string]interface{}{
		"service": "nginx",
		"timeout": 60,
	}

	merged := schema.MergeWithDefaults(params, defaults)

	assert.Equal(t, "nginx", merged["service"])
	assert.Equal(t, 60, merged["timeout"], "params should win over defaults")
	assert.Equal(t, true, merged["graceful"])
}
