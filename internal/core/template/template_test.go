// SPDX-License-Identifier: Apache-2.0

package template_test

import (
	"errors"
	"testing"

	"github.com/fleetmend/fleetmend/internal/core/errs"
	"github.com/fleetmend/fleetmend/internal/core/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		required []string
		wantErr  bool
	}{
		{
			name:     "no placeholders",
			raw:      "uptime",
			required: []string{},
		},
		{
			name:     "single placeholder",
			raw:      "systemctl restart ${service}",
			required: []string{"service"},
		},
		{
			name:     "multiple placeholders",
			raw:      "scp ${source} ${user}@${host}:${dest}",
			required: []string{"source", "user", "host", "dest"},
		},
		{
			name:     "repeated placeholder counted once",
			raw:      "echo ${name} && logger ${name}",
			required: []string{"name"},
		},
		{
			name:    "empty template",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := template.Parse(tt.raw)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.raw, tmpl.Raw())
			assert.Equal(t, tt.required, tmpl.RequiredParameters())
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		params   map[string]interface{}
		expected string
		missing  string
	}{
		{
			name:     "substitutes parameter",
			raw:      "systemctl restart ${service}",
			params:   map[string]interface{}{"service": "nginx"},
			expected: "systemctl restart nginx",
		},
		{
			name:     "substitutes multiple parameters",
			raw:      "kill -${signal} ${pid}",
			params:   map[string]interface{}{"signal": "TERM", "pid": 4312},
			expected: "kill -TERM 4312",
		},
		{
			name:     "no placeholders passes through",
			raw:      "df -h",
			params:   nil,
			expected: "df -h",
		},
		{
			name:    "missing parameter fails",
			raw:     "systemctl restart ${missing}",
			params:  map[string]interface{}{"service": "nginx"},
			missing: "missing",
		},
		{
			name:    "one of several missing",
			raw:     "mount ${device} ${mountpoint}",
			params:  map[string]interface{}{"device": "/dev/sdb1"},
			missing: "mountpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := template.Parse(tt.raw)
			require.NoError(t, err)

			rendered, err := tmpl.Render(tt.params)

			if tt.missing != "" {
				var pm *errs.ParameterMissingError
				require.True(t, errors.As(err, &pm), "expected ParameterMissingError, got %v", err)
				assert.Equal(t, tt.missing, pm.Name)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, rendered)
		})
	}
}

func TestRequiredParametersIsACopy(t *testing.T) {
	tmpl, err := template.Parse("echo ${a} ${b}")
	require.NoError(t, err)

	first := tmpl.RequiredParameters()
	first[0] = "mutated"

	assert.Equal(t, []string{"a", "b"}, tmpl.RequiredParameters())
}
