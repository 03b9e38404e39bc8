package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter(t *testing.T) {
	actual := `[{"handle": 1, "name": "Device Name", "value": "6869"}, {"handle": 2, "name": "Alert Level", "value": "00"}]`

	tests := []struct {
		name     string
		expected string
		opts     []JSONOption
		pass     bool
	}{
		{
			name:     "equal with different key order",
			expected: `[{"name": "Device Name", "value": "6869", "handle": 1}, {"handle": 2, "value": "00", "name": "Alert Level"}]`,
			pass:     true,
		},
		{
			name:     "value differs",
			expected: `[{"handle": 1, "name": "Device Name", "value": "6869"}, {"handle": 2, "name": "Alert Level", "value": "01"}]`,
			pass:     false,
		},
		{
			name:     "ignored field",
			expected: `[{"handle": 1, "name": "Device Name", "value": "ffff"}, {"handle": 2, "name": "Alert Level"}]`,
			opts:     []JSONOption{WithIgnoredFields("value")},
			pass:     true,
		},
		{
			name:     "extra keys rejected",
			expected: `[{"handle": 1}, {"handle": 2}]`,
			pass:     false,
		},
		{
			name:     "extra keys ignored",
			expected: `[{"handle": 1}, {"handle": 2}]`,
			opts:     []JSONOption{WithIgnoreExtraKeys(true)},
			pass:     true,
		},
		{
			name:     "missing element",
			expected: `[{"handle": 1}]`,
			opts:     []JSONOption{WithIgnoreExtraKeys(true)},
			pass:     false,
		},
		{
			name:     "invalid expected",
			expected: `[{`,
			pass:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewJSONAsserter(rec, tt.opts...).Assert(actual, tt.expected)
			assert.Equal(t, tt.pass, ok, "errors: %v", rec.errors)
		})
	}
}
