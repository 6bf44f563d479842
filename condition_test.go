package flowpilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateOperator(t *testing.T) {
	tests := []struct {
		name       string
		op         Operator
		fieldValue any
		condValue  any
		expected   bool
		hasError   bool
	}{
		{
			name:       "equals_numbers",
			op:         OperatorEquals,
			fieldValue: float64(18),
			condValue:  18,
			expected:   true,
		},
		{
			name:       "equals_strings",
			op:         OperatorEquals,
			fieldValue: "premium",
			condValue:  "premium",
			expected:   true,
		},
		{
			name:       "equals_mismatch",
			op:         OperatorEquals,
			fieldValue: "basic",
			condValue:  "premium",
			expected:   false,
		},
		{
			name:       "not_equals",
			op:         OperatorNotEquals,
			fieldValue: "basic",
			condValue:  "premium",
			expected:   true,
		},
		{
			name:       "contains_substring",
			op:         OperatorContains,
			fieldValue: "hello world",
			condValue:  "world",
			expected:   true,
		},
		{
			name:       "contains_number_coerced",
			op:         OperatorContains,
			fieldValue: float64(12345),
			condValue:  "234",
			expected:   true,
		},
		{
			name:       "greater_than_true",
			op:         OperatorGreaterThan,
			fieldValue: float64(25),
			condValue:  18,
			expected:   true,
		},
		{
			name:       "greater_than_equal_is_false",
			op:         OperatorGreaterThan,
			fieldValue: float64(18),
			condValue:  18,
			expected:   false,
		},
		{
			name:       "less_than_true",
			op:         OperatorLessThan,
			fieldValue: float64(5),
			condValue:  10,
			expected:   true,
		},
		{
			name:       "less_than_non_numeric",
			op:         OperatorLessThan,
			fieldValue: "abc",
			condValue:  10,
			expected:   false,
		},
		{
			name:       "greater_than_missing_field",
			op:         OperatorGreaterThan,
			fieldValue: nil,
			condValue:  18,
			expected:   false,
		},
		{
			name:       "unknown_operator",
			op:         Operator("matches"),
			fieldValue: "x",
			condValue:  "x",
			hasError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluateOperator(tt.op, tt.fieldValue, tt.condValue)
			if tt.hasError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnknownOperator)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLookupPath(t *testing.T) {
	data := map[string]any{
		"user": map[string]any{
			"age":  float64(25),
			"name": "Ada",
			"address": map[string]any{
				"city": "London",
			},
		},
		"plan": "premium",
	}

	tests := []struct {
		name     string
		path     string
		expected any
	}{
		{name: "top_level", path: "plan", expected: "premium"},
		{name: "nested", path: "user.age", expected: float64(25)},
		{name: "deeply_nested", path: "user.address.city", expected: "London"},
		{name: "missing_leaf", path: "user.email", expected: nil},
		{name: "missing_branch", path: "account.id", expected: nil},
		{name: "through_scalar", path: "plan.tier", expected: nil},
		{name: "empty_path", path: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, lookupPath(data, tt.path))
		})
	}
}
