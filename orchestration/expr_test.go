package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprContext() map[string]interface{} {
	return map[string]interface{}{
		"tier":  "premium",
		"score": 0.75,
		"count": 3,
		"flag":  true,
		"empty": "",
		"none":  nil,
		"user": map[string]interface{}{
			"name": "Ada",
			"age":  float64(30),
		},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want bool
	}{
		// Literals and truthiness
		{name: "true_literal", expr: "true", want: true},
		{name: "false_literal", expr: "false", want: false},
		{name: "nonzero_number", expr: "1", want: true},
		{name: "zero_number", expr: "0", want: false},
		{name: "nonempty_string", expr: "'x'", want: true},
		{name: "empty_string", expr: "''", want: false},
		{name: "null_literal", expr: "null", want: false},
		{name: "undefined_literal", expr: "undefined", want: false},

		// Loose and strict equality
		{name: "loose_string_eq", expr: "context.tier == 'premium'", want: true},
		{name: "loose_string_ne", expr: "context.tier != 'basic'", want: true},
		{name: "strict_eq", expr: "context.tier === 'premium'", want: true},
		{name: "strict_ne", expr: "context.tier !== 'premium'", want: false},
		{name: "number_eq", expr: "context.count == 3", want: true},
		{name: "double_quoted", expr: "context.tier == \"premium\"", want: true},

		// Ordering
		{name: "lt", expr: "context.score < 0.8", want: true},
		{name: "gt", expr: "context.score > 0.8", want: false},
		{name: "lte_boundary", expr: "context.count <= 3", want: true},
		{name: "gte", expr: "context.user.age >= 30", want: true},
		{name: "string_ordering", expr: "'apple' < 'banana'", want: true},
		{name: "negative_number", expr: "-1 < 0", want: true},

		// Logical operators and precedence
		{name: "and", expr: "context.flag && context.count > 2", want: true},
		{name: "and_short", expr: "context.flag && context.count > 5", want: false},
		{name: "or", expr: "context.count > 5 || context.tier == 'premium'", want: true},
		{name: "not", expr: "!context.flag", want: false},
		{name: "not_missing", expr: "!context.missing", want: true},
		{name: "parens", expr: "(context.count > 5 || context.flag) && true", want: true},
		{name: "precedence_and_over_or", expr: "true || false && false", want: true},

		// Undefined and null semantics
		{name: "missing_is_undefined", expr: "context.missing == undefined", want: true},
		{name: "missing_strict_undefined", expr: "context.missing === undefined", want: true},
		{name: "null_loose_undefined", expr: "context.none == undefined", want: true},
		{name: "null_strict_undefined", expr: "context.none === undefined", want: false},
		{name: "missing_loose_null", expr: "context.missing == null", want: true},
		{name: "missing_strict_null", expr: "context.missing === null", want: false},
		{name: "missing_truthy", expr: "context.missing", want: false},
		{name: "missing_nested", expr: "context.user.missing.deeper == undefined", want: true},
		{name: "undefined_not_zero", expr: "context.missing == 0", want: false},
		{name: "undefined_not_empty_string", expr: "context.missing == ''", want: false},

		// Nested paths
		{name: "nested_path", expr: "context.user.name == 'Ada'", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, exprContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateRejections(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "empty", expr: ""},
		{name: "blank", expr: "   "},
		{name: "bare_identifier", expr: "tier == 'premium'"},
		{name: "function_call", expr: "process('x')"},
		{name: "bare_context_prefix", expr: "context."},
		{name: "double_dot_path", expr: "context.a..b"},
		{name: "trailing_input", expr: "true true"},
		{name: "unterminated_string", expr: "'oops"},
		{name: "unbalanced_paren", expr: "(true"},
		{name: "unknown_operator", expr: "1 # 2"},
		{name: "order_mixed_types", expr: "1 < 'a'"},
		{name: "dangling_and", expr: "true &&"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr, exprContext())
			assert.Error(t, err)
		})
	}
}

func TestEvalConditionDefaultsFalse(t *testing.T) {
	assert.False(t, EvalCondition("not valid ===", exprContext(), nil))
	assert.False(t, EvalCondition("", exprContext(), nil))
	assert.True(t, EvalCondition("context.flag", exprContext(), nil))
}
