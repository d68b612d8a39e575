package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveString(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"count": 3,
		"price": 9.5,
		"ok":    true,
		"none":  nil,
		"tags":  []any{"a", "b"},
		"loop":  "{{name}}",
	}
	tests := []struct {
		in   string
		want string
	}{
		{"Hi {{name}}", "Hi Ada"},
		{"{{name}} and {{name}}", "Ada and Ada"},
		{"n={{count}} p={{price}}", "n=3 p=9.5"},
		{"flag {{ok}}", "flag true"},
		{"[{{none}}]", "[]"},
		{"tags={{tags}}", `tags=["a","b"]`},
		{"missing {{unknown}} stays", "missing {{unknown}} stays"},
		{"spaced {{ name }} is a different key", "spaced {{ name }} is a different key"},
		{"single pass {{loop}}", "single pass {{name}}"},
		{"no placeholders", "no placeholders"},
		{"{{", "{{"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveString(tt.in, vars))
		})
	}
}

func TestResolveNested(t *testing.T) {
	vars := map[string]any{"id": "42", "email": "a@b.c"}
	in := map[string]any{
		"url":   "https://x/{{id}}",
		"count": 7,
		"body": map[string]any{
			"to":   "{{email}}",
			"list": []any{"{{id}}", 1, false},
		},
	}
	got := Resolve(in, vars).(map[string]any)

	assert.Equal(t, "https://x/42", got["url"])
	assert.Equal(t, 7, got["count"])
	body := got["body"].(map[string]any)
	assert.Equal(t, "a@b.c", body["to"])
	assert.Equal(t, []any{"42", 1, false}, body["list"])

	// Input is not mutated.
	assert.Equal(t, "https://x/{{id}}", in["url"])
	assert.Equal(t, "{{email}}", in["body"].(map[string]any)["to"])
}

func TestResolveNonString(t *testing.T) {
	assert.Equal(t, 5, Resolve(5, map[string]any{"a": 1}))
	assert.Nil(t, Resolve(nil, map[string]any{"a": 1}))
	assert.Equal(t, "{{a}}", Resolve("{{a}}", nil))
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"false", false},
		{"FALSE", false},
		{"0", false},
		{"   ", false},
		{"yes", true},
		{"False ", false},
		{"no", true},
		{0, false},
		{1, true},
		{0.0, false},
		{2.5, true},
		{map[string]any{}, false},
		{map[string]any{"a": 1}, true},
		{[]any{}, false},
		{[]any{1}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truthy(tt.v), "Truthy(%#v)", tt.v)
	}
}

func TestStringifyScalars(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{nil, ""},
		{true, "true"},
		{false, "false"},
		{42, "42"},
		{2.5, "2.5"},
		{float64(3), "3"},
		{"text", "text"},
		{map[string]any{"a": 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stringify(tt.v), "Stringify(%#v)", tt.v)
	}
	assert.Equal(t, "ok=true none=", Resolve("ok={{ok}} none={{none}}", map[string]any{"ok": true, "none": nil}))
}

func TestEvaluateCondition(t *testing.T) {
	assert.True(t, evaluateCondition("interested", map[string]any{"interested": true}))
	assert.False(t, evaluateCondition("interested", map[string]any{"interested": false}))
	assert.False(t, evaluateCondition("interested", map[string]any{}))
	assert.False(t, evaluateCondition("", map[string]any{"": true}))
}
