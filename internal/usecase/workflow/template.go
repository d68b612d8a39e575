package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{key}} tokens. The key is taken verbatim.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Resolve substitutes {{key}} placeholders in value with entries of vars.
// Strings are rewritten in a single pass, so text produced by a substitution
// is never scanned again. Maps and slices are resolved recursively and
// returned as new values. Placeholders whose key is absent stay literal.
func Resolve(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Resolve(e, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Resolve(e, vars)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = ResolveString(e, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = ResolveString(e, vars)
		}
		return out
	default:
		return value
	}
}

// ResolveString substitutes placeholders in a single string.
func ResolveString(s string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		key := tok[2 : len(tok)-2]
		val, ok := vars[key]
		if !ok {
			return tok
		}
		return Stringify(val)
	})
}

// Stringify renders a context value the way it appears inside templated text.
// Booleans render as "true"/"false" and nil renders as the empty string.
// Definitions written against Python formatting ("True", "None") will see
// the lowercase and empty forms instead.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// Truthy reports whether a context value counts as true for decision nodes.
// Absent or nil values, false, zero numbers, empty collections and the
// strings "", "false" and "0" are false.
//
// This is stricter than Python's bool(): there any non-empty string is true,
// so "false", "0" and whitespace-only values are true. Decision conditions
// migrated from such definitions must not rely on those strings being true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(t)
		return s != "" && !strings.EqualFold(s, "false") && s != "0"
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint64:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	default:
		return true
	}
}

// evaluateCondition looks up a context key and applies Truthy.
func evaluateCondition(key string, vars map[string]any) bool {
	if key == "" {
		return false
	}
	v, ok := vars[key]
	return ok && Truthy(v)
}
