package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/slopmasterai/maestro/core"
)

// Interpolate renders a template's content with the provided variables.
// Each {{path}} reference resolves in order:
//  1. a provided value under the full path key,
//  2. the provided root value, traversed along the remaining path,
//  3. the declared variable's default,
//  4. empty string when the variable is not required.
//
// A reference to a missing required variable fails with a validation error.
func Interpolate(t *Template, provided map[string]interface{}) (string, error) {
	declared := make(map[string]*Variable, len(t.Variables))
	for i := range t.Variables {
		declared[t.Variables[i].Name] = &t.Variables[i]
	}

	// Missing required variables fail before any substitution
	for _, v := range t.Variables {
		if !v.Required {
			continue
		}
		if _, ok := provided[v.Name]; ok {
			continue
		}
		if v.Default != nil {
			continue
		}
		return "", &core.EngineError{
			Op:      "prompt.Interpolate",
			Kind:    core.KindValidation,
			ID:      t.ID,
			Message: fmt.Sprintf("missing required variable %q", v.Name),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	var firstErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(t.Content, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])

		if value, ok := resolveReference(ref, provided, declared); ok {
			return Stringify(value)
		}

		root := ref
		if i := strings.IndexByte(ref, '.'); i >= 0 {
			root = ref[:i]
		}
		if v, ok := declared[root]; ok && v.Required && firstErr == nil {
			firstErr = &core.EngineError{
				Op:      "prompt.Interpolate",
				Kind:    core.KindValidation,
				ID:      t.ID,
				Message: fmt.Sprintf("missing required variable %q", root),
				Err:     core.ErrInvalidConfiguration,
			}
		}
		return ""
	})
	if firstErr != nil {
		return "", firstErr
	}
	return rendered, nil
}

// resolveReference walks the resolution order for one {{ref}}
func resolveReference(ref string, provided map[string]interface{}, declared map[string]*Variable) (interface{}, bool) {
	// Full-path key
	if value, ok := provided[ref]; ok {
		return value, true
	}

	root := ref
	rest := ""
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		root, rest = ref[:i], ref[i+1:]
	}

	// Root value with nested traversal
	if value, ok := provided[root]; ok {
		if rest == "" {
			return value, true
		}
		if nested, ok := lookupPath(value, rest); ok {
			return nested, true
		}
	}

	// Declared default
	if v, ok := declared[root]; ok && v.Default != nil {
		if rest == "" {
			return v.Default, true
		}
		if nested, ok := lookupPath(v.Default, rest); ok {
			return nested, true
		}
	}

	return nil, false
}

// lookupPath traverses dotted segments through nested maps
func lookupPath(value interface{}, path string) (interface{}, bool) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Stringify converts a resolved value to its substitution text: strings pass
// through, numbers and booleans are stringified, structures serialize to JSON.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
