// Package wfcontext provides the per-execution workflow context store:
// nested data addressed by dotted paths with bracket indices, deep-merge,
// and immutable snapshots for pause/resume recovery.
package wfcontext

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/slopmasterai/maestro/core"
)

// segment is one step of a parsed path: a map key or an array index
type segment struct {
	key     string
	index   int
	isIndex bool
}

// parsePath parses the dotted path grammar with bracket indices, e.g.
// "a.b[3].c". An empty path or a malformed segment is a validation error.
func parsePath(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, pathError(path, "empty path")
	}
	var segments []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, pathError(path, "empty path segment")
		}
		key := part
		var indices []int
		if i := strings.IndexByte(part, '['); i >= 0 {
			key = part[:i]
			rest := part[i:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, pathError(path, "malformed index")
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, pathError(path, "unterminated index")
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, pathError(path, "invalid array index")
				}
				indices = append(indices, n)
				rest = rest[end+1:]
			}
		}
		if key == "" && len(segments) == 0 && len(indices) == 0 {
			return nil, pathError(path, "empty path segment")
		}
		if key != "" {
			segments = append(segments, segment{key: key})
		}
		for _, n := range indices {
			segments = append(segments, segment{index: n, isIndex: true})
		}
	}
	return segments, nil
}

func pathError(path, msg string) error {
	return &core.EngineError{
		Op:      "wfcontext.Path",
		Kind:    core.KindValidation,
		Message: fmt.Sprintf("invalid path %q: %s", path, msg),
		Err:     core.ErrInvalidConfiguration,
	}
}

// getPath reads the value at the parsed path. The second return reports
// whether the path resolved.
func getPath(data interface{}, segments []segment) (interface{}, bool) {
	current := data
	for _, seg := range segments {
		if seg.isIndex {
			arr, ok := current.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at the parsed path, creating intermediate maps and
// extending arrays as needed. Existing non-container values along the path
// are replaced by the container the next segment requires.
func setPath(data map[string]interface{}, segments []segment, value interface{}) error {
	if len(segments) == 0 {
		return pathError("", "empty path")
	}
	if segments[0].isIndex {
		return pathError("", "path must start with a key")
	}

	var current interface{} = data
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		next := segments[i+1]
		if seg.isIndex {
			arr := current.([]interface{})
			child := arr[seg.index]
			if !containerMatches(child, next) {
				child = newContainer(next)
				arr[seg.index] = child
			}
			current = arr[seg.index]
			if next.isIndex {
				grown := growArray(current.([]interface{}), next.index)
				arr[seg.index] = grown
				current = grown
			}
			continue
		}
		m := current.(map[string]interface{})
		child, ok := m[seg.key]
		if !ok || !containerMatches(child, next) {
			child = newContainer(next)
			m[seg.key] = child
		}
		if next.isIndex {
			grown := growArray(child.([]interface{}), next.index)
			m[seg.key] = grown
			child = grown
		}
		current = m[seg.key]
	}

	last := segments[len(segments)-1]
	if last.isIndex {
		arr := current.([]interface{})
		arr[last.index] = value
		return nil
	}
	current.(map[string]interface{})[last.key] = value
	return nil
}

func containerMatches(v interface{}, next segment) bool {
	if next.isIndex {
		_, ok := v.([]interface{})
		return ok
	}
	_, ok := v.(map[string]interface{})
	return ok
}

func newContainer(next segment) interface{} {
	if next.isIndex {
		return make([]interface{}, next.index+1)
	}
	return make(map[string]interface{})
}

func growArray(arr []interface{}, index int) []interface{} {
	for len(arr) <= index {
		arr = append(arr, nil)
	}
	return arr
}

// deepMerge merges src into dst. Mapping values recurse; arrays and scalars
// are replaced. dst is modified in place and returned.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

// maxDepth returns the deepest nesting level of the value tree
func maxDepth(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		deepest := 0
		for _, child := range t {
			if d := maxDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []interface{}:
		deepest := 0
		for _, child := range t {
			if d := maxDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}
