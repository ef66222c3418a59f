// Package prompt provides the prompt-template store: CRUD with versioning,
// content validation, and variable interpolation with nested-path lookup.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/slopmasterai/maestro/core"
)

// Variable types accepted by templates
const (
	VarString  = "string"
	VarNumber  = "number"
	VarBoolean = "boolean"
	VarObject  = "object"
	VarArray   = "array"
)

// Variable declares one substitutable value in a template
type Variable struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// Template is a stored prompt template. Content references variables with
// double-brace delimiters: {{name}} or {{name.nested.path}}.
type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content"`
	Variables   []Variable `json:"variables,omitempty"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// VersionRecord is an archived template revision
type VersionRecord struct {
	Version   int        `json:"version"`
	Content   string     `json:"content"`
	Variables []Variable `json:"variables,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validation limits
const (
	MaxContentLength = 64 * 1024
	MaxVariables     = 64
	MaxNameLength    = 256
)

var (
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// Validate checks a template's structure: name present, content bounded,
// braces balanced, placeholder identifiers well-formed, variable list bounded.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return validationError("template name is required")
	}
	if len(t.Name) > MaxNameLength {
		return validationError("template name too long")
	}
	if strings.TrimSpace(t.Content) == "" {
		return validationError("template content is required")
	}
	if len(t.Content) > MaxContentLength {
		return validationError(fmt.Sprintf("template content exceeds %d bytes", MaxContentLength))
	}
	if len(t.Variables) > MaxVariables {
		return validationError(fmt.Sprintf("template declares more than %d variables", MaxVariables))
	}

	if err := checkBraces(t.Content); err != nil {
		return err
	}
	for _, ref := range Placeholders(t.Content) {
		if !identifierPattern.MatchString(ref) {
			return validationError(fmt.Sprintf("invalid variable reference %q", ref))
		}
	}

	seen := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		if !identifierPattern.MatchString(v.Name) || strings.Contains(v.Name, ".") {
			return validationError(fmt.Sprintf("invalid variable name %q", v.Name))
		}
		if seen[v.Name] {
			return validationError(fmt.Sprintf("duplicate variable %q", v.Name))
		}
		seen[v.Name] = true
		switch v.Type {
		case VarString, VarNumber, VarBoolean, VarObject, VarArray, "":
		default:
			return validationError(fmt.Sprintf("variable %q has unknown type %q", v.Name, v.Type))
		}
	}
	return nil
}

// Placeholders returns every {{...}} reference in content, in order
func Placeholders(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, strings.TrimSpace(m[1]))
	}
	return refs
}

// checkBraces verifies that double-brace delimiters pair up with no nesting
func checkBraces(content string) error {
	depth := 0
	for i := 0; i+1 < len(content); i++ {
		switch content[i : i+2] {
		case "{{":
			depth++
			if depth > 1 {
				return validationError("nested braces in template content")
			}
			i++
		case "}}":
			depth--
			if depth < 0 {
				return validationError("unbalanced braces in template content")
			}
			i++
		}
	}
	if depth != 0 {
		return validationError("unbalanced braces in template content")
	}
	return nil
}

func validationError(msg string) error {
	return &core.EngineError{Op: "prompt.Validate", Kind: core.KindValidation, Message: msg, Err: core.ErrInvalidConfiguration}
}
