// Package orchestration provides the single-request execution patterns
// (sequential, parallel, conditional, map-reduce) and the sandboxed
// expression evaluator used for conditional routing.
package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/slopmasterai/maestro/core"
)

// The evaluator accepts a deliberately small grammar: literals, parentheses,
// comparisons, logical operators, and identifiers of the form
// context.<dotted.path>. Anything else fails the parse. Host-language
// evaluation is never used on condition strings.

// undefined distinguishes a missing context path from an explicit null
type undefinedValue struct{}

var undefined = undefinedValue{}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type tokenizer struct {
	input string
	pos   int
}

func (t *tokenizer) next() (token, error) {
	for t.pos < len(t.input) && isSpace(t.input[t.pos]) {
		t.pos++
	}
	if t.pos >= len(t.input) {
		return token{kind: tokEOF}, nil
	}

	c := t.input[t.pos]
	switch {
	case c == '(':
		t.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		t.pos++
		return token{kind: tokRParen}, nil
	case c == '\'' || c == '"':
		return t.readString(c)
	case c >= '0' && c <= '9' || (c == '-' && t.pos+1 < len(t.input) && t.input[t.pos+1] >= '0' && t.input[t.pos+1] <= '9'):
		return t.readNumber()
	case isIdentStart(c):
		return t.readIdent()
	default:
		return t.readOperator()
	}
}

func (t *tokenizer) readString(quote byte) (token, error) {
	var b strings.Builder
	t.pos++
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		if c == '\\' {
			if t.pos+1 >= len(t.input) {
				return token{}, fmt.Errorf("unterminated escape at %d", t.pos)
			}
			next := t.input[t.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(next)
			default:
				return token{}, fmt.Errorf("unsupported escape \\%c", next)
			}
			t.pos += 2
			continue
		}
		if c == quote {
			t.pos++
			return token{kind: tokString, text: b.String()}, nil
		}
		b.WriteByte(c)
		t.pos++
	}
	return token{}, fmt.Errorf("unterminated string")
}

func (t *tokenizer) readNumber() (token, error) {
	start := t.pos
	if t.input[t.pos] == '-' {
		t.pos++
	}
	for t.pos < len(t.input) && (t.input[t.pos] >= '0' && t.input[t.pos] <= '9' || t.input[t.pos] == '.') {
		t.pos++
	}
	text := t.input[start:t.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q", text)
	}
	return token{kind: tokNumber, num: n}, nil
}

func (t *tokenizer) readIdent() (token, error) {
	start := t.pos
	for t.pos < len(t.input) && isIdentChar(t.input[t.pos]) {
		t.pos++
	}
	return token{kind: tokIdent, text: t.input[start:t.pos]}, nil
}

var operators = []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"}

func (t *tokenizer) readOperator() (token, error) {
	rest := t.input[t.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			t.pos += len(op)
			return token{kind: tokOp, text: op}, nil
		}
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", t.input[t.pos], t.pos)
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
func isIdentChar(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

// parser is a recursive-descent parser with precedence ! > comparison > && > ||
type parser struct {
	tok  *tokenizer
	cur  token
	data map[string]interface{}
}

func (p *parser) advance() error {
	tok, err := p.tok.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && p.cur.text == "||" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (interface{}, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && p.cur.text == "&&" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseComparison() (interface{}, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokOp {
		return left, nil
	}
	op := p.cur.text
	switch op {
	case "==", "===", "!=", "!==", "<", "<=", ">", ">=":
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *parser) parseUnary() (interface{}, error) {
	if p.cur.kind == tokOp && p.cur.text == "!" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		value, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (interface{}, error) {
	switch p.cur.kind {
	case tokNumber:
		n := p.cur.num
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil
	case tokString:
		s := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return s, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return value, nil
	case tokIdent:
		return p.parseIdent()
	default:
		return nil, fmt.Errorf("unexpected token")
	}
}

func (p *parser) parseIdent() (interface{}, error) {
	text := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	case "undefined":
		return undefined, nil
	}
	// Only context.<dotted.path> identifiers are allowed
	if !strings.HasPrefix(text, "context.") {
		return nil, fmt.Errorf("disallowed identifier %q", text)
	}
	path := strings.TrimPrefix(text, "context.")
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return nil, fmt.Errorf("malformed context path %q", text)
	}
	return lookupContextPath(p.data, path), nil
}

func lookupContextPath(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return undefined
		}
		current, ok = m[segment]
		if !ok {
			return undefined
		}
	}
	return current
}

func compare(op string, left, right interface{}) (interface{}, error) {
	switch op {
	case "===":
		return strictEquals(left, right), nil
	case "!==":
		return !strictEquals(left, right), nil
	case "==":
		return looseEquals(left, right), nil
	case "!=":
		return !looseEquals(left, right), nil
	}

	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T and %T", left, right)
}

func strictEquals(left, right interface{}) bool {
	if _, ok := left.(undefinedValue); ok {
		_, rok := right.(undefinedValue)
		return rok
	}
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok || rok {
		return lok && rok && ln == rn
	}
	return left == right
}

func looseEquals(left, right interface{}) bool {
	lu := isNullish(left)
	ru := isNullish(right)
	if lu || ru {
		return lu && ru
	}
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		return ln == rn
	}
	return left == right
}

func isNullish(v interface{}) bool {
	if v == nil {
		return true
	}
	_, ok := v.(undefinedValue)
	return ok
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedValue:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

// Evaluate parses and evaluates a condition expression against context data.
// A rejected input or evaluation failure is an error; no partial evaluation
// leaks side effects.
func Evaluate(expression string, contextData map[string]interface{}) (bool, error) {
	p := &parser{tok: &tokenizer{input: expression}, data: contextData}
	if err := p.advance(); err != nil {
		return false, err
	}
	if p.cur.kind == tokEOF {
		return false, fmt.Errorf("empty expression")
	}
	value, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.cur.kind != tokEOF {
		return false, fmt.Errorf("trailing input after expression")
	}
	return truthy(value), nil
}

// EvalCondition evaluates a condition, defaulting to false with a warning on
// any parse or evaluation error.
func EvalCondition(expression string, contextData map[string]interface{}, logger core.Logger) bool {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	result, err := Evaluate(expression, contextData)
	if err != nil {
		logger.Warn("Condition evaluation failed, defaulting to false", map[string]interface{}{
			"expression": expression,
			"error":      err.Error(),
		})
		return false
	}
	return result
}
