// Package expr implements the condition expression language used by
// config gates and aggregation CONDITION triggers.
//
// Expressions are parsed once at pipeline construction and evaluated
// against each row. The language is a deliberately small, side-effect
// free subset: row field access, literals, comparisons, arithmetic,
// boolean logic, and membership tests. There are no function calls,
// no assignment, and the only bound name is "row", so a misconfigured
// or tampered expression cannot reach outside the row it is given.
//
// Grammar (precedence low to high):
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unaryB { "&&" unaryB }
//	unaryB  = "!" unaryB | cmp
//	cmp     = sum [ ("=="|"!="|"<"|"<="|">"|">="|"in") sum ]
//	sum     = term { ("+"|"-") term }
//	term    = unary { ("*"|"/"|"%") unary }
//	unary   = "-" unary | primary
//	primary = number | string | "true" | "false" | "null"
//	        | "row" { "." ident | "[" string "]" }
//	        | "[" [ expr { "," expr } ] "]"
//	        | "(" expr ")"
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled expression ready for evaluation against rows.
type Expr struct {
	source string
	root   node
}

// Compile parses source into an Expr. Returns a SyntaxError for
// malformed input; forbidden constructs are unrepresentable by the
// grammar, so parse success implies the expression is safe.
func Compile(source string) (*Expr, error) {
	p := &parser{src: source}
	p.next()
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Source: source, Pos: p.tok.pos, Message: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return &Expr{source: source, root: root}, nil
}

// Source returns the original expression text. Stored in routing
// reasons so gate decisions are explainable.
func (e *Expr) Source() string { return e.source }

// Eval evaluates the expression against row and returns the result
// value (bool, float64, string, nil, or []any).
func (e *Expr) Eval(row map[string]any) (any, error) {
	return e.root.eval(row)
}

// EvalBool evaluates the expression and coerces the result to a
// boolean. Non-boolean results are an error; gates require an explicit
// true/false, not truthiness.
func (e *Expr) EvalBool(row map[string]any) (bool, error) {
	v, err := e.root.eval(row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Source: e.source, Message: fmt.Sprintf("expression result is %T, not bool", v)}
	}
	return b, nil
}

// SyntaxError reports a parse failure with position information.
type SyntaxError struct {
	Source  string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression syntax error at offset %d in %q: %s", e.Pos, e.Source, e.Message)
}

// EvalError reports a runtime evaluation failure (missing field, type
// mismatch, division by zero).
type EvalError struct {
	Source  string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression evaluation error in %q: %s", e.Source, e.Message)
}

// --- AST ---

type node interface {
	eval(row map[string]any) (any, error)
}

type litNode struct{ value any }

func (n litNode) eval(map[string]any) (any, error) { return n.value, nil }

type fieldNode struct{ path []string }

func (n fieldNode) eval(row map[string]any) (any, error) {
	var current any = row
	for i, key := range n.path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("row.%s is not an object", strings.Join(n.path[:i], "."))}
		}
		v, ok := m[key]
		if !ok {
			// Missing fields evaluate to null rather than failing; gates
			// routinely probe optional fields.
			return nil, nil
		}
		current = v
	}
	return normalizeValue(current), nil
}

type listNode struct{ items []node }

func (n listNode) eval(row map[string]any) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type unaryNode struct {
	op    string
	child node
}

func (n unaryNode) eval(row map[string]any) (any, error) {
	v, err := n.child.eval(row)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("operator ! requires bool, got %T", v)}
		}
		return !b, nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("operator - requires number, got %T", v)}
		}
		return -f, nil
	}
	return nil, &EvalError{Message: "unknown unary operator " + n.op}
}

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval(row map[string]any) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		lv, err := n.left.eval(row)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("operator %s requires bool operands, got %T", n.op, lv)}
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		rv, err := n.right.eval(row)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("operator %s requires bool operands, got %T", n.op, rv)}
		}
		return rb, nil
	}

	lv, err := n.left.eval(row)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(row)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return valuesEqual(lv, rv), nil
	case "!=":
		return !valuesEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, lv, rv)
	case "in":
		list, ok := rv.([]any)
		if !ok {
			return nil, &EvalError{Message: fmt.Sprintf("operator in requires a list on the right, got %T", rv)}
		}
		for _, item := range list {
			if valuesEqual(lv, item) {
				return true, nil
			}
		}
		return false, nil
	case "+", "-", "*", "/", "%":
		return arithmetic(n.op, lv, rv)
	}
	return nil, &EvalError{Message: "unknown operator " + n.op}
}

func arithmetic(op string, lv, rv any) (any, error) {
	if op == "+" {
		// String concatenation when both sides are strings.
		if ls, ok := lv.(string); ok {
			if rs, ok := rv.(string); ok {
				return ls + rs, nil
			}
		}
	}
	lf, lok := toNumber(lv)
	rf, rok := toNumber(rv)
	if !lok || !rok {
		return nil, &EvalError{Message: fmt.Sprintf("operator %s requires numbers, got %T and %T", op, lv, rv)}
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, &EvalError{Message: "division by zero"}
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, &EvalError{Message: "modulo by zero"}
		}
		return math.Mod(lf, rf), nil
	}
	return nil, &EvalError{Message: "unknown arithmetic operator " + op}
}

func compareOrdered(op string, lv, rv any) (any, error) {
	if ls, ok := lv.(string); ok {
		if rs, ok := rv.(string); ok {
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
	}
	lf, lok := toNumber(lv)
	rf, rok := toNumber(rv)
	if !lok || !rok {
		return nil, &EvalError{Message: fmt.Sprintf("operator %s cannot compare %T and %T", op, lv, rv)}
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, &EvalError{Message: "unknown comparison " + op}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// toNumber widens every numeric representation a row can carry
// (JSON decoding yields float64, sources may yield ints) to float64.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func normalizeValue(v any) any {
	if f, ok := toNumber(v); ok {
		if _, isBool := v.(bool); !isBool {
			return f
		}
	}
	return v
}

// --- Lexer / parser ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	src string
	off int
	tok token
}

func (p *parser) errf(format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: p.tok.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) next() {
	for p.off < len(p.src) && (p.src[p.off] == ' ' || p.src[p.off] == '\t') {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := p.src[p.off]
	switch {
	case unicode.IsLetter(rune(c)) || c == '_':
		for p.off < len(p.src) && (unicode.IsLetter(rune(p.src[p.off])) || unicode.IsDigit(rune(p.src[p.off])) || p.src[p.off] == '_') {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], pos: start}
	case unicode.IsDigit(rune(c)):
		for p.off < len(p.src) && (unicode.IsDigit(rune(p.src[p.off])) || p.src[p.off] == '.') {
			p.off++
		}
		p.tok = token{kind: tokNumber, text: p.src[start:p.off], pos: start}
	case c == '\'' || c == '"':
		quote := c
		p.off++
		var sb strings.Builder
		for p.off < len(p.src) && p.src[p.off] != quote {
			if p.src[p.off] == '\\' && p.off+1 < len(p.src) {
				p.off++
			}
			sb.WriteByte(p.src[p.off])
			p.off++
		}
		if p.off >= len(p.src) {
			p.tok = token{kind: tokString, text: sb.String(), pos: start}
			return
		}
		p.off++ // closing quote
		p.tok = token{kind: tokString, text: sb.String(), pos: start}
	default:
		two := ""
		if p.off+1 < len(p.src) {
			two = p.src[p.off : p.off+2]
		}
		switch two {
		case "==", "!=", "<=", ">=", "&&", "||":
			p.off += 2
			p.tok = token{kind: tokOp, text: two, pos: start}
			return
		}
		p.off++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "!", child: child}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	isCmp := p.tok.kind == tokOp && (p.tok.text == "==" || p.tok.text == "!=" ||
		p.tok.text == "<" || p.tok.text == "<=" || p.tok.text == ">" || p.tok.text == ">=")
	isIn := p.tok.kind == tokIdent && p.tok.text == "in"
	if !isCmp && !isIn {
		return left, nil
	}
	op := p.tok.text
	p.next()
	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/" || p.tok.text == "%") {
		op := p.tok.text
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	switch {
	case p.tok.kind == tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, p.errf("invalid number %q", p.tok.text)
		}
		p.next()
		return litNode{value: f}, nil
	case p.tok.kind == tokString:
		s := p.tok.text
		p.next()
		return litNode{value: s}, nil
	case p.tok.kind == tokIdent:
		switch p.tok.text {
		case "true":
			p.next()
			return litNode{value: true}, nil
		case "false":
			p.next()
			return litNode{value: false}, nil
		case "null":
			p.next()
			return litNode{value: nil}, nil
		case "row":
			return p.parseRowAccess()
		default:
			return nil, p.errf("unknown identifier %q (only \"row\" is bound)", p.tok.text)
		}
	case p.tok.kind == tokOp && p.tok.text == "(":
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokOp || p.tok.text != ")" {
			return nil, p.errf("expected )")
		}
		p.next()
		return inner, nil
	case p.tok.kind == tokOp && p.tok.text == "[":
		p.next()
		var items []node
		for !(p.tok.kind == tokOp && p.tok.text == "]") {
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.tok.kind == tokOp && p.tok.text == "," {
				p.next()
				continue
			}
			break
		}
		if p.tok.kind != tokOp || p.tok.text != "]" {
			return nil, p.errf("expected ]")
		}
		p.next()
		return listNode{items: items}, nil
	}
	return nil, p.errf("unexpected %q", p.tok.text)
}

func (p *parser) parseRowAccess() (node, error) {
	p.next() // consume "row"
	var path []string
	for {
		if p.tok.kind == tokOp && p.tok.text == "." {
			p.next()
			if p.tok.kind != tokIdent {
				return nil, p.errf("expected field name after .")
			}
			path = append(path, p.tok.text)
			p.next()
			continue
		}
		if p.tok.kind == tokOp && p.tok.text == "[" {
			p.next()
			if p.tok.kind != tokString {
				return nil, p.errf("expected string key inside [ ]")
			}
			path = append(path, p.tok.text)
			p.next()
			if p.tok.kind != tokOp || p.tok.text != "]" {
				return nil, p.errf("expected ]")
			}
			p.next()
			continue
		}
		break
	}
	if len(path) == 0 {
		return nil, p.errf("bare \"row\" is not a value; access a field like row.score")
	}
	return fieldNode{path: path}, nil
}
