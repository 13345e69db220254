package routing

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"marketgate/models"
)

// Conditions are small boolean expressions evaluated against a read-only
// view of the request, e.g.
//
//	symbol == "BTCUSDT" and limit <= 500
//	data_type == "ohlcv" or (frequency == "1m" and not symbol == "ETHUSDT")
//
// Only comparisons and boolean connectives over the named request fields
// are accepted. Expressions are parsed once at rule registration; nothing
// is ever handed to a general-purpose interpreter.

// condValue is a typed operand: either a string or a number.
type condValue struct {
	str      string
	num      float64
	isString bool
}

// requestView exposes the request fields a condition may reference.
// Unset times evaluate as 0 so conditions like `start_time > 0` can test
// for their presence.
func requestView(req *models.DataRequest) map[string]condValue {
	view := map[string]condValue{
		"symbol":    {str: req.Symbol, isString: true},
		"data_type": {str: string(req.DataType), isString: true},
		"frequency": {str: req.Frequency, isString: true},
		"limit":     {num: float64(req.Limit)},
	}
	if req.StartTime != nil {
		view["start_time"] = condValue{num: float64(req.StartTime.Unix())}
	} else {
		view["start_time"] = condValue{}
	}
	if req.EndTime != nil {
		view["end_time"] = condValue{num: float64(req.EndTime.Unix())}
	} else {
		view["end_time"] = condValue{}
	}
	return view
}

// condNode is one node of the parsed expression tree.
type condNode interface {
	eval(view map[string]condValue) (bool, error)
}

type andNode struct{ left, right condNode }
type orNode struct{ left, right condNode }
type notNode struct{ inner condNode }

type compareNode struct {
	op    string
	left  condOperand
	right condOperand
}

type condOperand struct {
	field   string // set when the operand names a request field
	literal condValue
}

func (n *andNode) eval(view map[string]condValue) (bool, error) {
	l, err := n.left.eval(view)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.right.eval(view)
}

func (n *orNode) eval(view map[string]condValue) (bool, error) {
	l, err := n.left.eval(view)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.eval(view)
}

func (n *notNode) eval(view map[string]condValue) (bool, error) {
	v, err := n.inner.eval(view)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func (o condOperand) resolve(view map[string]condValue) (condValue, error) {
	if o.field == "" {
		return o.literal, nil
	}
	v, ok := view[o.field]
	if !ok {
		return condValue{}, fmt.Errorf("unknown field %q", o.field)
	}
	return v, nil
}

func (n *compareNode) eval(view map[string]condValue) (bool, error) {
	left, err := n.left.resolve(view)
	if err != nil {
		return false, err
	}
	right, err := n.right.resolve(view)
	if err != nil {
		return false, err
	}
	if left.isString != right.isString {
		return false, fmt.Errorf("type mismatch in comparison %q", n.op)
	}

	var cmp int
	if left.isString {
		cmp = strings.Compare(left.str, right.str)
	} else {
		switch {
		case left.num < right.num:
			cmp = -1
		case left.num > right.num:
			cmp = 1
		}
	}

	switch n.op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", n.op)
}

// --- lexer ---

type condToken struct {
	kind string // ident, string, number, op, lparen, rparen
	text string
}

func lexCondition(input string) ([]condToken, error) {
	var tokens []condToken
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, condToken{kind: "lparen"})
			i++
		case r == ')':
			tokens = append(tokens, condToken{kind: "rparen"})
			i++
		case r == '"' || r == '\'':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string literal at offset %d", i)
			}
			tokens = append(tokens, condToken{kind: "string", text: string(runes[i+1 : j])})
			i = j + 1
		case strings.ContainsRune("=!<>", r):
			j := i + 1
			if j < len(runes) && runes[j] == '=' {
				j++
			}
			op := string(runes[i:j])
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
				tokens = append(tokens, condToken{kind: "op", text: op})
			default:
				return nil, fmt.Errorf("invalid operator %q at offset %d", op, i)
			}
			i = j
		case unicode.IsDigit(r) || r == '-' || r == '.':
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, condToken{kind: "number", text: string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, condToken{kind: "ident", text: string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return tokens, nil
}

// --- parser ---

type condParser struct {
	tokens []condToken
	pos    int
}

// parseCondition compiles an expression into its tree form. An empty input
// is rejected; rules without a condition simply leave it unset.
func parseCondition(input string) (condNode, error) {
	tokens, err := lexCondition(input)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &condParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos].text)
	}
	return node, nil
}

func (p *condParser) peek() (condToken, bool) {
	if p.pos >= len(p.tokens) {
		return condToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "ident" || strings.ToLower(tok.text) != "or" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "ident" || strings.ToLower(tok.text) != "and" {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
}

func (p *condParser) parseUnary() (condNode, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	if tok.kind == "ident" && strings.ToLower(tok.text) == "not" {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	if tok.kind == "lparen" {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		next, ok := p.peek()
		if !ok || next.kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.parseComparison()
}

var condFields = map[string]struct{}{
	"symbol":     {},
	"data_type":  {},
	"frequency":  {},
	"start_time": {},
	"end_time":   {},
	"limit":      {},
}

func (p *condParser) parseComparison() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	tok, ok := p.peek()
	if !ok || tok.kind != "op" {
		return nil, fmt.Errorf("expected comparison operator")
	}
	p.pos++
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: tok.text, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (condOperand, error) {
	tok, ok := p.peek()
	if !ok {
		return condOperand{}, fmt.Errorf("unexpected end of condition")
	}
	p.pos++
	switch tok.kind {
	case "ident":
		name := strings.ToLower(tok.text)
		if _, ok := condFields[name]; !ok {
			return condOperand{}, fmt.Errorf("unknown field %q", tok.text)
		}
		return condOperand{field: name}, nil
	case "string":
		return condOperand{literal: condValue{str: tok.text, isString: true}}, nil
	case "number":
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return condOperand{}, fmt.Errorf("invalid number %q", tok.text)
		}
		return condOperand{literal: condValue{num: f}}, nil
	}
	return condOperand{}, fmt.Errorf("unexpected token in operand position")
}
