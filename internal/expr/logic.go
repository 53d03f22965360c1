package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidLogic is wrapped by every error returned for a malformed indexed
// logic expression. These are configuration errors meant for the rule
// author and are never silently defaulted.
var ErrInvalidLogic = errors.New("invalid logic expression")

// LogicError describes where an indexed logic expression is malformed.
type LogicError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("%s %q at position %d: %s", ErrInvalidLogic, e.Expr, e.Pos, e.Msg)
}

func (e *LogicError) Unwrap() error { return ErrInvalidLogic }

type logicKind int

const (
	logicEOF logicKind = iota
	logicRef
	logicAnd
	logicOr
	logicNot
	logicLParen
	logicRParen
)

type logicToken struct {
	kind logicKind
	ref  int
	pos  int
	text string
}

// logicNode is a parsed indexed logic expression. ref > 0 marks a leaf.
type logicNode struct {
	kind        logicKind
	ref         int
	left, right *logicNode
}

// EvaluateLogic evaluates an indexed logic expression such as
// "1 AND (2 OR 3)" against results, where reference n denotes results[n-1].
// AND binds tighter than OR, NOT binds tightest, parentheses override.
// The whole expression is validated before evaluation so an out-of-range
// reference is reported even when short-circuiting would skip it.
func EvaluateLogic(src string, results []bool) (bool, error) {
	root, err := parseLogic(src, len(results))
	if err != nil {
		return false, err
	}
	return root.eval(results), nil
}

// ValidateLogic checks that src is a well-formed indexed logic expression
// whose references all fall within 1..n.
func ValidateLogic(src string, n int) error {
	_, err := parseLogic(src, n)
	return err
}

// DefaultLogic returns the expression combining n conditions with AND.
func DefaultLogic(n int) string {
	parts := make([]string, n)
	for i := range n {
		parts[i] = strconv.Itoa(i + 1)
	}
	return strings.Join(parts, " AND ")
}

func (n *logicNode) eval(results []bool) bool {
	switch n.kind {
	case logicRef:
		return results[n.ref-1]
	case logicNot:
		return !n.left.eval(results)
	case logicAnd:
		return n.left.eval(results) && n.right.eval(results)
	default:
		return n.left.eval(results) || n.right.eval(results)
	}
}

func lexLogic(src string) ([]logicToken, error) {
	var toks []logicToken
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, logicToken{kind: logicLParen, pos: i, text: "("})
			i++
		case c == ')':
			toks = append(toks, logicToken{kind: logicRParen, pos: i, text: ")"})
			i++
		case isDigit(c):
			start := i
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			n, err := strconv.Atoi(src[start:i])
			if err != nil {
				return nil, &LogicError{Expr: src, Pos: start, Msg: "reference is too large"}
			}
			toks = append(toks, logicToken{kind: logicRef, ref: n, pos: start, text: src[start:i]})
		case isLetter(c):
			start := i
			for i < len(src) && isLetter(src[i]) {
				i++
			}
			word := src[start:i]
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, logicToken{kind: logicAnd, pos: start, text: word})
			case "OR":
				toks = append(toks, logicToken{kind: logicOr, pos: start, text: word})
			case "NOT":
				toks = append(toks, logicToken{kind: logicNot, pos: start, text: word})
			default:
				return nil, &LogicError{Expr: src, Pos: start, Msg: fmt.Sprintf("unknown token %q", word)}
			}
		default:
			return nil, &LogicError{Expr: src, Pos: i, Msg: fmt.Sprintf("unknown token %q", c)}
		}
	}
	toks = append(toks, logicToken{kind: logicEOF, pos: len(src)})
	return toks, nil
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

type logicParser struct {
	src  string
	toks []logicToken
	pos  int
	n    int
}

func parseLogic(src string, n int) (*logicNode, error) {
	toks, err := lexLogic(src)
	if err != nil {
		return nil, err
	}
	if toks[0].kind == logicEOF {
		return nil, &LogicError{Expr: src, Pos: 0, Msg: "expression is empty"}
	}
	p := &logicParser{src: src, toks: toks, n: n}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != logicEOF {
		if t.kind == logicRParen {
			return nil, p.errorf(t, "unbalanced ')'")
		}
		return nil, p.errorf(t, fmt.Sprintf("unexpected %q", t.text))
	}
	return root, nil
}

func (p *logicParser) peek() logicToken { return p.toks[p.pos] }

func (p *logicParser) next() logicToken {
	t := p.toks[p.pos]
	if t.kind != logicEOF {
		p.pos++
	}
	return t
}

func (p *logicParser) errorf(t logicToken, msg string) error {
	return &LogicError{Expr: p.src, Pos: t.pos, Msg: msg}
}

func (p *logicParser) parseOr() (*logicNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == logicOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicNode{kind: logicOr, left: left, right: right}
	}
	return left, nil
}

func (p *logicParser) parseAnd() (*logicNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == logicAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicNode{kind: logicAnd, left: left, right: right}
	}
	return left, nil
}

func (p *logicParser) parseUnary() (*logicNode, error) {
	t := p.next()
	switch t.kind {
	case logicNot:
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &logicNode{kind: logicNot, left: x}, nil
	case logicRef:
		if t.ref < 1 || t.ref > p.n {
			return nil, p.errorf(t, fmt.Sprintf("reference %d is out of range 1..%d", t.ref, p.n))
		}
		return &logicNode{kind: logicRef, ref: t.ref}, nil
	case logicLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != logicRParen {
			return nil, p.errorf(closing, "unbalanced '(': missing ')'")
		}
		return inner, nil
	case logicEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	}
	return nil, p.errorf(t, fmt.Sprintf("unexpected %q", t.text))
}
