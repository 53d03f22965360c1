// Package expr implements the two boolean expression families used by the
// engine: payload predicates (trigger filters and eval conditions) and
// indexed logic expressions over pre-computed condition results.
//
// Payload predicates are parsed by a small recursive-descent parser into a
// tree of comparisons, boolean combinators and field-path lookups. Nothing
// from user input is ever compiled to or executed as host code.
package expr

import (
	"errors"
	"fmt"
	"math"
)

// ErrMissingField is returned when a predicate references a path that does
// not exist in the evaluation context.
var ErrMissingField = errors.New("expr: missing field")

// Program is a parsed payload predicate, safe for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// String returns the source text the program was compiled from.
func (p *Program) String() string { return p.src }

// Compile parses a payload predicate.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("expr: empty expression")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("expr: unexpected %q at position %d", t.text, t.pos)
	}
	return &Program{src: src, root: root}, nil
}

// Eval evaluates the program against ctx and returns its truthiness.
func (p *Program) Eval(ctx map[string]any) (bool, error) {
	v, err := p.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate compiles and evaluates src against ctx.
func Evaluate(src string, ctx map[string]any) (bool, error) {
	prog, err := Compile(src)
	if err != nil {
		return false, err
	}
	return prog.Eval(ctx)
}

// Match evaluates src against ctx and fails closed: a malformed expression,
// a missing field or a type mismatch all yield false.
func Match(src string, ctx map[string]any) bool {
	ok, err := Evaluate(src, ctx)
	return err == nil && ok
}

// ---- parser -------------------------------------------------------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, fmt.Errorf("expr: expected %s at end of expression", what)
		}
		return t, fmt.Errorf("expr: expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch op := p.peek(); op.kind {
	case tokEq, tokNeq, tokLt, tokLte, tokGt, tokGte, tokContains, tokIn, tokStartsWith, tokEndsWith:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op.kind, opText: op.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literal{t.num}, nil
	case tokString:
		return literal{t.text}, nil
	case tokTrue:
		return literal{true}, nil
	case tokFalse:
		return literal{false}, nil
	case tokNull:
		return literal{nil}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		return p.parsePath(t)
	case tokEOF:
		return nil, fmt.Errorf("expr: unexpected end of expression")
	}
	return nil, fmt.Errorf("expr: unexpected %q at position %d", t.text, t.pos)
}

func (p *parser) parseList() (node, error) {
	var items []node
	if p.peek().kind == tokRBracket {
		p.next()
		return listNode{items}, nil
	}
	for {
		item, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		t := p.next()
		if t.kind == tokRBracket {
			return listNode{items}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expr: expected ',' or ']' at position %d", t.pos)
		}
	}
}

func (p *parser) parsePath(first token) (node, error) {
	segs := []segment{{key: first.text}}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			switch t.kind {
			case tokIdent, tokContains, tokIn, tokStartsWith, tokEndsWith, tokTrue, tokFalse, tokNull, tokAnd, tokOr, tokNot:
				segs = append(segs, segment{key: t.text})
			case tokNumber:
				idx, err := asIndex(t)
				if err != nil {
					return nil, err
				}
				segs = append(segs, segment{index: idx, isIndex: true})
			default:
				return nil, fmt.Errorf("expr: expected field name after '.' at position %d", t.pos)
			}
		case tokLBracket:
			p.next()
			t := p.next()
			switch t.kind {
			case tokNumber:
				idx, err := asIndex(t)
				if err != nil {
					return nil, err
				}
				segs = append(segs, segment{index: idx, isIndex: true})
			case tokString:
				segs = append(segs, segment{key: t.text})
			default:
				return nil, fmt.Errorf("expr: expected index or key at position %d", t.pos)
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
		default:
			return pathNode{segs: segs}, nil
		}
	}
}

func asIndex(t token) (int, error) {
	if t.num < 0 || t.num != math.Trunc(t.num) {
		return 0, fmt.Errorf("expr: invalid index %q at position %d", t.text, t.pos)
	}
	return int(t.num), nil
}
