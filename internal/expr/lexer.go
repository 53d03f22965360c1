package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokContains
	tokIn
	tokStartsWith
	tokEndsWith
	tokTrue
	tokFalse
	tokNull
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// wordTokens maps reserved words to their token kind. Boolean combinators
// are matched case-insensitively; everything else is exact.
var wordTokens = map[string]tokenKind{
	"contains":   tokContains,
	"in":         tokIn,
	"startsWith": tokStartsWith,
	"endsWith":   tokEndsWith,
	"true":       tokTrue,
	"false":      tokFalse,
	"null":       tokNull,
	"nil":        tokNull,
}

// lex splits a payload predicate into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '.' && !(i+1 < len(src) && isDigit(src[i+1]) && (len(toks) == 0 || !isPathEnd(toks[len(toks)-1]))):
			toks = append(toks, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == '&' || c == '|' || c == '=' || c == '!' || c == '<' || c == '>':
			t, n, err := lexOperator(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, t)
			i += n
		case c == '"' || c == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
		case isDigit(c) || c == '.' || (c == '-' && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.') && (len(toks) == 0 || !isOperand(toks[len(toks)-1]))):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("expr: invalid number %q at position %d", src[start:i], start)
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: f, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			toks = append(toks, wordToken(word, start))
		default:
			return nil, fmt.Errorf("expr: unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func wordToken(word string, pos int) token {
	switch strings.ToUpper(word) {
	case "AND":
		return token{kind: tokAnd, text: word, pos: pos}
	case "OR":
		return token{kind: tokOr, text: word, pos: pos}
	case "NOT":
		return token{kind: tokNot, text: word, pos: pos}
	}
	if k, ok := wordTokens[word]; ok {
		return token{kind: k, text: word, pos: pos}
	}
	return token{kind: tokIdent, text: word, pos: pos}
}

func lexOperator(src string, i int) (token, int, error) {
	two := ""
	if i+1 < len(src) {
		two = src[i : i+2]
	}
	switch two {
	case "&&":
		return token{kind: tokAnd, text: two, pos: i}, 2, nil
	case "||":
		return token{kind: tokOr, text: two, pos: i}, 2, nil
	case "==":
		if i+2 < len(src) && src[i+2] == '=' {
			return token{kind: tokEq, text: "===", pos: i}, 3, nil
		}
		return token{kind: tokEq, text: two, pos: i}, 2, nil
	case "!=":
		if i+2 < len(src) && src[i+2] == '=' {
			return token{kind: tokNeq, text: "!==", pos: i}, 3, nil
		}
		return token{kind: tokNeq, text: two, pos: i}, 2, nil
	case "<=":
		return token{kind: tokLte, text: two, pos: i}, 2, nil
	case ">=":
		return token{kind: tokGte, text: two, pos: i}, 2, nil
	}
	switch src[i] {
	case '!':
		return token{kind: tokNot, text: "!", pos: i}, 1, nil
	case '<':
		return token{kind: tokLt, text: "<", pos: i}, 1, nil
	case '>':
		return token{kind: tokGt, text: ">", pos: i}, 1, nil
	}
	return token{}, 0, fmt.Errorf("expr: unexpected operator %q at position %d", src[i], i)
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i - start + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return "", 0, fmt.Errorf("expr: unterminated string starting at position %d", start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) }

// isPathEnd reports whether t can be followed by a ".field" segment.
func isPathEnd(t token) bool {
	return t.kind == tokIdent || t.kind == tokRBracket || t.kind == tokRParen
}

// isOperand reports whether t ends an operand, in which case a following
// '-' cannot start a negative literal.
func isOperand(t token) bool {
	switch t.kind {
	case tokIdent, tokNumber, tokString, tokRParen, tokRBracket, tokTrue, tokFalse, tokNull:
		return true
	}
	return false
}
