package parser

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind classifies lexer output.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

// token is one lexical element. Value holds the lowercased identifier for
// unquoted idents, the exact text for quoted idents and everything else.
type token struct {
	kind   tokenKind
	value  string
	raw    string // source spelling, for expression reconstruction
	quoted bool   // double-quoted identifier
	line   int
}

func (t token) isKeyword(kw string) bool {
	return t.kind == tokIdent && !t.quoted && t.value == kw
}

func (t token) isOp(op string) bool {
	return t.kind == tokOp && t.value == op
}

// lexer tokenizes a PL/pgSQL body. Comments are skipped; strings keep
// their quotes in raw so expression text can be reassembled verbatim.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

// multi-character operators recognized as single tokens, longest first.
var multiOps = []string{":=", "..", "=>", "->>", "->", "#>>", "#>", ">=", "<=", "<>", "!=", "||", "::", "<<", ">>"}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}

	start := l.pos
	startLine := l.line
	c := l.src[l.pos]

	switch {
	case c == '\'' || (c == 'e' || c == 'E') && l.peekAt(1) == '\'':
		return l.lexString(startLine)
	case c == '$' && l.isDollarQuote():
		return l.lexDollarString(startLine)
	case c == '"':
		return l.lexQuotedIdent(startLine)
	case isIdentStart(rune(c)):
		for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
			l.pos++
		}
		raw := l.src[start:l.pos]
		return token{kind: tokIdent, value: strings.ToLower(raw), raw: raw, line: startLine}, nil
	case c >= '0' && c <= '9':
		return l.lexNumber(startLine)
	case c == '$' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
		raw := l.src[start:l.pos]
		return token{kind: tokIdent, value: raw, raw: raw, line: startLine}, nil
	default:
		for _, op := range multiOps {
			if strings.HasPrefix(l.src[l.pos:], op) {
				l.pos += len(op)
				return token{kind: tokOp, value: op, raw: op, line: startLine}, nil
			}
		}
		l.pos++
		op := string(c)
		return token{kind: tokOp, value: op, raw: op, line: startLine}, nil
	}
}

func (l *lexer) peekAt(n int) byte {
	if l.pos+n < len(l.src) {
		return l.src[l.pos+n]
	}
	return 0
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '-' && l.peekAt(1) == '-':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.peekAt(1) == '*':
			l.skipBlockComment()
		default:
			return
		}
	}
}

// Block comments nest, matching the server's lexer.
func (l *lexer) skipBlockComment() {
	depth := 0
	for l.pos < len(l.src) {
		if l.src[l.pos] == '/' && l.peekAt(1) == '*' {
			depth++
			l.pos += 2
			continue
		}
		if l.src[l.pos] == '*' && l.peekAt(1) == '/' {
			depth--
			l.pos += 2
			if depth == 0 {
				return
			}
			continue
		}
		if l.src[l.pos] == '\n' {
			l.line++
		}
		l.pos++
	}
}

func (l *lexer) lexString(startLine int) (token, error) {
	start := l.pos
	if l.src[l.pos] == 'e' || l.src[l.pos] == 'E' {
		l.pos++ // escape-string prefix
	}
	l.pos++ // opening quote
	escaped := strings.HasPrefix(strings.ToLower(l.src[start:]), "e'")
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\n' {
			l.line++
		}
		if escaped && c == '\\' {
			l.pos += 2
			continue
		}
		if c == '\'' {
			if l.peekAt(1) == '\'' {
				l.pos += 2
				continue
			}
			l.pos++
			raw := l.src[start:l.pos]
			return token{kind: tokString, value: raw, raw: raw, line: startLine}, nil
		}
		l.pos++
	}
	return token{}, fmt.Errorf("line %d: unterminated string literal", startLine)
}

// isDollarQuote reports whether pos starts a $tag$ opener rather than a
// positional parameter. The tag is empty or an identifier that cannot
// start with a digit; the scan stops at the closing dollar.
func (l *lexer) isDollarQuote() bool {
	i := l.pos + 1
	for i < len(l.src) && l.src[i] != '$' {
		c := rune(l.src[i])
		if !isIdentStart(c) && !unicode.IsDigit(c) {
			return false
		}
		if i == l.pos+1 && unicode.IsDigit(c) {
			return false
		}
		i++
	}
	return i < len(l.src)
}

func (l *lexer) lexDollarString(startLine int) (token, error) {
	start := l.pos
	end := strings.IndexByte(l.src[l.pos+1:], '$')
	tag := l.src[l.pos : l.pos+end+2]
	l.pos += len(tag)
	idx := strings.Index(l.src[l.pos:], tag)
	if idx < 0 {
		return token{}, fmt.Errorf("line %d: unterminated dollar-quoted string", startLine)
	}
	body := l.src[l.pos : l.pos+idx]
	l.line += strings.Count(body, "\n")
	l.pos += idx + len(tag)
	raw := l.src[start:l.pos]
	return token{kind: tokString, value: raw, raw: raw, line: startLine}, nil
}

func (l *lexer) lexQuotedIdent(startLine int) (token, error) {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) {
		if l.src[l.pos] == '"' {
			if l.peekAt(1) == '"' {
				l.pos += 2
				continue
			}
			l.pos++
			raw := l.src[start:l.pos]
			name := strings.ReplaceAll(raw[1:len(raw)-1], `""`, `"`)
			return token{kind: tokIdent, value: name, raw: raw, quoted: true, line: startLine}, nil
		}
		l.pos++
	}
	return token{}, fmt.Errorf("line %d: unterminated quoted identifier", startLine)
}

func (l *lexer) lexNumber(startLine int) (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' || c == 'e' || c == 'E' {
			l.pos++
			continue
		}
		// A dot is part of the number unless it starts a range operator.
		if c == '.' && l.peekAt(1) != '.' {
			l.pos++
			continue
		}
		break
	}
	raw := l.src[start:l.pos]
	return token{kind: tokNumber, value: raw, raw: raw, line: startLine}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
