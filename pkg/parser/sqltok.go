package parser

import "strings"

// TokenKind classifies tokens returned by TokenizeSQL.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenNumber
	TokenString
	TokenOp
)

// SQLToken is one lexical element of an SQL fragment. Value is lowercased
// for unquoted identifiers; Raw preserves the source spelling. String
// values keep their quotes.
type SQLToken struct {
	Kind   TokenKind
	Value  string
	Raw    string
	Quoted bool
	Line   int
}

// TokenizeSQL lexes an SQL fragment with the same rules the statement
// parser uses (dollar quoting, nested comments, escape strings). The
// expression checker reuses it for constant detection, pragma
// recognition and the injection-safety walk.
func TokenizeSQL(sql string) ([]SQLToken, error) {
	lx := newLexer(sql)
	var out []SQLToken
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		if t.kind == tokEOF {
			return out, nil
		}
		out = append(out, SQLToken{
			Kind:   exportKind(t.kind),
			Value:  t.value,
			Raw:    t.raw,
			Quoted: t.quoted,
			Line:   t.line,
		})
	}
}

// Text returns the content of a string token with quoting removed, and
// Value unchanged for every other kind.
func (t SQLToken) Text() string {
	if t.Kind != TokenString {
		return t.Value
	}
	s := t.Value
	switch {
	case strings.HasPrefix(s, "$"):
		if i := strings.IndexByte(s[1:], '$'); i >= 0 {
			tag := s[:i+2]
			body := strings.TrimPrefix(s, tag)
			return strings.TrimSuffix(body, tag)
		}
	case strings.HasPrefix(strings.ToLower(s), "e'"):
		return strings.ReplaceAll(strings.TrimSuffix(s[2:], "'"), "''", "'")
	case strings.HasPrefix(s, "'"):
		return strings.ReplaceAll(strings.TrimSuffix(s[1:], "'"), "''", "'")
	}
	return s
}

func exportKind(k tokenKind) TokenKind {
	switch k {
	case tokNumber:
		return TokenNumber
	case tokString:
		return TokenString
	case tokOp:
		return TokenOp
	default:
		return TokenIdent
	}
}
