package engine

import (
	"context"
	"strings"

	"github.com/plpgcheck/plpgcheck/pkg/parser"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// quotingFuncs are the sanitizers that make an interpolated value safe
// to splice into dynamic SQL.
var quotingFuncs = map[string]bool{
	"quote_ident":    true,
	"quote_literal":  true,
	"quote_nullable": true,
}

// exprSafety classifies an expression that feeds dynamic SQL. The walk
// is lexical: it asks whether every fragment that reaches the query text
// is either a literal, a sanitized value, or a variable that cannot
// carry attacker-controlled text.
func (e *Engine) exprSafety(ctx context.Context, s *state, sql string) bool {
	toks, err := parser.TokenizeSQL(sql)
	if err != nil {
		return false
	}
	safe, _ := e.tokensSafe(ctx, s, toks, 0, len(toks))
	return safe
}

// tokensSafe evaluates the token window [lo, hi). The grammar it
// understands is the one dynamic query expressions actually use:
// string literals, sanitizer calls, format() with a constant template,
// concatenation with ||, parenthesized groups and variable references.
func (e *Engine) tokensSafe(ctx context.Context, s *state, toks []parser.SQLToken, lo, hi int) (safe bool, next int) {
	i := lo
	sawOperand := false
	for i < hi {
		t := toks[i]
		switch {
		case t.Kind == parser.TokenString || t.Kind == parser.TokenNumber:
			i++
			sawOperand = true

		case t.Kind == parser.TokenOp && t.Value == "||":
			i++

		case t.Kind == parser.TokenOp && t.Value == "(":
			end := matchParen(toks, i, hi)
			if end < 0 {
				return false, hi
			}
			ok, _ := e.tokensSafe(ctx, s, toks, i+1, end)
			if !ok {
				return false, hi
			}
			i = end + 1
			sawOperand = true

		case t.Kind == parser.TokenOp && t.Value == "::":
			// a cast target follows; skip the type name tokens
			i++
			for i < hi && toks[i].Kind == parser.TokenIdent {
				i++
			}

		case t.Kind == parser.TokenIdent:
			name := t.Value
			if i+1 < hi && toks[i+1].Kind == parser.TokenOp && toks[i+1].Value == "(" {
				end := matchParen(toks, i+1, hi)
				if end < 0 {
					return false, hi
				}
				if quotingFuncs[name] {
					i = end + 1
					sawOperand = true
					continue
				}
				if name == "format" {
					if !e.formatSafe(ctx, s, toks, i+2, end) {
						return false, hi
					}
					i = end + 1
					sawOperand = true
					continue
				}
				// unknown function over unknown inputs
				return false, hi
			}
			if !e.identSafe(ctx, s, toks, &i, hi) {
				return false, hi
			}
			sawOperand = true

		default:
			return false, hi
		}
	}
	return sawOperand || lo == hi, hi
}

// identSafe evaluates one (possibly qualified) variable reference at
// *i, advancing past it. A reference is safe when the variable is not
// tainted and either is sanitizer-derived or has a non-string type.
func (e *Engine) identSafe(ctx context.Context, s *state, toks []parser.SQLToken, i *int, hi int) bool {
	name := toks[*i].Value
	*i++
	if *i+1 < hi && toks[*i].Kind == parser.TokenOp && toks[*i].Value == "." &&
		toks[*i+1].Kind == parser.TokenIdent {
		name = name + "." + toks[*i+1].Value
		*i += 2
	}

	slot := s.slotByName(name)
	if slot < 0 {
		// not a variable; an unqualified column or keyword contributes
		// nothing attacker controlled
		return true
	}
	if s.tainted.Has(slot) {
		return false
	}
	if s.safe.Has(slot) {
		return true
	}
	v := s.proc.Var(slot)
	if v == nil || v.Type == "" {
		return false
	}
	if e.resolver == nil {
		return false
	}
	cat, err := e.resolver.TypeCategory(ctx, v.Type)
	if err != nil {
		return false
	}
	// string-category values can smuggle SQL text; everything else is
	// rendered by output functions with fixed grammars
	return cat != 'S'
}

// formatSafe checks a format() call: the template must be a literal and
// every %s argument must itself be safe (%I and %L quote on their own).
func (e *Engine) formatSafe(ctx context.Context, s *state, toks []parser.SQLToken, lo, hi int) bool {
	if lo >= hi || toks[lo].Kind != parser.TokenString {
		return false
	}
	template := toks[lo].Text()
	specs := formatSpecs(template)

	args := splitArgs(toks, lo+1, hi)
	// args begin after the comma following the template
	if len(args) > 0 && len(args[0]) == 0 {
		args = args[1:]
	}
	for idx, spec := range specs {
		if spec != 's' {
			continue
		}
		if idx >= len(args) {
			return false
		}
		ok, _ := e.tokensSafe(ctx, s, args[idx], 0, len(args[idx]))
		if !ok {
			return false
		}
	}
	return true
}

// formatSpecs extracts the conversion letters of a format template.
func formatSpecs(template string) []byte {
	var out []byte
	for i := 0; i < len(template); i++ {
		if template[i] != '%' {
			continue
		}
		i++
		if i >= len(template) {
			break
		}
		if template[i] == '%' {
			continue
		}
		// skip position (n$) and flags
		for i < len(template) && (template[i] >= '0' && template[i] <= '9' || template[i] == '$' || template[i] == '-') {
			i++
		}
		if i < len(template) {
			out = append(out, template[i])
		}
	}
	return out
}

// splitArgs splits the token window on top-level commas.
func splitArgs(toks []parser.SQLToken, lo, hi int) [][]parser.SQLToken {
	var out [][]parser.SQLToken
	depth := 0
	start := lo
	for i := lo; i < hi; i++ {
		t := toks[i]
		if t.Kind != parser.TokenOp {
			continue
		}
		switch t.Value {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		case ",":
			if depth == 0 {
				out = append(out, toks[start:i])
				start = i + 1
			}
		}
	}
	if start < hi {
		out = append(out, toks[start:hi])
	}
	return out
}

// matchParen returns the index of the ')' closing the '(' at open, or
// -1 when unbalanced.
func matchParen(toks []parser.SQLToken, open, hi int) int {
	depth := 0
	for i := open; i < hi; i++ {
		if toks[i].Kind != parser.TokenOp {
			continue
		}
		switch toks[i].Value {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// assignmentSafety updates the sanitizer-derived and tainted facts after
// a variable assignment. Taint is monotonic: once a slot is tainted it
// stays tainted even if a later assignment stores a sanitized value.
func (e *Engine) assignmentSafety(ctx context.Context, s *state, target int, sql string) {
	if target < 0 {
		return
	}
	if e.exprSafety(ctx, s, sql) {
		if !s.tainted.Has(target) {
			s.safe.Add(target)
		}
		return
	}
	s.safe.Remove(target)
	if exprMentionsExternal(s, sql) {
		s.tainted.Add(target)
	}
}

// exprMentionsExternal reports whether the expression reads anything
// beyond clean local values: a parameter, a tainted variable, or a
// query result. Such reads are what make an unsafe value dangerous
// rather than merely unproven.
func exprMentionsExternal(s *state, sql string) bool {
	toks, err := parser.TokenizeSQL(sql)
	if err != nil {
		return true
	}
	for i, t := range toks {
		if t.Kind != parser.TokenIdent {
			continue
		}
		if i > 0 && toks[i-1].Kind == parser.TokenOp && toks[i-1].Value == "." {
			continue
		}
		name := t.Value
		if i+2 < len(toks) && toks[i+1].Kind == parser.TokenOp && toks[i+1].Value == "." &&
			toks[i+2].Kind == parser.TokenIdent {
			name = name + "." + toks[i+2].Value
		}
		slot := s.slotByName(name)
		if slot < 0 {
			continue
		}
		if s.tainted.Has(slot) {
			return true
		}
		v := s.proc.Var(slot)
		if v != nil && v.Mode != plast.ModeNone {
			return true
		}
		if _, isConst := s.consts[slot]; !isConst && !s.safe.Has(slot) {
			return true
		}
	}
	return false
}

// slotByName resolves a lowercased, optionally dot-qualified name to a
// slot, searching record fields too.
func (s *state) slotByName(name string) int {
	name = strings.ToLower(name)
	base := name
	var field string
	if i := strings.IndexByte(name, '.'); i >= 0 {
		base, field = name[:i], name[i+1:]
	}
	for i := range s.proc.Vars {
		v := &s.proc.Vars[i]
		if v.Kind == plast.VarRecordField && field != "" {
			if v.FieldName == field && v.Parent >= 0 {
				p := s.proc.Var(v.Parent)
				if p != nil && p.Name == base {
					return v.Slot
				}
			}
			continue
		}
		if v.Name == name || (field == "" && v.Name == base) {
			return v.Slot
		}
	}
	// fall back to the record itself for unresolved field refs
	if field != "" {
		for i := range s.proc.Vars {
			v := &s.proc.Vars[i]
			if v.Name == base {
				return v.Slot
			}
		}
	}
	return -1
}
