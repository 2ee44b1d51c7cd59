package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/parser"
)

// pragmaFunc is the marker function whose calls carry analysis
// directives instead of runtime behavior.
const pragmaFunc = "plpgcheck_pragma"

// pragmaCall extracts the directive strings from a PERFORM or SELECT of
// the pragma function. Returns nil when the query is not a pragma call.
func pragmaCall(sql string) []string {
	toks, err := parser.TokenizeSQL(sql)
	if err != nil {
		return nil
	}
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].Kind == parser.TokenIdent && toks[i].Value == pragmaFunc &&
			toks[i+1].Kind == parser.TokenOp && toks[i+1].Value == "(" {
			end := matchParen(toks, i+1, len(toks))
			if end < 0 {
				return nil
			}
			var out []string
			for _, arg := range splitArgs(toks, i+2, end) {
				if len(arg) == 1 && arg[0].Kind == parser.TokenString {
					out = append(out, arg[0].Text())
				}
			}
			if out == nil {
				out = []string{}
			}
			return out
		}
	}
	return nil
}

// applyPragma interprets one directive against the vector in force.
// Malformed directives produce a warning and change nothing.
func (e *Engine) applyPragma(ctx context.Context, s *state, c *diag.Collector, directive string, lineNo int) error {
	text := strings.TrimSpace(directive)
	name, rest := text, ""
	if i := strings.IndexByte(text, ':'); i >= 0 {
		name, rest = text[:i], text[i+1:]
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	rest = strings.TrimSpace(rest)

	switch name {
	case "ECHO":
		return e.report(s, c, diag.Diagnostic{
			Severity: diag.Warning,
			LineNo:   lineNo,
			Message:  rest,
		})

	case "STATUS":
		cat := strings.ToUpper(rest)
		enabled, ok := s.pragmaStatus(e.cfg, cat)
		if !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		return e.report(s, c, diag.Diagnostic{
			Severity: diag.Warning,
			LineNo:   lineNo,
			Message:  fmt.Sprintf("%s is %s", strings.ToLower(cat), onOff(enabled)),
		})

	case "ENABLE", "DISABLE":
		if !s.setPragmaCategory(strings.ToUpper(rest), name == "DISABLE") {
			return e.pragmaError(s, c, lineNo, text)
		}
		return nil

	case "TYPE", "TABLE":
		rel, ok := parsePragmaRelation(rest)
		if !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		s.declaredTables[rel] = true
		return nil

	case "SEQUENCE":
		rel, ok := parsePragmaName(rest)
		if !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		s.declaredTables[rel] = true
		return nil

	case "ASSERT-SCHEMA":
		if _, ok := parsePragmaName(rest); !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		return nil

	case "ASSERT-TABLE":
		rel, ok := parsePragmaName(rest)
		if !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		return e.assertRelation(ctx, s, c, lineNo, rel, "")

	case "ASSERT-COLUMN":
		rel, col, ok := parsePragmaColumn(rest)
		if !ok {
			return e.pragmaError(s, c, lineNo, text)
		}
		return e.assertRelation(ctx, s, c, lineNo, rel, col)
	}

	return e.pragmaError(s, c, lineNo, text)
}

func (e *Engine) pragmaError(s *state, c *diag.Collector, lineNo int, text string) error {
	return e.report(s, c, diag.Diagnostic{
		Severity: diag.Warning,
		LineNo:   lineNo,
		Message:  fmt.Sprintf("cannot process pragma \"%s\"", text),
	})
}

// assertRelation verifies a relation (and optionally a column) exists
// by compiling a probe query. Without a plan service the assertion is
// skipped.
func (e *Engine) assertRelation(ctx context.Context, s *state, c *diag.Collector, lineNo int, rel, col string) error {
	if e.service == nil {
		return nil
	}
	probe := fmt.Sprintf("SELECT 1 FROM %s", rel)
	if col != "" {
		probe = fmt.Sprintf("SELECT %s FROM %s", col, rel)
	}
	if _, err := e.service.Describe(ctx, probe, nil, plan.Options{}); err != nil {
		if f, ok := planFailure(err); ok {
			return e.report(s, c, diag.Diagnostic{
				Code:     f.Code,
				Severity: diag.Error,
				LineNo:   lineNo,
				Message:  f.Message,
				Detail:   f.Detail,
				Hint:     f.Hint,
			})
		}
		return err
	}
	return nil
}

// pragmaStatus reports the effective state of one category: the
// configuration toggle combined with the vector in force, the same
// conjunction severityEnabled applies.
func (s *state) pragmaStatus(cfg Config, cat string) (enabled, known bool) {
	p := s.pragma()
	switch cat {
	case "CHECK":
		return !p.disableCheck, true
	case "TRACER":
		return !p.disableTracer, true
	case "OTHER_WARNINGS":
		return cfg.OtherWarnings && !p.disableOther, true
	case "PERFORMANCE_WARNINGS":
		return cfg.PerformanceWarnings && !p.disablePerformance, true
	case "EXTRA_WARNINGS":
		return cfg.ExtraWarnings && !p.disableExtra, true
	case "SECURITY_WARNINGS":
		return cfg.SecurityWarnings && !p.disableSecurity, true
	case "COMPATIBILITY_WARNINGS":
		return cfg.CompatibilityWarnings && !p.disableCompatibility, true
	case "CONSTANTS_TRACING":
		return cfg.ConstantsTracing && !p.disableConstTracing, true
	}
	return false, false
}

func (s *state) setPragmaCategory(cat string, disable bool) bool {
	p := s.pragma()
	switch cat {
	case "CHECK":
		p.disableCheck = disable
	case "TRACER":
		p.disableTracer = disable
	case "OTHER_WARNINGS":
		p.disableOther = disable
	case "PERFORMANCE_WARNINGS":
		p.disablePerformance = disable
	case "EXTRA_WARNINGS":
		p.disableExtra = disable
	case "SECURITY_WARNINGS":
		p.disableSecurity = disable
	case "COMPATIBILITY_WARNINGS":
		p.disableCompatibility = disable
	case "CONSTANTS_TRACING":
		p.disableConstTracing = disable
	default:
		return false
	}
	return true
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// parsePragmaName parses `ident ('.' ident)?`.
func parsePragmaName(text string) (string, bool) {
	toks, err := parser.TokenizeSQL(text)
	if err != nil {
		return "", false
	}
	i := 0
	name, ok := pragmaIdent(toks, &i)
	if !ok {
		return "", false
	}
	if i < len(toks) && toks[i].Kind == parser.TokenOp && toks[i].Value == "." {
		i++
		second, ok := pragmaIdent(toks, &i)
		if !ok {
			return "", false
		}
		name = name + "." + second
	}
	if i != len(toks) {
		return "", false
	}
	return name, true
}

// parsePragmaRelation parses `name type` or `name (field type, ...)`.
// Only the relation name matters to the analysis; the shape is checked
// for well-formedness and discarded.
func parsePragmaRelation(text string) (string, bool) {
	toks, err := parser.TokenizeSQL(text)
	if err != nil {
		return "", false
	}
	i := 0
	name, ok := pragmaIdent(toks, &i)
	if !ok {
		return "", false
	}
	if i < len(toks) && toks[i].Kind == parser.TokenOp && toks[i].Value == "." {
		i++
		second, ok := pragmaIdent(toks, &i)
		if !ok {
			return "", false
		}
		name = name + "." + second
	}
	if i >= len(toks) {
		return "", false
	}
	if toks[i].Kind == parser.TokenOp && toks[i].Value == "(" {
		end := matchParen(toks, i, len(toks))
		if end != len(toks)-1 {
			return "", false
		}
		for _, field := range splitArgs(toks, i+1, end) {
			if len(field) < 2 || field[0].Kind != parser.TokenIdent {
				return "", false
			}
		}
		return name, true
	}
	// bare type: one or more identifiers
	for ; i < len(toks); i++ {
		if toks[i].Kind != parser.TokenIdent &&
			!(toks[i].Kind == parser.TokenOp && (toks[i].Value == "[" || toks[i].Value == "]")) {
			return "", false
		}
	}
	return name, true
}

// parsePragmaColumn parses `name '.' column` where name itself may be
// schema qualified; the last component is the column.
func parsePragmaColumn(text string) (rel, col string, ok bool) {
	name, ok := parsePragmaName(text)
	if ok {
		// two components: table.column
		if i := strings.IndexByte(name, '.'); i >= 0 {
			return name[:i], name[i+1:], true
		}
		return "", "", false
	}
	// three components: schema.table.column
	toks, err := parser.TokenizeSQL(text)
	if err != nil {
		return "", "", false
	}
	var parts []string
	i := 0
	for {
		id, idOK := pragmaIdent(toks, &i)
		if !idOK {
			return "", "", false
		}
		parts = append(parts, id)
		if i == len(toks) {
			break
		}
		if toks[i].Kind != parser.TokenOp || toks[i].Value != "." {
			return "", "", false
		}
		i++
	}
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0] + "." + parts[1], parts[2], true
}

func pragmaIdent(toks []parser.SQLToken, i *int) (string, bool) {
	if *i >= len(toks) || toks[*i].Kind != parser.TokenIdent {
		return "", false
	}
	v := toks[*i].Value
	*i++
	return v, true
}
