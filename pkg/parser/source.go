package parser

import (
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Routine is one CREATE FUNCTION/PROCEDURE extracted from SQL source.
type Routine struct {
	Signature Signature
	Body      string
	LineNo    int
}

// ParseCreateFunction extracts the signature and the PL/pgSQL body from a
// single CREATE [OR REPLACE] FUNCTION/PROCEDURE statement. Only LANGUAGE
// plpgsql routines are accepted.
func ParseCreateFunction(src string) (*Routine, error) {
	rs, err := ExtractRoutines(src)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no CREATE FUNCTION statement found")
	}
	if len(rs) > 1 {
		return nil, fmt.Errorf("expected a single CREATE FUNCTION statement, found %d", len(rs))
	}
	return &rs[0], nil
}

// ExtractRoutines scans SQL source for CREATE FUNCTION/PROCEDURE
// statements and returns the plpgsql ones. Other statements are skipped.
func ExtractRoutines(src string) ([]Routine, error) {
	lx := newLexer(src)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}

	var out []Routine
	for i := 0; i < len(toks); i++ {
		if !toks[i].isKeyword("create") {
			continue
		}
		j := i + 1
		if toks[j].isKeyword("or") && toks[j+1].isKeyword("replace") {
			j += 2
		}
		isProc := toks[j].isKeyword("procedure")
		if !toks[j].isKeyword("function") && !isProc {
			continue
		}
		r, next, err := parseRoutineHeader(toks, j+1, isProc)
		if err != nil {
			return nil, err
		}
		if r != nil {
			r.LineNo = toks[i].line
			out = append(out, *r)
		}
		i = next
	}
	return out, nil
}

// parseRoutineHeader parses from the routine name through the closing
// attribute list. Returns nil (no error) for non-plpgsql routines.
func parseRoutineHeader(toks []token, i int, isProc bool) (*Routine, int, error) {
	sig := Signature{Kind: plast.KindFunction, Volatility: plast.Volatile}
	if isProc {
		sig.Kind = plast.KindProcedure
	}

	// qualified name
	var nameParts []string
	for toks[i].kind == tokIdent {
		nameParts = append(nameParts, toks[i].value)
		i++
		if toks[i].isOp(".") {
			i++
			continue
		}
		break
	}
	sig.Name = strings.Join(nameParts, ".")

	if !toks[i].isOp("(") {
		return nil, i, fmt.Errorf("line %d: expected argument list for %s", toks[i].line, sig.Name)
	}
	args, i, err := parseArgList(toks, i)
	if err != nil {
		return nil, i, err
	}
	sig.Args = args

	var body string
	var haveBody bool
	language := ""
	for ; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokEOF, t.isOp(";"):
			goto done
		case t.isKeyword("returns"):
			i++
			if toks[i].isKeyword("setof") {
				sig.ReturnsSet = true
				i++
			}
			if toks[i].isKeyword("table") {
				sig.ReturnsSet = true
				sig.ReturnType = "record"
				sig.Returns = true
				// skip the column list
				depth := 0
				for ; i < len(toks); i++ {
					if toks[i].isOp("(") {
						depth++
					}
					if toks[i].isOp(")") {
						depth--
						if depth == 0 {
							break
						}
					}
				}
				continue
			}
			var parts []string
			for (toks[i].kind == tokIdent || toks[i].isOp(".") || toks[i].isOp("[") || toks[i].isOp("]")) &&
				!isAttributeKeyword(toks[i].value) {
				parts = append(parts, toks[i].raw)
				i++
			}
			i--
			sig.ReturnType = strings.Join(parts, "")
			sig.Returns = !strings.EqualFold(sig.ReturnType, "void")
			switch strings.ToLower(sig.ReturnType) {
			case "trigger":
				sig.Kind = plast.KindTrigger
				sig.Returns = false
			case "event_trigger":
				sig.Kind = plast.KindEventTrigger
				sig.Returns = false
			}
		case t.isKeyword("language"):
			i++
			language = strings.ToLower(strings.Trim(toks[i].value, "'"))
		case t.isKeyword("immutable"):
			sig.Volatility = plast.Immutable
		case t.isKeyword("stable"):
			sig.Volatility = plast.Stable
		case t.isKeyword("volatile"):
			sig.Volatility = plast.Volatile
		case t.isKeyword("as"):
			i++
			if toks[i].kind != tokString {
				return nil, i, fmt.Errorf("line %d: expected routine body string", toks[i].line)
			}
			body = stringBody(toks[i].raw)
			haveBody = true
		}
	}
done:
	if !haveBody {
		return nil, i, fmt.Errorf("routine %s has no body", sig.Name)
	}
	if language != "" && language != "plpgsql" {
		return nil, i, nil
	}
	return &Routine{Signature: sig, Body: body}, i, nil
}

func parseArgList(toks []token, i int) ([]Arg, int, error) {
	i++ // (
	var args []Arg
	if toks[i].isOp(")") {
		return nil, i + 1, nil
	}
	for {
		var cur []token
		depth := 0
		for ; i < len(toks); i++ {
			t := toks[i]
			if t.kind == tokEOF {
				return nil, i, fmt.Errorf("unterminated argument list")
			}
			if t.isOp("(") {
				depth++
			}
			if t.isOp(")") {
				if depth == 0 {
					break
				}
				depth--
			}
			if t.isOp(",") && depth == 0 {
				break
			}
			cur = append(cur, t)
		}
		args = append(args, classifyArg(cur, len(args)))
		if toks[i].isOp(",") {
			i++
			continue
		}
		return args, i + 1, nil
	}
}

// classifyArg splits one argument declaration into mode, name and type.
// An argument with a bare type gets a positional $n name.
func classifyArg(toks []token, pos int) Arg {
	a := Arg{Mode: plast.ModeIn}
	j := 0
	if j < len(toks) {
		switch toks[j].value {
		case "in":
			j++
			if j < len(toks) && toks[j].value == "out" {
				a.Mode = plast.ModeInOut
				j++
			}
		case "out":
			a.Mode = plast.ModeOut
			j++
		case "inout":
			a.Mode = plast.ModeInOut
			j++
		case "variadic":
			a.Mode = plast.ModeVariadic
			j++
		}
	}
	// strip DEFAULT clause
	end := len(toks)
	for k := j; k < len(toks); k++ {
		if toks[k].isKeyword("default") || toks[k].isOp("=") {
			end = k
			break
		}
	}
	rest := toks[j:end]
	if len(rest) >= 2 && rest[0].kind == tokIdent && !isTypeKeyword(rest[0].value) {
		a.Name = rest[0].value
		rest = rest[1:]
	} else {
		a.Name = fmt.Sprintf("$%d", pos+1)
	}
	var parts []string
	for _, t := range rest {
		parts = append(parts, t.raw)
	}
	a.Type = strings.Join(parts, " ")
	return a
}

// isAttributeKeyword lists routine attribute keywords that terminate a
// RETURNS type specification.
func isAttributeKeyword(v string) bool {
	switch v {
	case "language", "as", "immutable", "stable", "volatile", "strict",
		"called", "security", "parallel", "cost", "rows", "set", "window",
		"leakproof", "not", "returns", "transform", "support":
		return true
	}
	return false
}

// isTypeKeyword lists first words of multi-word type names, so that
// "double precision" is not mistaken for a named argument.
func isTypeKeyword(v string) bool {
	switch v {
	case "double", "character", "timestamp", "time", "bit", "numeric",
		"decimal", "interval", "varchar", "text", "integer", "int", "bigint",
		"smallint", "boolean", "real", "date", "json", "jsonb", "uuid",
		"bytea", "oid", "record", "refcursor", "anyelement", "anyarray":
		return true
	}
	return false
}

// stringBody strips the quoting from an AS body literal.
func stringBody(raw string) string {
	if strings.HasPrefix(raw, "$") {
		end := strings.Index(raw[1:], "$")
		tag := raw[:end+2]
		return raw[len(tag) : len(raw)-len(tag)]
	}
	s := strings.TrimPrefix(raw, "'")
	s = strings.TrimSuffix(s, "'")
	return strings.ReplaceAll(s, "''", "'")
}
