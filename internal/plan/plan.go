// Package plan validates embedded queries speculatively: a query is
// compiled by the live planner inside a savepoint-scoped subtransaction
// that is always rolled back, so type information flows back to the
// analysis without any side effect surviving. The Service interface is
// the seam between the checking engine and the database; tests use the
// in-memory fake from the plantest subpackage.
package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// CommandKind classifies the (last) compiled statement of a query.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandSelect
	CommandInsert
	CommandUpdate
	CommandDelete
	CommandMerge
	CommandUtility
	CommandTransaction
)

func (c CommandKind) String() string {
	switch c {
	case CommandSelect:
		return "SELECT"
	case CommandInsert:
		return "INSERT"
	case CommandUpdate:
		return "UPDATE"
	case CommandDelete:
		return "DELETE"
	case CommandMerge:
		return "MERGE"
	case CommandUtility:
		return "UTILITY"
	case CommandTransaction:
		return "TRANSACTION"
	}
	return "UNKNOWN"
}

// IsWrite reports whether the command modifies data.
func (c CommandKind) IsWrite() bool {
	switch c {
	case CommandInsert, CommandUpdate, CommandDelete, CommandMerge:
		return true
	}
	return false
}

// Column is one output column of a compiled query.
type Column struct {
	Name string
	Type string
}

// FunctionRef is a function referenced by a query, with its declared
// volatility from the catalog.
type FunctionRef struct {
	Name       string
	Volatility plast.Volatility
}

// CastNote records an implicit cast the planner inserted into a
// predicate, the raw material of the missed-index performance check.
type CastNote struct {
	Column string
	From   string
	To     string
}

// Description is the result of speculatively compiling a query.
type Description struct {
	Columns         []Column
	Command         CommandKind
	Relations       []string
	Functions       []FunctionRef
	Statements      int
	HasModifyingCTE bool
	ForUpdate       bool
	ImplicitCasts   []CastNote
}

// Param is one routine variable visible to the query, carried so the
// live service can rewrite references into typed placeholders.
type Param struct {
	Slot int
	Name string
	Type string
}

// Options adjusts a single Describe call.
type Options struct {
	// AllowBatch tolerates multi-statement input; the last statement's
	// shape governs. Only dynamic EXECUTE paths set this.
	AllowBatch bool
}

// Service compiles queries without running them.
type Service interface {
	Describe(ctx context.Context, query string, params []Param, opts Options) (*Description, error)
}

// Failure is a recoverable compilation failure. The engine converts it
// into a diagnostic and continues unless fatal-errors mode is active.
type Failure struct {
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// SQLState returns the failure's SQLSTATE code.
func (f *Failure) SQLState() string { return f.Code }

// CommandOf classifies a statement by its leading keyword.
func CommandOf(query string) CommandKind {
	kw := firstKeyword(query)
	switch kw {
	case "select", "values", "table":
		return CommandSelect
	case "with":
		// the main statement follows the CTE list; classified below
		return cteCommand(query)
	case "insert":
		return CommandInsert
	case "update":
		return CommandUpdate
	case "delete":
		return CommandDelete
	case "merge":
		return CommandMerge
	case "begin", "commit", "rollback", "savepoint", "release", "abort", "start", "end":
		return CommandTransaction
	case "":
		return CommandUnknown
	default:
		return CommandUtility
	}
}

func firstKeyword(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "(")
}

// cteCommand finds the statement that follows the WITH clause by scanning
// for the top-level keyword after the CTE definitions.
func cteCommand(query string) CommandKind {
	depth := 0
	for _, word := range tokenizeWords(query) {
		switch word {
		case "(":
			depth++
		case ")":
			depth--
		case "select", "insert", "update", "delete", "merge":
			if depth == 0 {
				switch word {
				case "select":
					return CommandSelect
				case "insert":
					return CommandInsert
				case "update":
					return CommandUpdate
				case "delete":
					return CommandDelete
				case "merge":
					return CommandMerge
				}
			}
		}
	}
	return CommandSelect
}

// tokenizeWords lowercases and splits a query into words and
// parentheses, skipping quoted regions.
func tokenizeWords(query string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	inStr := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if inStr {
			if c == '\'' {
				if i+1 < len(query) && query[i+1] == '\'' {
					i++
					continue
				}
				inStr = false
			}
			continue
		}
		switch {
		case c == '\'':
			flush()
			inStr = true
		case c == '(' || c == ')':
			flush()
			out = append(out, string(c))
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ',' || c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// SplitStatements splits a batch on top-level semicolons, respecting
// string literals, dollar quoting and comments. Empty statements are
// dropped.
func SplitStatements(query string) []string {
	var out []string
	start := 0
	depth := 0
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'':
			i++
			for i < len(query) {
				if query[i] == '\'' {
					if i+1 < len(query) && query[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '$':
			if tag := dollarTag(query[i:]); tag != "" {
				end := strings.Index(query[i+len(tag):], tag)
				if end < 0 {
					i = len(query)
					break
				}
				i += len(tag) + end + len(tag) - 1
			}
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ';' && depth == 0:
			if s := strings.TrimSpace(query[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
		i++
	}
	if s := strings.TrimSpace(query[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for i := 1; i < len(s); i++ {
		if s[i] == '$' {
			return s[:i+1]
		}
		c := s[i]
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return ""
}

// Contribution returns the volatility class a compiled query adds to the
// routine's running classification. SELECT without side clauses
// contributes the strictest class its referenced functions and relations
// allow; anything else is volatile.
func Contribution(d *Description) plast.Volatility {
	if d.Command != CommandSelect || d.HasModifyingCTE || d.ForUpdate {
		return plast.Volatile
	}
	vol := plast.Immutable
	for _, f := range d.Functions {
		if f.Volatility == plast.Volatile {
			return plast.Volatile
		}
		if f.Volatility == plast.Stable {
			vol = plast.Stable
		}
	}
	if len(d.Relations) > 0 && vol == plast.Immutable {
		// reading a relation is never immutable
		vol = plast.Stable
	}
	return vol
}
