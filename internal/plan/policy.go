package plan

import (
	"fmt"

	"github.com/plpgcheck/plpgcheck/pkg/diag"
)

// PolicyContext describes the routine a query was compiled for.
type PolicyContext struct {
	// ReadOnly is set when the routine is declared STABLE or IMMUTABLE,
	// which prohibits data modification.
	ReadOnly bool
	// PerformanceWarnings enables the implicit-cast predicate check.
	PerformanceWarnings bool
}

// CheckPolicy applies the plan-level policy checks to a successfully
// compiled query. Transaction control embedded as SQL is rejected even
// in procedures; only the COMMIT and ROLLBACK statement forms are legal
// there, and those never reach the planner.
func CheckPolicy(d *Description, query string, line int, pc PolicyContext) []diag.Diagnostic {
	var out []diag.Diagnostic

	if d.Command == CommandTransaction {
		out = append(out, diag.Diagnostic{
			Code:     diag.CodeFeatureNotSupported,
			LineNo:   line,
			Message:  "cannot begin/end transactions in PL/pgSQL",
			Hint:     "Use a BEGIN block with an EXCEPTION clause instead.",
			Severity: diag.Error,
			Query:    query,
		})
	}

	if pc.ReadOnly && d.Command.IsWrite() {
		out = append(out, diag.Diagnostic{
			Code:     diag.CodeFeatureNotSupported,
			LineNo:   line,
			Message:  fmt.Sprintf("%s is not allowed in a non volatile function", d.Command),
			Severity: diag.Error,
			Query:    query,
		})
	}
	if pc.ReadOnly && d.HasModifyingCTE {
		out = append(out, diag.Diagnostic{
			Code:     diag.CodeFeatureNotSupported,
			LineNo:   line,
			Message:  "data-modifying CTE is not allowed in a non volatile function",
			Severity: diag.Error,
			Query:    query,
		})
	}

	if pc.PerformanceWarnings {
		for _, c := range d.ImplicitCasts {
			out = append(out, diag.Diagnostic{
				Code:     diag.CodeDatatypeMismatch,
				LineNo:   line,
				Message:  "implicit cast of attribute caused by different PLpgSQL variable type in WHERE clause",
				Detail:   fmt.Sprintf("attribute \"%s\" is casted from \"%s\" to \"%s\"", c.Column, c.From, c.To),
				Hint:     "An index of the table referenced by the predicate cannot be used.",
				Severity: diag.Performance,
				Query:    query,
			})
		}
	}

	return out
}
