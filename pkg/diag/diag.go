// Package diag defines the diagnostic records produced by the checker and
// the collector that accumulates them during one analysis pass.
//
// Severities form a total order: Error > Security > Performance > Extra >
// Warning. A Diagnostic carries a SQLSTATE code, the source line of the
// offending statement, the query text when one is involved, and optional
// detail/hint strings mirroring the server's error fields.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Severity classifies a diagnostic. Lower values are more severe.
type Severity int

const (
	// Error marks findings that would break execution of the routine.
	Error Severity = iota
	// Security marks possible SQL injection and similar risks.
	Security
	// Performance marks findings that cost cycles but not correctness.
	Performance
	// Extra marks strict-mode findings (shadowing, never-read variables).
	Extra
	// Warning marks ordinary findings ("others" category).
	Warning
)

// String renders the severity the way the report formatters expect.
func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Security:
		return "warning security"
	case Performance:
		return "warning performance"
	case Extra:
		return "warning extra"
	case Warning:
		return "warning"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MoreSevere reports whether s outranks other.
func (s Severity) MoreSevere(other Severity) bool {
	return s < other
}

// SQLSTATE codes used by the checker's own findings. Codes raised by the
// planner during speculative compilation are passed through unchanged.
const (
	CodeSyntaxError           = "42601"
	CodeDatatypeMismatch      = "42804"
	CodeUndefinedColumn       = "42703"
	CodeUndefinedTable        = "42P01"
	CodeUndefinedFunction     = "42883"
	CodeFeatureNotSupported   = "0A000"
	CodeInvalidTransaction    = "2D000"
	CodeWarning               = "01000"
	CodeInternalError         = "XX000"
	CodeQueryCanceled         = "57014"
	CodeAssertFailure         = "P0004"
	CodeRaiseException        = "P0001"
	CodeTooManyRows           = "P0003"
	CodeInvalidCursorName     = "34000"
	CodeAmbiguousColumn       = "42702"
	CodeDuplicateAlias        = "42712"
	CodeReservedName          = "42939"
	CodeInvalidParameterValue = "22023"
)

// Reraise is the code attached to a bare RAISE inside an exception
// handler. It matches any handled condition during closing analysis.
const Reraise = "RERAISE"

// Diagnostic is one finding. Query and Context are optional; Position is
// a 1-based byte offset into Query when the planner reported one.
type Diagnostic struct {
	Code     string
	LineNo   int
	Message  string
	Detail   string
	Hint     string
	Severity Severity
	Position int
	Query    string
	Context  string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s:%d: %s", d.Severity, d.Code, d.LineNo, d.Message)
	if d.Detail != "" {
		fmt.Fprintf(&b, "\n  Detail: %s", d.Detail)
	}
	if d.Hint != "" {
		fmt.Fprintf(&b, "\n  Hint: %s", d.Hint)
	}
	return b.String()
}

// ErrFatal is returned by Collector.Add when fatal-errors mode is active
// and an Error-severity diagnostic arrives. The analysis must stop with
// no partial report.
var ErrFatal = errors.New("plpgcheck: fatal error diagnostic")

// Collector accumulates diagnostics in emission order. Final-pass
// aggregates (unused variables, volatility verdicts) are appended through
// AddFinal after the walk so they always sort last.
type Collector struct {
	diags  []Diagnostic
	finals []Diagnostic
	fatal  bool
	nerr   int
}

// NewCollector returns a collector. When fatalErrors is set the first
// Error-severity diagnostic aborts the analysis.
func NewCollector(fatalErrors bool) *Collector {
	return &Collector{fatal: fatalErrors}
}

// Add records a diagnostic emitted during the walk.
func (c *Collector) Add(d Diagnostic) error {
	c.diags = append(c.diags, d)
	if d.Severity == Error {
		c.nerr++
		if c.fatal {
			return fmt.Errorf("%w: %s", ErrFatal, d.Message)
		}
	}
	return nil
}

// AddFinal records an end-of-analysis aggregate diagnostic.
func (c *Collector) AddFinal(d Diagnostic) {
	c.finals = append(c.finals, d)
	if d.Severity == Error {
		c.nerr++
	}
}

// Diagnostics returns all findings, walk-order first, final pass last.
func (c *Collector) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, 0, len(c.diags)+len(c.finals))
	out = append(out, c.diags...)
	out = append(out, c.finals...)
	return out
}

// ErrorCount returns the number of Error-severity findings so far.
func (c *Collector) ErrorCount() int { return c.nerr }

// HasErrors reports whether any Error-severity finding was recorded.
func (c *Collector) HasErrors() bool { return c.nerr > 0 }
