package engine

import (
	"fmt"

	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// reportVariables emits the end-of-analysis findings about the variable
// table: declarations nothing reads, declarations nothing writes, and
// OUT parameters left untouched.
func (e *Engine) reportVariables(s *state, c *diag.Collector) {
	for i := range s.proc.Vars {
		v := &s.proc.Vars[i]
		if v.Auto || v.Kind == plast.VarRecordField {
			continue
		}
		used := s.used.Has(v.Slot)
		modified := s.modified.Has(v.Slot)

		switch v.Mode {
		case plast.ModeOut, plast.ModeInOut:
			if !modified && s.severityEnabled(e.cfg, diag.Extra) {
				// an INOUT parameter of a procedure passes its input
				// through, so leaving it unassigned is meaningful
				if v.Mode == plast.ModeInOut && s.proc.Kind == plast.KindProcedure {
					continue
				}
				c.AddFinal(diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("unmodified OUT variable \"%s\"", v.Name),
				})
			}
			continue

		case plast.ModeIn, plast.ModeVariadic:
			if !used && !modified && s.severityEnabled(e.cfg, diag.Extra) {
				c.AddFinal(diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("unused parameter \"%s\"", v.Name),
				})
			}
			continue
		}

		switch {
		case !used && !modified:
			if s.severityEnabled(e.cfg, diag.Warning) {
				c.AddFinal(diag.Diagnostic{
					Severity: diag.Warning,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("unused variable \"%s\"", v.Name),
				})
			}
		case !used && modified:
			if s.severityEnabled(e.cfg, diag.Extra) {
				c.AddFinal(diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("never read variable \"%s\"", v.Name),
				})
			}
		}
	}
}

// reportVolatility compares the declared volatility with what the body's
// statements required. The verdict needs compiled evidence: without a
// plan service nothing was described, and dynamic SQL makes the
// inference unreliable, so both disable it.
func (e *Engine) reportVolatility(s *state, c *diag.Collector) {
	if e.service == nil {
		return
	}
	if s.skipVolatilityCheck || s.hasExecute || s.hasDynReturnQuery {
		return
	}
	if s.proc.Kind != plast.KindFunction {
		return
	}
	if !s.severityEnabled(e.cfg, diag.Performance) {
		return
	}
	if s.volatility >= s.proc.Volatility {
		return
	}
	c.AddFinal(diag.Diagnostic{
		Severity: diag.Performance,
		LineNo:   -1,
		Message: fmt.Sprintf("routine is marked as %s, should be %s",
			s.proc.Volatility, s.volatility),
	})
}
