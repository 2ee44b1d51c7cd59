package engine

import (
	"context"

	"github.com/plpgcheck/plpgcheck/internal/catalog"
	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Engine runs the analysis over a parsed routine. Both collaborators
// are optional: without a plan service embedded SQL is not compiled,
// and without a resolver the coercion and sanitization checks that need
// type information stay quiet.
type Engine struct {
	cfg      Config
	service  plan.Service
	resolver catalog.Resolver
}

// New returns an engine with the given collaborators.
func New(cfg Config, service plan.Service, resolver catalog.Resolver) *Engine {
	return &Engine{cfg: cfg, service: service, resolver: resolver}
}

// Check analyzes one routine and returns its findings ordered by the
// statement walk, with the whole-routine findings last. In fatal mode
// the first error aborts the walk; the diagnostics collected up to the
// abort are returned together with an error wrapping diag.ErrFatal, so
// callers can tell a truncated analysis from a completed one.
func (e *Engine) Check(ctx context.Context, proc *plast.Procedure) ([]diag.Diagnostic, error) {
	s := newState(proc)
	c := diag.NewCollector(e.cfg.FatalErrors)

	cl, err := e.checkStmt(ctx, s, c, proc.Body)
	if err != nil {
		return c.Diagnostics(), err
	}

	e.checkMissingReturn(s, c, cl)
	e.reportVariables(s, c)
	e.reportVolatility(s, c)
	return c.Diagnostics(), nil
}

// checkMissingReturn flags functions whose body can fall off the end.
// A function with OUT parameters returns them implicitly, so a missing
// RETURN is only worth an extra note there; everywhere else control
// reaching the end is a runtime error.
func (e *Engine) checkMissingReturn(s *state, c *diag.Collector, cl closure) {
	if s.proc.Kind != plast.KindFunction || !s.proc.Returns {
		return
	}
	if cl.terminal() {
		return
	}
	severity := diag.Error
	if cl.kind == closingPossibly || s.proc.ResultSlot >= 0 {
		severity = diag.Extra
	}
	if !s.severityEnabled(e.cfg, severity) {
		return
	}
	c.AddFinal(diag.Diagnostic{
		Code:     "2F005",
		Severity: severity,
		LineNo:   s.proc.Body.Line(),
		Message:  "control reached end of function without RETURN",
	})
}

// report adds one walk-ordered diagnostic, honoring the category
// toggles and the pragma vector in force.
func (e *Engine) report(s *state, c *diag.Collector, d diag.Diagnostic) error {
	if !s.severityEnabled(e.cfg, d.Severity) {
		return nil
	}
	return c.Add(d)
}

// reportAt is report with a fallback line number.
func (e *Engine) reportAt(s *state, c *diag.Collector, d diag.Diagnostic, lineNo int) error {
	if d.LineNo == 0 {
		d.LineNo = lineNo
	}
	return e.report(s, c, d)
}
