package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/internal/catalog"
	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/parser"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

func planFailure(err error) (*plan.Failure, bool) {
	var f *plan.Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// exprParams renders the variables an expression references as typed
// placeholders for the plan service.
func (e *Engine) exprParams(s *state, expr *plast.Expr) []plan.Param {
	var out []plan.Param
	for _, slot := range expr.Params {
		v := s.proc.Var(slot)
		if v == nil {
			continue
		}
		typ := v.Type
		if typ == "" || v.Kind == plast.VarRecord {
			typ = "text"
			if cols, ok := s.recCols[slot]; ok && len(cols) == 1 {
				typ = cols[0].Type
			}
		}
		name := v.Name
		if v.Kind == plast.VarRecordField && v.Parent >= 0 {
			if p := s.proc.Var(v.Parent); p != nil {
				name = p.Name + "." + v.FieldName
			}
		}
		out = append(out, plan.Param{Slot: slot, Name: name, Type: typ})
	}
	return out
}

// describeExpr compiles an expression or query through the plan service
// and reports any compile failure. Expressions are wrapped in a SELECT
// so the planner sees a complete statement. Results are cached per
// expression node; a nil description with a nil error means the failure
// was already reported (or no service is configured).
func (e *Engine) describeExpr(ctx context.Context, s *state, c *diag.Collector, expr *plast.Expr, isExpr bool, opts plan.Options) (*plan.Description, error) {
	if expr == nil || e.service == nil {
		return nil, nil
	}
	if d, ok := s.descCache[expr]; ok {
		return d, nil
	}
	if s.descFail[expr] {
		return nil, nil
	}

	query := expr.SQL
	if isExpr {
		query = "SELECT " + query
	}
	d, err := e.service.Describe(ctx, query, e.exprParams(s, expr), opts)
	if err != nil {
		f, ok := planFailure(err)
		if !ok {
			return nil, err
		}
		s.descFail[expr] = true
		if s.suppressedRelation(f) {
			return nil, nil
		}
		return nil, e.report(s, c, diag.Diagnostic{
			Code:     f.Code,
			Severity: diag.Error,
			LineNo:   expr.LineNo,
			Message:  f.Message,
			Detail:   f.Detail,
			Hint:     f.Hint,
			Query:    expr.SQL,
			Position: f.Position,
		})
	}

	s.descCache[expr] = d
	if !s.skipVolatilityCheck {
		s.raiseVolatility(plan.Contribution(d))
	}
	return d, nil
}

// suppressedRelation reports whether a compile failure names a relation
// announced by a TABLE or TYPE directive, which the routine expects to
// create at runtime.
func (s *state) suppressedRelation(f *plan.Failure) bool {
	if f.Code != "42P01" || len(s.declaredTables) == 0 {
		return false
	}
	msg := strings.ToLower(f.Message)
	for rel := range s.declaredTables {
		name := rel
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if strings.Contains(msg, "\""+name+"\"") {
			return true
		}
	}
	return false
}

// checkExpr validates an expression, marks its variable reads and
// returns the compiled shape. Params holds the right-hand-side
// references only, so an assignment target appearing there is a real
// self-read and counts.
func (e *Engine) checkExpr(ctx context.Context, s *state, c *diag.Collector, expr *plast.Expr) (*plan.Description, error) {
	if expr == nil {
		return nil, nil
	}
	for _, slot := range expr.Params {
		s.markUsed(slot)
	}
	return e.describeExpr(ctx, s, c, expr, true, plan.Options{})
}

// checkQuery validates a full SQL statement node.
func (e *Engine) checkQuery(ctx context.Context, s *state, c *diag.Collector, expr *plast.Expr) (*plan.Description, error) {
	if expr == nil {
		return nil, nil
	}
	for _, slot := range expr.Params {
		s.markUsed(slot)
	}
	d, err := e.describeExpr(ctx, s, c, expr, false, plan.Options{})
	if err != nil || d == nil {
		return d, err
	}
	for _, pd := range plan.CheckPolicy(d, expr.SQL, expr.LineNo, e.policyContext(s)) {
		if rerr := e.report(s, c, pd); rerr != nil {
			return d, rerr
		}
	}
	return d, nil
}

func (e *Engine) policyContext(s *state) plan.PolicyContext {
	return plan.PolicyContext{
		ReadOnly:            s.proc.Volatility != plast.Volatile && s.proc.Kind == plast.KindFunction,
		PerformanceWarnings: s.severityEnabled(e.cfg, diag.Performance),
	}
}

// checkAssignInto verifies the compiled shape fits the target list of an
// assignment, INTO clause or FETCH, applying the coercion tiers to each
// scalar target and recording row shapes for records.
func (e *Engine) checkAssignInto(ctx context.Context, s *state, c *diag.Collector, d *plan.Description, targets []int, lineNo int) error {
	if d == nil || len(targets) == 0 {
		return nil
	}
	cols := d.Columns

	if len(targets) == 1 {
		v := s.proc.Var(targets[0])
		if v != nil && (v.Kind == plast.VarRecord || v.Kind == plast.VarRow) {
			s.recCols[v.Slot] = cols
			e.bindRecordFields(s, v.Slot, cols)
			return nil
		}
		if len(cols) > 1 {
			return e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeDatatypeMismatch,
				Severity: diag.Error,
				LineNo:   lineNo,
				Message:  "cannot cast composite value to a scalar type",
			})
		}
	}

	if len(targets) > 1 && len(cols) != len(targets) {
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeDatatypeMismatch,
			Severity: diag.Error,
			LineNo:   lineNo,
			Message:  fmt.Sprintf("query returned %d columns but %d targets are expected", len(cols), len(targets)),
		})
	}

	for i, slot := range targets {
		if i >= len(cols) {
			break
		}
		v := s.proc.Var(slot)
		if v == nil || v.Type == "" || v.Kind == plast.VarRecord || v.Kind == plast.VarRow {
			continue
		}
		if err := e.checkCoercion(ctx, s, c, cols[i].Type, v.Type, lineNo); err != nil {
			return err
		}
	}
	return nil
}

// bindRecordFields refreshes the derived types of a record's known
// fields after its shape changes.
func (e *Engine) bindRecordFields(s *state, parent int, cols []plan.Column) {
	for i := range s.proc.Vars {
		v := &s.proc.Vars[i]
		if v.Kind != plast.VarRecordField || v.Parent != parent {
			continue
		}
		v.Type = ""
		for _, col := range cols {
			if strings.EqualFold(col.Name, v.FieldName) {
				v.Type = col.Type
				break
			}
		}
	}
}

// checkCoercion applies the three coercion tiers to one source/target
// type pair.
func (e *Engine) checkCoercion(ctx context.Context, s *state, c *diag.Collector, src, dst string, lineNo int) error {
	if e.resolver == nil || src == "" || dst == "" {
		return nil
	}
	path, err := e.resolver.CoercionPath(ctx, src, dst)
	if err != nil {
		return err
	}
	switch path {
	case catalog.CoercionNone:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeDatatypeMismatch,
			Severity: diag.Error,
			LineNo:   lineNo,
			Message:  "target type is different type than source type",
			Detail:   fmt.Sprintf("cast \"%s\" value to \"%s\" type", src, dst),
		})
	case catalog.CoercionExplicit:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeDatatypeMismatch,
			Severity: diag.Warning,
			LineNo:   lineNo,
			Message:  "target type is different type than source type",
			Detail:   fmt.Sprintf("cast \"%s\" value to \"%s\" type", src, dst),
			Hint:     "The input expression type does not have an assignment cast to the target type.",
		})
	case catalog.CoercionAssignment:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeDatatypeMismatch,
			Severity: diag.Performance,
			LineNo:   lineNo,
			Message:  "target type is different type than source type",
			Detail:   fmt.Sprintf("cast \"%s\" value to \"%s\" type", src, dst),
			Hint:     "Hidden casting can be a performance issue.",
		})
	}
	return nil
}

// constantOf evaluates an expression to a literal when it is one: a
// single string, number, NULL, true/false, or a variable already known
// to hold a constant.
func (s *state) constantOf(sql string) *constVal {
	toks, err := parser.TokenizeSQL(sql)
	if err != nil || len(toks) == 0 {
		return nil
	}
	if len(toks) == 1 {
		t := toks[0]
		switch t.Kind {
		case parser.TokenString:
			return &constVal{value: t.Text()}
		case parser.TokenNumber:
			return &constVal{value: t.Value}
		case parser.TokenIdent:
			switch t.Value {
			case "null":
				return &constVal{isNull: true}
			case "true", "false":
				return &constVal{value: t.Value}
			}
			if slot := s.slotByName(t.Value); slot >= 0 {
				if cv, ok := s.consts[slot]; ok {
					return &cv
				}
			}
		}
		return nil
	}
	// constant concatenation folds to a constant
	var parts []string
	for i, t := range toks {
		if i%2 == 0 {
			if t.Kind != parser.TokenString {
				return nil
			}
			parts = append(parts, t.Text())
		} else if t.Kind != parser.TokenOp || t.Value != "||" {
			return nil
		}
	}
	if len(toks)%2 == 0 {
		return nil
	}
	return &constVal{value: strings.Join(parts, "")}
}
