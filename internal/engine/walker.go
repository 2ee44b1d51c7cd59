package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// checkStmts walks one statement list and classifies it. Statements
// after a terminal one are still checked but flagged unreachable once
// per list, and dataflow facts they establish do not weaken the
// classification.
func (e *Engine) checkStmts(ctx context.Context, s *state, c *diag.Collector, stmts []plast.Statement) (closure, error) {
	run := closure{kind: closingUnknown}
	reportedDead := false
	wasDead := s.inDead
	defer func() { s.inDead = wasDead }()

	for _, stmt := range stmts {
		if run.terminal() && !s.inDead {
			s.inDead = true
			if !reportedDead && stmt.Line() > 0 {
				reportedDead = true
				if err := e.report(s, c, diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   stmt.Line(),
					Message:  "unreachable code",
				}); err != nil {
					return run, err
				}
			}
		}
		cl, err := e.checkStmt(ctx, s, c, stmt)
		if err != nil {
			return run, err
		}
		if !s.inDead || !run.terminal() {
			run = sequence(run, cl)
		}
	}
	if run.kind == closingUnknown {
		run = unclosed()
	}
	return run, nil
}

func (e *Engine) checkStmt(ctx context.Context, s *state, c *diag.Collector, stmt plast.Statement) (closure, error) {
	switch st := stmt.(type) {
	case *plast.Block:
		return e.checkBlock(ctx, s, c, st)

	case *plast.Assign:
		return unclosed(), e.checkAssign(ctx, s, c, st)

	case *plast.If:
		if _, err := e.checkExpr(ctx, s, c, st.Cond); err != nil {
			return unclosed(), err
		}
		result, err := e.checkStmts(ctx, s, c, st.Then)
		if err != nil {
			return unclosed(), err
		}
		for _, arm := range st.ElseIfs {
			if _, err := e.checkExpr(ctx, s, c, arm.Cond); err != nil {
				return unclosed(), err
			}
			cl, err := e.checkStmts(ctx, s, c, arm.Body)
			if err != nil {
				return unclosed(), err
			}
			result = mergeBranches(result, cl)
		}
		if st.HasElse {
			cl, err := e.checkStmts(ctx, s, c, st.Else)
			if err != nil {
				return unclosed(), err
			}
			result = mergeBranches(result, cl)
		} else {
			result = mergeBranches(result, unclosed())
		}
		return result, nil

	case *plast.Case:
		if _, err := e.checkExpr(ctx, s, c, st.Test); err != nil {
			return unclosed(), err
		}
		result := closure{kind: closingUnknown}
		for _, when := range st.Whens {
			if _, err := e.checkExpr(ctx, s, c, when.Cond); err != nil {
				return unclosed(), err
			}
			cl, err := e.checkStmts(ctx, s, c, when.Body)
			if err != nil {
				return unclosed(), err
			}
			result = mergeBranches(result, cl)
		}
		if st.HasElse {
			cl, err := e.checkStmts(ctx, s, c, st.Else)
			if err != nil {
				return unclosed(), err
			}
			result = mergeBranches(result, cl)
		} else {
			// a searched CASE without ELSE raises when nothing matches
			result = mergeBranches(result, raises("20000"))
		}
		return result, nil

	case *plast.Loop:
		s.pushScope(st, st.Label, true)
		body, err := e.checkStmts(ctx, s, c, st.Body)
		exited := s.scopes[len(s.scopes)-1].exited
		s.popScope()
		if err != nil {
			return unclosed(), err
		}
		// a loop nothing exits never passes control on
		if exited {
			return unclosed(), nil
		}
		if body.kind == closingByExceptions {
			return body, nil
		}
		return closed(), nil

	case *plast.While:
		if _, err := e.checkExpr(ctx, s, c, st.Cond); err != nil {
			return unclosed(), err
		}
		s.pushScope(st, st.Label, true)
		_, err := e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		return unclosed(), err

	case *plast.ForInt:
		for _, ex := range []*plast.Expr{st.Lower, st.Upper, st.Step} {
			if _, err := e.checkExpr(ctx, s, c, ex); err != nil {
				return unclosed(), err
			}
		}
		s.modified.Add(st.Var)
		wasProtected := s.protected.Has(st.Var)
		s.protected.Add(st.Var)
		s.pushScope(st, st.Label, true)
		_, err := e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		if !wasProtected {
			s.protected.Remove(st.Var)
		}
		return unclosed(), err

	case *plast.ForQuery:
		d, err := e.checkQuery(ctx, s, c, st.Query)
		if err != nil {
			return unclosed(), err
		}
		if err := e.bindLoopTargets(ctx, s, c, d, st.Targets, st.Line()); err != nil {
			return unclosed(), err
		}
		s.pushScope(st, st.Label, true)
		_, err = e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		return unclosed(), err

	case *plast.ForCursor:
		s.markUsed(st.CurVar)
		if _, err := e.checkExpr(ctx, s, c, st.Args); err != nil {
			return unclosed(), err
		}
		var d *plan.Description
		if cur := s.proc.Var(st.CurVar); cur != nil && cur.CursorQuery != nil {
			var err error
			d, err = e.checkQuery(ctx, s, c, cur.CursorQuery)
			if err != nil {
				return unclosed(), err
			}
		}
		if err := e.bindLoopTargets(ctx, s, c, d, st.Targets, st.Line()); err != nil {
			return unclosed(), err
		}
		s.pushScope(st, st.Label, true)
		_, err := e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		return unclosed(), err

	case *plast.ForDynamic:
		s.hasExecute = true
		if err := e.checkDynamic(ctx, s, c, st.Query, st.Params, nil, st.Line()); err != nil {
			return unclosed(), err
		}
		for _, t := range st.Targets {
			s.markModified(t)
		}
		s.pushScope(st, st.Label, true)
		_, err := e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		return unclosed(), err

	case *plast.Foreach:
		if _, err := e.checkExpr(ctx, s, c, st.Array); err != nil {
			return unclosed(), err
		}
		s.markModified(st.Target)
		s.pushScope(st, st.Label, true)
		_, err := e.checkStmts(ctx, s, c, st.Body)
		s.popScope()
		return unclosed(), err

	case *plast.Exit:
		return e.checkExit(ctx, s, c, st)

	case *plast.Return:
		return closed(), e.checkReturn(ctx, s, c, st)

	case *plast.ReturnNext:
		if !s.proc.ReturnsSet {
			if err := e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeFeatureNotSupported,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  "cannot use RETURN NEXT in a non-SETOF function",
			}); err != nil {
				return unclosed(), err
			}
		}
		_, err := e.checkExpr(ctx, s, c, st.Value)
		return unclosed(), err

	case *plast.ReturnQuery:
		if !s.proc.ReturnsSet {
			if err := e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeFeatureNotSupported,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  "cannot use RETURN QUERY in a non-SETOF function",
			}); err != nil {
				return unclosed(), err
			}
		}
		if st.DynQuery != nil {
			s.hasExecute = true
			s.hasDynReturnQuery = true
			return unclosed(), e.checkDynamic(ctx, s, c, st.DynQuery, st.Params, nil, st.Line())
		}
		_, err := e.checkQuery(ctx, s, c, st.Query)
		return unclosed(), err

	case *plast.Raise:
		return e.checkRaise(ctx, s, c, st)

	case *plast.ExecSQL:
		d, err := e.checkQuery(ctx, s, c, st.Query)
		if err != nil {
			return unclosed(), err
		}
		if st.Into {
			for _, t := range st.Targets {
				s.markModified(t)
			}
			if err := e.checkAssignInto(ctx, s, c, d, st.Targets, st.Line()); err != nil {
				return unclosed(), err
			}
		}
		return unclosed(), nil

	case *plast.Perform:
		if directives := pragmaCall(st.Query.SQL); directives != nil {
			for _, dir := range directives {
				if err := e.applyPragma(ctx, s, c, dir, st.Line()); err != nil {
					return unclosed(), err
				}
			}
			return unclosed(), nil
		}
		_, err := e.checkExpr(ctx, s, c, st.Query)
		return unclosed(), err

	case *plast.DynExecute:
		s.hasExecute = true
		var into []int
		if st.Into {
			into = st.Targets
			for _, t := range st.Targets {
				s.markModified(t)
			}
		}
		return unclosed(), e.checkDynamic(ctx, s, c, st.Query, st.Params, into, st.Line())

	case *plast.GetDiagnostics:
		if st.Stacked && s.inHandler == 0 {
			if err := e.report(s, c, diag.Diagnostic{
				Code:     "0Z002",
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  "GET STACKED DIAGNOSTICS cannot be used outside an exception handler",
			}); err != nil {
				return unclosed(), err
			}
		}
		for _, item := range st.Items {
			s.markModified(item.Target)
		}
		return unclosed(), nil

	case *plast.Open:
		return unclosed(), e.checkOpen(ctx, s, c, st)

	case *plast.Fetch:
		s.markUsed(st.CurVar)
		if _, err := e.checkExpr(ctx, s, c, st.Count); err != nil {
			return unclosed(), err
		}
		if st.IsMove {
			return unclosed(), nil
		}
		for _, t := range st.Targets {
			s.markModified(t)
		}
		var d *plan.Description
		if cur := s.proc.Var(st.CurVar); cur != nil && cur.CursorQuery != nil {
			d = s.descCache[cur.CursorQuery]
		}
		return unclosed(), e.checkAssignInto(ctx, s, c, d, st.Targets, st.Line())

	case *plast.Close:
		s.markUsed(st.CurVar)
		return unclosed(), nil

	case *plast.Call:
		d, err := e.checkQuery(ctx, s, c, st.Query)
		if err != nil {
			return unclosed(), err
		}
		if len(st.Targets) > 0 {
			for _, t := range st.Targets {
				s.markModified(t)
			}
			if err := e.checkAssignInto(ctx, s, c, d, st.Targets, st.Line()); err != nil {
				return unclosed(), err
			}
		}
		return unclosed(), nil

	case *plast.Commit, *plast.Rollback:
		return unclosed(), e.checkTxControl(s, c, stmt)

	case *plast.Assert:
		if _, err := e.checkExpr(ctx, s, c, st.Cond); err != nil {
			return unclosed(), err
		}
		_, err := e.checkExpr(ctx, s, c, st.Message)
		return unclosed(), err

	case *plast.Null:
		return unclosed(), nil
	}

	return unclosed(), nil
}

// checkBlock walks declarations, body and handlers, reconciling the
// scope stack on handler entry and merging the classifications.
func (e *Engine) checkBlock(ctx context.Context, s *state, c *diag.Collector, st *plast.Block) (closure, error) {
	depth := len(s.scopes)
	s.pushScope(st, st.Label, false)
	s.pushPragma()
	defer func() {
		s.popPragma()
		s.reconcileScopes(depth)
	}()

	if err := e.checkDeclarations(ctx, s, c, st); err != nil {
		return unclosed(), err
	}

	if len(st.Handlers) > 0 {
		s.inGuarded++
		defer func() { s.inGuarded-- }()
	}

	body, err := e.checkStmts(ctx, s, c, st.Body)
	if err != nil {
		return unclosed(), err
	}
	if len(st.Handlers) == 0 {
		return body, nil
	}

	// what the body raises that handlers do not absorb
	escaped := body.exceptions
	result := closure{kind: closingUnknown}
	switch body.kind {
	case closingByExceptions:
		for _, h := range st.Handlers {
			escaped = filterCaught(escaped, handlerCodes(h))
		}
		if len(escaped) > 0 {
			result = raises(escaped...)
		}
	case closingClosed:
		result = closed()
	case closingUnclosed:
		result = unclosed()
	case closingPossibly:
		result = possiblyClosed()
	}

	s.inHandler++
	for _, h := range st.Handlers {
		for _, cond := range h.Conditions {
			if !knownCondition(cond) {
				if err := e.report(s, c, diag.Diagnostic{
					Code:     "42704",
					Severity: diag.Error,
					LineNo:   h.LineNo,
					Message:  fmt.Sprintf("unrecognized exception condition \"%s\"", cond),
				}); err != nil {
					s.inHandler--
					return unclosed(), err
				}
			}
		}
		// handler bodies run at the guarded block's depth even when the
		// failure happened deeper
		s.reconcileScopes(depth + 1)
		hcl, err := e.checkStmts(ctx, s, c, h.Body)
		if err != nil {
			s.inHandler--
			return unclosed(), err
		}
		result = mergeBranches(result, hcl)
	}
	s.inHandler--
	return result, nil
}

func handlerCodes(h plast.ExceptionHandler) []string {
	if len(h.Conditions) == 0 {
		return []string{"OTHERS"}
	}
	codes := make([]string, 0, len(h.Conditions))
	for _, cond := range h.Conditions {
		codes = append(codes, conditionCode(cond))
	}
	return codes
}

// checkDeclarations validates the block's declared variables, their
// default expressions and their cursor queries.
func (e *Engine) checkDeclarations(ctx context.Context, s *state, c *diag.Collector, st *plast.Block) error {
	for _, slot := range st.Decls {
		v := s.proc.Var(slot)
		if v == nil {
			continue
		}
		if !v.Auto {
			if reservedKeyword(v.Name) {
				if err := e.report(s, c, diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("name of variable \"%s\" is reserved keyword", v.Name),
					Hint:     "The reserved keyword can be used as variable name, but it can cause problems.",
				}); err != nil {
					return err
				}
			}
			if s.bindName(v.Name, slot) {
				if err := e.report(s, c, diag.Diagnostic{
					Severity: diag.Extra,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("variable \"%s\" shadows a previously defined variable", v.Name),
				}); err != nil {
					return err
				}
			}
			if paramNamed(s.proc, v.Name, slot) {
				if err := e.report(s, c, diag.Diagnostic{
					Severity: diag.Warning,
					LineNo:   v.LineNo,
					Message:  fmt.Sprintf("parameter \"%s\" is overlapped", v.Name),
					Detail:   "Local variable overlap function parameter.",
				}); err != nil {
					return err
				}
			}
		}
		if v.Default != nil {
			d, err := e.checkExpr(ctx, s, c, v.Default)
			if err != nil {
				return err
			}
			s.markModified(slot)
			if d != nil && len(d.Columns) == 1 && v.Type != "" && v.Kind == plast.VarScalar {
				if err := e.checkCoercion(ctx, s, c, d.Columns[0].Type, v.Type, v.LineNo); err != nil {
					return err
				}
			}
			if cv := s.constantOf(v.Default.SQL); cv != nil {
				s.setConst(slot, cv)
			}
			e.assignmentSafety(ctx, s, slot, v.Default.SQL)
		} else if v.NotNull && !v.IsParam() {
			if err := e.report(s, c, diag.Diagnostic{
				Code:     "22004",
				Severity: diag.Error,
				LineNo:   v.LineNo,
				Message:  fmt.Sprintf("variable \"%s\" declared NOT NULL cannot default to NULL", v.Name),
			}); err != nil {
				return err
			}
		}
		if v.CursorQuery != nil {
			if _, err := e.checkQuery(ctx, s, c, v.CursorQuery); err != nil {
				return err
			}
		}
	}
	return nil
}

func paramNamed(proc *plast.Procedure, name string, self int) bool {
	for i := range proc.Vars {
		v := &proc.Vars[i]
		if v.Slot != self && v.IsParam() && v.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) checkAssign(ctx context.Context, s *state, c *diag.Collector, st *plast.Assign) error {
	d, err := e.checkExpr(ctx, s, c, st.Value)
	if err != nil {
		return err
	}
	v := s.proc.Var(st.Target)
	if s.markModified(st.Target) && v != nil {
		msg := fmt.Sprintf("variable \"%s\" is read only", v.Name)
		if v.Constant {
			msg = fmt.Sprintf("variable \"%s\" is declared CONSTANT", v.Name)
		}
		if err := e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeSyntaxError,
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  msg,
		}); err != nil {
			return err
		}
	}
	if err := e.checkAssignInto(ctx, s, c, d, []int{st.Target}, st.Line()); err != nil {
		return err
	}

	cv := s.constantOf(st.Value.SQL)
	s.setConst(st.Target, cv)
	if cv != nil && v != nil && e.cfg.ConstantsTracing && !s.pragma().disableConstTracing {
		val := cv.value
		if cv.isNull {
			val = "NULL"
		}
		if err := e.report(s, c, diag.Diagnostic{
			Severity: diag.Warning,
			LineNo:   st.Line(),
			Message:  fmt.Sprintf("variable \"%s\" has constant value %s", v.Name, val),
		}); err != nil {
			return err
		}
	}
	if cv != nil && cv.isNull && v != nil && v.NotNull {
		if err := e.report(s, c, diag.Diagnostic{
			Code:     "22004",
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  fmt.Sprintf("null value cannot be assigned to variable \"%s\" declared NOT NULL", v.Name),
		}); err != nil {
			return err
		}
	}

	e.assignmentSafety(ctx, s, st.Target, st.Value.SQL)
	return nil
}

func (e *Engine) checkExit(ctx context.Context, s *state, c *diag.Collector, st *plast.Exit) (closure, error) {
	if _, err := e.checkExpr(ctx, s, c, st.Cond); err != nil {
		return unclosed(), err
	}
	keyword := "CONTINUE"
	if st.IsExit {
		keyword = "EXIT"
	}

	var frame *scopeEntry
	if st.Label != "" {
		frame = s.findLabel(st.Label)
		if frame == nil {
			return unclosed(), e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeSyntaxError,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  fmt.Sprintf("there is no label \"%s\" attached to any block or loop construct", st.Label),
			})
		}
		if !st.IsExit && !frame.isLoop {
			return unclosed(), e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeSyntaxError,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  fmt.Sprintf("block label \"%s\" cannot be used in CONTINUE", st.Label),
			})
		}
	} else {
		frame = s.nearestLoop()
		if frame == nil {
			return unclosed(), e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeSyntaxError,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  fmt.Sprintf("%s cannot be used outside a loop, unless it has a label", keyword),
			})
		}
	}

	if st.IsExit && frame != nil && frame.isLoop && !s.inDead {
		frame.exited = true
	}
	if st.Cond == nil {
		return closed(), nil
	}
	return unclosed(), nil
}

func (e *Engine) checkReturn(ctx context.Context, s *state, c *diag.Collector, st *plast.Return) error {
	d, err := e.checkExpr(ctx, s, c, st.Value)
	if err != nil {
		return err
	}
	if st.Value == nil {
		return nil
	}
	switch {
	case s.proc.Kind == plast.KindProcedure:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeSyntaxError,
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  "RETURN cannot have a parameter in a procedure",
		})
	case s.proc.ResultSlot >= 0:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeSyntaxError,
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  "RETURN cannot have a parameter in function with OUT parameters",
		})
	case s.proc.ReturnsSet:
		return e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeSyntaxError,
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  "RETURN cannot have a parameter in function returning set",
			Hint:     "Use RETURN NEXT or RETURN QUERY.",
		})
	}
	if d != nil && len(d.Columns) == 1 && s.proc.Returns &&
		s.proc.Kind == plast.KindFunction && scalarType(s.proc.ReturnType) {
		return e.checkCoercion(ctx, s, c, d.Columns[0].Type, s.proc.ReturnType, st.Line())
	}
	return nil
}

// scalarType filters out composite and pseudo return types the coercion
// check cannot reason about.
func scalarType(t string) bool {
	switch strings.ToLower(t) {
	case "", "record", "trigger", "event_trigger", "void", "any", "anyelement",
		"anyarray", "anynonarray", "anyenum", "anyrange":
		return false
	}
	return !strings.Contains(t, "%")
}

func (e *Engine) checkRaise(ctx context.Context, s *state, c *diag.Collector, st *plast.Raise) (closure, error) {
	for _, p := range st.Params {
		if _, err := e.checkExpr(ctx, s, c, p); err != nil {
			return unclosed(), err
		}
	}
	for _, opt := range st.Options {
		if _, err := e.checkExpr(ctx, s, c, opt.Value); err != nil {
			return unclosed(), err
		}
	}

	if st.IsReraise() && s.inHandler == 0 {
		return unclosed(), e.report(s, c, diag.Diagnostic{
			Code:     diag.CodeSyntaxError,
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  "RAISE without parameters cannot be used outside an exception handler",
		})
	}

	if st.CondName != "" && !knownCondition(st.CondName) {
		if err := e.report(s, c, diag.Diagnostic{
			Code:     "42704",
			Severity: diag.Error,
			LineNo:   st.Line(),
			Message:  fmt.Sprintf("unrecognized exception condition \"%s\"", st.CondName),
		}); err != nil {
			return unclosed(), err
		}
	}

	if st.HasFormat {
		want := formatPlaceholders(st.Message)
		switch {
		case len(st.Params) > want:
			if err := e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeSyntaxError,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  "too many parameters specified for RAISE",
			}); err != nil {
				return unclosed(), err
			}
		case len(st.Params) < want:
			if err := e.report(s, c, diag.Diagnostic{
				Code:     diag.CodeSyntaxError,
				Severity: diag.Error,
				LineNo:   st.Line(),
				Message:  "too few parameters specified for RAISE",
			}); err != nil {
				return unclosed(), err
			}
		}
	}

	if st.Level != plast.RaiseException {
		return unclosed(), nil
	}
	if st.IsReraise() {
		return raises(diag.Reraise), nil
	}
	code := diag.CodeRaiseException
	if st.CondName != "" {
		code = conditionCode(st.CondName)
	}
	for _, opt := range st.Options {
		if strings.EqualFold(opt.Key, "errcode") && opt.Value != nil {
			if cv := s.constantOf(opt.Value.SQL); cv != nil && !cv.isNull {
				code = conditionCode(cv.value)
			}
		}
	}
	return raises(code), nil
}

// formatPlaceholders counts the % directives of a RAISE format string.
func formatPlaceholders(format string) int {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}

func (e *Engine) checkOpen(ctx context.Context, s *state, c *diag.Collector, st *plast.Open) error {
	s.markUsed(st.CurVar)
	s.markModified(st.CurVar)
	if _, err := e.checkExpr(ctx, s, c, st.Args); err != nil {
		return err
	}
	switch {
	case st.DynQuery != nil:
		s.hasExecute = true
		return e.checkDynamic(ctx, s, c, st.DynQuery, st.Params, nil, st.Line())
	case st.Query != nil:
		_, err := e.checkQuery(ctx, s, c, st.Query)
		return err
	default:
		cur := s.proc.Var(st.CurVar)
		if cur != nil && cur.CursorQuery != nil {
			_, err := e.checkQuery(ctx, s, c, cur.CursorQuery)
			return err
		}
	}
	return nil
}

func (e *Engine) checkTxControl(s *state, c *diag.Collector, stmt plast.Statement) error {
	if s.proc.Kind == plast.KindProcedure && s.inGuarded == 0 {
		return nil
	}
	msg := "invalid transaction termination"
	if s.proc.Kind == plast.KindProcedure {
		// COMMIT inside a block with an EXCEPTION clause runs in a
		// subtransaction and cannot end the outer transaction
		msg = "cannot commit while a subtransaction is active"
		if _, ok := stmt.(*plast.Rollback); ok {
			msg = "cannot roll back while a subtransaction is active"
		}
	}
	return e.report(s, c, diag.Diagnostic{
		Code:     diag.CodeInvalidTransaction,
		Severity: diag.Error,
		LineNo:   stmt.Line(),
		Message:  msg,
	})
}

// bindLoopTargets fits a row-source shape onto FOR loop targets.
func (e *Engine) bindLoopTargets(ctx context.Context, s *state, c *diag.Collector, d *plan.Description, targets []int, lineNo int) error {
	for _, t := range targets {
		s.markModified(t)
	}
	return e.checkAssignInto(ctx, s, c, d, targets, lineNo)
}

// checkDynamic analyzes an EXECUTE form: constant queries compile like
// static SQL, non-constant ones get the injection-safety walk, and the
// USING list must actually be consumed.
func (e *Engine) checkDynamic(ctx context.Context, s *state, c *diag.Collector, query *plast.Expr, params []*plast.Expr, into []int, lineNo int) error {
	if query == nil {
		return nil
	}
	for _, slot := range query.Params {
		s.markUsed(slot)
	}
	for _, p := range params {
		if _, err := e.checkExpr(ctx, s, c, p); err != nil {
			return err
		}
	}

	cv := s.constantOf(query.SQL)
	if cv != nil && !cv.isNull {
		if len(params) == 0 && !strings.Contains(cv.value, "$") {
			if err := e.report(s, c, diag.Diagnostic{
				Severity: diag.Performance,
				LineNo:   lineNo,
				Message:  "immutable expression without parameters found",
				Detail:   "The EXECUTE of constant query string is only overhead.",
				Hint:     "Use embedded SQL statement instead.",
			}); err != nil {
				return err
			}
		}
		if len(params) > 0 && !containsParamRefs(cv.value) {
			if err := e.report(s, c, diag.Diagnostic{
				Severity: diag.Warning,
				LineNo:   lineNo,
				Message:  "USING clause parameters are not used in the query",
			}); err != nil {
				return err
			}
		}
		dyn := &plast.Expr{SQL: cv.value, LineNo: lineNo}
		d, err := e.describeExpr(ctx, s, c, dyn, false, plan.Options{AllowBatch: true})
		if err != nil {
			return err
		}
		if d != nil && len(into) > 0 {
			return e.checkAssignInto(ctx, s, c, d, into, lineNo)
		}
		return nil
	}

	// non-constant query string
	if !e.exprSafety(ctx, s, query.SQL) && exprMentionsExternal(s, query.SQL) {
		if err := e.report(s, c, diag.Diagnostic{
			Severity: diag.Security,
			LineNo:   lineNo,
			Message:  "text type variable is not sanitized",
			Detail:   "The EXECUTE expression is SQL injection vulnerable.",
			Hint:     "Use quote_ident, quote_literal or format functions to secure variable.",
		}); err != nil {
			return err
		}
	}
	if len(into) == 1 {
		if v := s.proc.Var(into[0]); v != nil && v.Kind == plast.VarRecord {
			if _, known := s.recCols[v.Slot]; !known {
				if err := e.report(s, c, diag.Diagnostic{
					Severity: diag.Warning,
					LineNo:   lineNo,
					Message:  "cannot determinate a result of dynamic SQL",
					Detail:   "There is a risk of related false alarms.",
					Hint:     "Don't use dynamic SQL and record type together, when you would check function.",
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func containsParamRefs(sql string) bool {
	for i := 0; i+1 < len(sql); i++ {
		if sql[i] == '$' && sql[i+1] >= '1' && sql[i+1] <= '9' {
			return true
		}
	}
	return false
}

// reservedKeyword lists the PL/pgSQL and SQL keywords that still lex as
// identifiers when used as variable names.
func reservedKeyword(name string) bool {
	switch name {
	case "all", "analyse", "analyze", "and", "any", "array", "asc",
		"asymmetric", "between", "case", "cast", "check", "collate",
		"column", "constraint", "current_date", "current_role",
		"current_time", "current_timestamp", "current_user", "default",
		"deferrable", "desc", "distinct", "do", "else", "end", "false",
		"foreign", "in", "initially", "leading", "limit", "localtime",
		"localtimestamp", "new", "not", "null", "off", "offset", "old",
		"only", "or", "placing", "primary", "references", "select",
		"session_user", "some", "symmetric", "table", "then", "trailing",
		"true", "unique", "user", "when":
		return true
	}
	return false
}
