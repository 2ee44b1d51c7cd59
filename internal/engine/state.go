// Package engine implements the checking core: the statement walker with
// its closing classification, the expression checker, and the per-run
// dataflow state. One run analyzes one routine; the state is discarded
// afterwards.
package engine

import (
	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Config selects the diagnostic categories an analysis reports.
type Config struct {
	OtherWarnings         bool
	ExtraWarnings         bool
	PerformanceWarnings   bool
	SecurityWarnings      bool
	CompatibilityWarnings bool

	// FatalErrors aborts the whole analysis on the first error-severity
	// finding instead of accumulating.
	FatalErrors bool

	// ConstantsTracing enables literal-propagation notices.
	ConstantsTracing bool
}

// DefaultConfig mirrors the default toggles of the SQL-level API: other
// and performance categories on, extra and security off.
func DefaultConfig() Config {
	return Config{
		OtherWarnings:       true,
		PerformanceWarnings: true,
	}
}

// IndexSet is a set of variable slots. The dataflow facts (used,
// modified, protected, safe) each keep their own set; the classification
// concerns never share one field.
type IndexSet map[int]struct{}

// NewIndexSet returns a set holding the given slots.
func NewIndexSet(slots ...int) IndexSet {
	s := IndexSet{}
	for _, v := range slots {
		s.Add(v)
	}
	return s
}

func (s IndexSet) Add(slot int)      { s[slot] = struct{}{} }
func (s IndexSet) Remove(slot int)   { delete(s, slot) }
func (s IndexSet) Has(slot int) bool { _, ok := s[slot]; return ok }
func (s IndexSet) Len() int          { return len(s) }

// pragmaVector holds the per-block diagnostic toggles. A true disable
// bit suppresses that category for the remainder of the block.
type pragmaVector struct {
	disableCheck         bool
	disableTracer        bool
	disableOther         bool
	disablePerformance   bool
	disableExtra         bool
	disableSecurity      bool
	disableCompatibility bool
	disableConstTracing  bool
}

// constVal is the propagated literal of a slot.
type constVal struct {
	value  string
	isNull bool
}

// scopeEntry is one frame of the lexical scope stack. The stack mirrors
// statement-tree depth exactly; handler entry reconciles it back to the
// owning block's depth before handler bodies are walked.
type scopeEntry struct {
	stmt   plast.Statement
	label  string
	isLoop bool
	exited bool // a reachable EXIT targets this frame
	names  map[string]int // declarations visible in this frame
}

// state is the per-run dataflow record.
type state struct {
	proc *plast.Procedure

	used      IndexSet
	modified  IndexSet
	protected IndexSet
	safe      IndexSet
	tainted   IndexSet

	consts  map[int]constVal
	recCols map[int][]plan.Column // derived row shape of record slots

	// declaredTables holds relation shapes announced by TABLE:/TYPE:
	// pragma directives; compile failures against them are suppressed.
	declaredTables map[string]bool

	volatility plast.Volatility
	skipVolatilityCheck bool

	hasExecute        bool
	hasDynReturnQuery bool

	inHandler int // exception handler nesting depth
	inGuarded int // depth of blocks carrying an EXCEPTION section
	inDead    bool // walking statements already classified unreachable

	pragmaStack []pragmaVector
	scopes      []*scopeEntry

	descCache map[*plast.Expr]*plan.Description
	descFail  map[*plast.Expr]bool
}

func newState(proc *plast.Procedure) *state {
	s := &state{
		proc:           proc,
		used:           IndexSet{},
		modified:       IndexSet{},
		protected:      IndexSet{},
		safe:           IndexSet{},
		tainted:        IndexSet{},
		consts:         map[int]constVal{},
		recCols:        map[int][]plan.Column{},
		declaredTables: map[string]bool{},
		volatility:     plast.Immutable,
		pragmaStack:    []pragmaVector{{}},
		descCache:      map[*plast.Expr]*plan.Description{},
		descFail:       map[*plast.Expr]bool{},
	}
	if proc.Kind == plast.KindTrigger || proc.Kind == plast.KindEventTrigger {
		s.skipVolatilityCheck = true
	}
	for i := range proc.Vars {
		v := &proc.Vars[i]
		if v.Auto && readOnlyAuto(v.Name) {
			s.protected.Add(v.Slot)
		}
		if v.Constant {
			s.protected.Add(v.Slot)
		}
	}
	return s
}

// readOnlyAuto lists the synthesized variables the runtime assigns and
// routines must not.
func readOnlyAuto(name string) bool {
	switch name {
	case "sqlstate", "sqlerrm",
		"tg_name", "tg_when", "tg_level", "tg_op", "tg_relid",
		"tg_table_name", "tg_table_schema", "tg_nargs", "tg_argv",
		"tg_event", "tg_tag":
		return true
	}
	return false
}

func (s *state) pragma() *pragmaVector {
	return &s.pragmaStack[len(s.pragmaStack)-1]
}

func (s *state) pushPragma() {
	s.pragmaStack = append(s.pragmaStack, *s.pragma())
}

func (s *state) popPragma() {
	if len(s.pragmaStack) > 1 {
		s.pragmaStack = s.pragmaStack[:len(s.pragmaStack)-1]
	}
}

// pushScope opens a stack frame for a block or loop statement.
func (s *state) pushScope(stmt plast.Statement, label string, isLoop bool) {
	s.scopes = append(s.scopes, &scopeEntry{
		stmt:   stmt,
		label:  label,
		isLoop: isLoop,
		names:  map[string]int{},
	})
}

func (s *state) popScope() {
	s.scopes = s.scopes[:len(s.scopes)-1]
}

// reconcileScopes pops frames until the stack is depth frames deep
// again. Handler entry is abnormal: the raising statement may have left
// deeper frames conceptually open, and the handler runs in the guarded
// block's scope.
func (s *state) reconcileScopes(depth int) {
	for len(s.scopes) > depth {
		s.popScope()
	}
}

// findLabel resolves a label against the scope stack, innermost first.
func (s *state) findLabel(label string) *scopeEntry {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if s.scopes[i].label == label {
			return s.scopes[i]
		}
	}
	return nil
}

// nearestLoop returns the innermost loop frame, or nil.
func (s *state) nearestLoop() *scopeEntry {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if s.scopes[i].isLoop {
			return s.scopes[i]
		}
	}
	return nil
}

// bindName records a declaration in the current frame and reports the
// frame that already bound the name, for shadowing diagnostics.
func (s *state) bindName(name string, slot int) (shadowed bool) {
	for i := len(s.scopes) - 2; i >= 0; i-- {
		if _, ok := s.scopes[i].names[name]; ok {
			shadowed = true
			break
		}
	}
	cur := s.scopes[len(s.scopes)-1]
	cur.names[name] = slot
	return shadowed
}

// markUsed records a read of a slot. Reading a record field reads the
// record too.
func (s *state) markUsed(slot int) {
	if slot < 0 {
		return
	}
	s.used.Add(slot)
	if v := s.proc.Var(slot); v != nil && v.Kind == plast.VarRecordField && v.Parent >= 0 {
		s.used.Add(v.Parent)
	}
}

// markModified records a write. Returns true when the slot is protected
// and the write must be reported.
func (s *state) markModified(slot int) (protected bool) {
	if slot < 0 {
		return false
	}
	s.modified.Add(slot)
	v := s.proc.Var(slot)
	if v != nil && v.Kind == plast.VarRecordField && v.Parent >= 0 {
		s.modified.Add(v.Parent)
		if s.protected.Has(v.Parent) {
			return true
		}
	}
	return s.protected.Has(slot)
}

// setConst stores a propagated literal for a slot; a nil value
// invalidates it together with any record children.
func (s *state) setConst(slot int, c *constVal) {
	if c == nil {
		delete(s.consts, slot)
		for i := range s.proc.Vars {
			v := &s.proc.Vars[i]
			if v.Kind == plast.VarRecordField && v.Parent == slot {
				delete(s.consts, v.Slot)
			}
		}
		return
	}
	s.consts[slot] = *c
}

// raiseVolatility widens the running volatility classification; it never
// narrows.
func (s *state) raiseVolatility(v plast.Volatility) {
	if v > s.volatility {
		s.volatility = v
	}
}

// severityEnabled applies the configuration toggles and the pragma
// vector in force to one severity level.
func (s *state) severityEnabled(cfg Config, sev diag.Severity) bool {
	p := s.pragma()
	if p.disableCheck {
		return false
	}
	switch sev {
	case diag.Error:
		return true
	case diag.Warning:
		return cfg.OtherWarnings && !p.disableOther
	case diag.Extra:
		return cfg.ExtraWarnings && !p.disableExtra
	case diag.Performance:
		return cfg.PerformanceWarnings && !p.disablePerformance
	case diag.Security:
		return cfg.SecurityWarnings && !p.disableSecurity
	}
	return true
}
