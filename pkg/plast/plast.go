// Package plast models a parsed PL/pgSQL routine: its variable table and
// its statement tree. The tree is a closed sum over one struct per
// statement kind, visited with exhaustive type switches. Trees are
// immutable once built; analysis state lives elsewhere and refers to
// variables by slot number only.
package plast

// Volatility is the declared or inferred purity class of a routine.
type Volatility int

const (
	Immutable Volatility = iota
	Stable
	Volatile
)

func (v Volatility) String() string {
	switch v {
	case Immutable:
		return "IMMUTABLE"
	case Stable:
		return "STABLE"
	case Volatile:
		return "VOLATILE"
	}
	return "UNKNOWN"
}

// RoutineKind distinguishes the unit under analysis.
type RoutineKind int

const (
	KindFunction RoutineKind = iota
	KindProcedure
	KindTrigger
	KindEventTrigger
)

// ParamMode is the argument mode of a routine parameter.
type ParamMode int

const (
	ModeNone ParamMode = iota // not a parameter
	ModeIn
	ModeOut
	ModeInOut
	ModeVariadic
)

// VarKind is the storage shape of a declared or synthesized variable.
type VarKind int

const (
	VarScalar VarKind = iota
	VarRow
	VarRecord
	VarRecordField
)

// DroppedField marks a row member that no longer exists in the composite
// type; such slots are skipped by every per-field walk.
const DroppedField = -1

// Variable is one entry of the routine's variable table. Slot is its
// stable index for the whole analysis.
type Variable struct {
	Slot     int
	Name     string
	Kind     VarKind
	Type     string // declared type name; empty for untyped records
	NotNull  bool
	Constant bool
	Default  *Expr
	Mode     ParamMode
	LineNo   int

	// Auto marks compiler-synthesized variables (FOUND, loop counters,
	// trigger NEW/OLD, SQLSTATE/SQLERRM). Never reported as unused.
	Auto bool

	// Fields holds child slots for VarRow; DroppedField entries are
	// skipped.
	Fields []int

	// Parent and FieldName locate a VarRecordField inside its record.
	Parent    int
	FieldName string

	// CursorQuery is the bound query of a declared cursor, nil otherwise.
	CursorQuery *Expr
}

// IsParam reports whether the variable is a routine parameter.
func (v *Variable) IsParam() bool { return v.Mode != ModeNone }

// Procedure is the unit under analysis. Immutable for the duration of
// one pass.
type Procedure struct {
	Name       string
	Body       *Block
	Vars       []Variable
	ReturnType string
	Returns    bool // declares a non-void return value
	ReturnsSet bool
	Volatility Volatility
	Kind       RoutineKind
	ResultSlot int // slot collecting the scalar result; -1 if none
}

// Var returns the variable at slot, or nil when out of range.
func (p *Procedure) Var(slot int) *Variable {
	if slot < 0 || slot >= len(p.Vars) {
		return nil
	}
	return &p.Vars[slot]
}

// Expr is an embedded SQL expression or query. SQL holds the raw source
// text; Params lists the variable slots the text references; Target is
// the assignment-target slot or NoTarget.
type Expr struct {
	SQL    string
	LineNo int
	Params []int
	Target int
}

// NoTarget marks an expression with no assignment target.
const NoTarget = -1

// Statement is one node of the tree. LineNo() <= 0 marks an invisible,
// compiler-synthesized node such as the implicit outer block.
type Statement interface {
	Line() int
	stmt()
}

// StmtBase carries the fields shared by every statement.
type StmtBase struct {
	ID     int
	LineNo int
}

func (b StmtBase) Line() int { return b.LineNo }
func (StmtBase) stmt()       {}

// ExceptionHandler guards a block body. Conditions are condition names
// or SQLSTATE codes; an empty list means WHEN OTHERS.
type ExceptionHandler struct {
	Conditions []string
	Body       []Statement
	LineNo     int
}

// Block is BEGIN ... [EXCEPTION ...] END, or the DECLARE section wrapper.
type Block struct {
	StmtBase
	Label    string
	Decls    []int // slots declared in this block, declaration order
	Body     []Statement
	Handlers []ExceptionHandler
}

// Assign is target := expr (including the SQL-standard = spelling).
type Assign struct {
	StmtBase
	Target int
	Value  *Expr
}

// ElseIf is one ELSIF arm of an If.
type ElseIf struct {
	Cond *Expr
	Body []Statement
}

type If struct {
	StmtBase
	Cond    *Expr
	Then    []Statement
	ElseIfs []ElseIf
	Else    []Statement
	HasElse bool
}

// CaseWhen is one WHEN arm of a Case.
type CaseWhen struct {
	Cond   *Expr
	Body   []Statement
	LineNo int
}

type Case struct {
	StmtBase
	Test    *Expr // nil for searched CASE
	Whens   []CaseWhen
	Else    []Statement
	HasElse bool
}

// Loop is the unconditional LOOP ... END LOOP.
type Loop struct {
	StmtBase
	Label string
	Body  []Statement
}

type While struct {
	StmtBase
	Label string
	Cond  *Expr
	Body  []Statement
}

// ForInt is FOR i IN [REVERSE] lo .. hi [BY step] LOOP.
type ForInt struct {
	StmtBase
	Label   string
	Var     int
	Lower   *Expr
	Upper   *Expr
	Step    *Expr // nil when no BY clause
	Reverse bool
	Body    []Statement
}

// ForQuery is FOR target IN query LOOP.
type ForQuery struct {
	StmtBase
	Label   string
	Targets []int
	Query   *Expr
	Body    []Statement
}

// ForCursor is FOR target IN cursor [(args)] LOOP.
type ForCursor struct {
	StmtBase
	Label   string
	Targets []int
	CurVar  int
	Args    *Expr // nil when the cursor takes no arguments
	Body    []Statement
}

// ForDynamic is FOR target IN EXECUTE expr [USING ...] LOOP.
type ForDynamic struct {
	StmtBase
	Label   string
	Targets []int
	Query   *Expr
	Params  []*Expr
	Body    []Statement
}

// Foreach is FOREACH target [SLICE n] IN ARRAY expr LOOP.
type Foreach struct {
	StmtBase
	Label  string
	Target int
	Slice  int
	Array  *Expr
	Body   []Statement
}

// Exit covers both EXIT and CONTINUE.
type Exit struct {
	StmtBase
	IsExit bool
	Label  string
	Cond   *Expr // nil without WHEN
}

// Return is RETURN [expr].
type Return struct {
	StmtBase
	Value *Expr // nil for bare RETURN
}

type ReturnNext struct {
	StmtBase
	Value *Expr
}

// ReturnQuery is RETURN QUERY query | RETURN QUERY EXECUTE expr.
type ReturnQuery struct {
	StmtBase
	Query    *Expr
	DynQuery *Expr
	Params   []*Expr
}

// RaiseLevel is the elog level of a RAISE statement.
type RaiseLevel int

const (
	RaiseDebug RaiseLevel = iota
	RaiseLog
	RaiseInfo
	RaiseNotice
	RaiseWarning
	RaiseException
)

// RaiseOption is one USING item (MESSAGE = expr, ERRCODE = expr, ...).
type RaiseOption struct {
	Key   string
	Value *Expr
}

type Raise struct {
	StmtBase
	Level     RaiseLevel
	Message   string // format string; empty for bare RAISE or condname form
	HasFormat bool
	CondName  string // condition name or SQLSTATE literal form
	Params    []*Expr
	Options   []RaiseOption
}

// IsReraise reports whether this is a bare RAISE inside a handler.
func (r *Raise) IsReraise() bool {
	return !r.HasFormat && r.CondName == "" && len(r.Options) == 0
}

// ExecSQL is an embedded SQL statement, optionally with INTO.
type ExecSQL struct {
	StmtBase
	Query   *Expr
	Into    bool
	Strict  bool
	Targets []int
}

// Perform is PERFORM expr, an SQL statement whose result is discarded.
type Perform struct {
	StmtBase
	Query *Expr
}

// DynExecute is EXECUTE expr [INTO ...] [USING ...].
type DynExecute struct {
	StmtBase
	Query   *Expr
	Params  []*Expr
	Into    bool
	Strict  bool
	Targets []int
}

// GetDiagItem is one target of GET DIAGNOSTICS.
type GetDiagItem struct {
	Target int
	Item   string
}

type GetDiagnostics struct {
	StmtBase
	Stacked bool
	Items   []GetDiagItem
}

// Open is OPEN cursor [FOR query | FOR EXECUTE expr [USING ...]].
type Open struct {
	StmtBase
	CurVar   int
	Query    *Expr
	DynQuery *Expr
	Params   []*Expr
	Args     *Expr // bound-cursor argument list
}

type Fetch struct {
	StmtBase
	CurVar  int
	Targets []int
	Count   *Expr // FETCH ... direction expression, when present
	IsMove  bool
}

type Close struct {
	StmtBase
	CurVar int
}

// Call is CALL proc(args) inside a procedure body.
type Call struct {
	StmtBase
	Query   *Expr
	Targets []int
}

type Commit struct{ StmtBase }

type Rollback struct{ StmtBase }

type Assert struct {
	StmtBase
	Cond    *Expr
	Message *Expr
}

// Null is the NULL no-op statement.
type Null struct{ StmtBase }
