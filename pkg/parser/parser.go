// Package parser turns PL/pgSQL source into a plast.Procedure. It covers
// the statement forms the checker analyzes: blocks with declarations and
// exception handlers, assignments, conditionals, the loop family, cursor
// statements, RAISE, RETURN variants, dynamic SQL, and embedded SQL
// commands. Embedded SQL and expressions are captured as raw text; the
// parser records which variable slots each capture references, which is
// what the dataflow analysis consumes.
package parser

import (
	"fmt"
	"strings"

	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Arg is one routine parameter from the signature.
type Arg struct {
	Name string
	Type string
	Mode plast.ParamMode
}

// Signature describes the routine around the body being parsed. It is
// normally filled from the catalog, or by ParseCreateFunction for file
// input.
type Signature struct {
	Name       string
	Args       []Arg
	ReturnType string
	Returns    bool
	ReturnsSet bool
	Volatility plast.Volatility
	Kind       plast.RoutineKind
}

// Error is a parse failure with the source line it occurred on.
type Error struct {
	LineNo  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("syntax error at line %d: %s", e.LineNo, e.Message)
}

// Parse builds the statement tree for body under the given signature.
func Parse(body string, sig Signature) (*plast.Procedure, error) {
	lx := newLexer(body)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, &Error{LineNo: lx.line, Message: err.Error()}
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}

	p := &parser{toks: toks, labels: map[string]int{}}
	p.initVariables(sig)

	blk, err := p.parseBlock(true)
	if err != nil {
		return nil, err
	}
	// trailing ';' after the outer END is tolerated
	if p.cur().isOp(";") {
		p.i++
	}

	proc := &plast.Procedure{
		Name:       sig.Name,
		Body:       blk,
		Vars:       p.vars,
		ReturnType: sig.ReturnType,
		Returns:    sig.Returns,
		ReturnsSet: sig.ReturnsSet,
		Volatility: sig.Volatility,
		Kind:       sig.Kind,
		ResultSlot: p.resultSlot,
	}
	return proc, nil
}

type scope struct {
	names map[string]int
	label string
}

type parser struct {
	toks   []token
	i      int
	vars   []plast.Variable
	scopes []scope
	labels map[string]int // block label -> scope index
	nextID int

	resultSlot int
}

// initVariables seeds the variable table from the signature: parameters,
// the FOUND flag, handler pseudo-variables, and trigger records.
func (p *parser) initVariables(sig Signature) {
	p.resultSlot = -1
	p.pushScope("")

	for _, a := range sig.Args {
		v := plast.Variable{
			Name:   a.Name,
			Kind:   plast.VarScalar,
			Type:   a.Type,
			Mode:   a.Mode,
			Parent: -1,
		}
		if strings.EqualFold(a.Type, "record") {
			v.Kind = plast.VarRecord
		}
		slot := p.declare(v)
		if p.resultSlot < 0 && (a.Mode == plast.ModeOut || a.Mode == plast.ModeInOut) {
			p.resultSlot = slot
		}
	}

	auto := func(name, typ string) int {
		return p.declare(plast.Variable{
			Name: name, Kind: plast.VarScalar, Type: typ, Auto: true, Parent: -1,
		})
	}
	auto("found", "boolean")
	auto("sqlstate", "text")
	auto("sqlerrm", "text")

	switch sig.Kind {
	case plast.KindTrigger:
		p.declare(plast.Variable{Name: "new", Kind: plast.VarRecord, Auto: true, Parent: -1})
		p.declare(plast.Variable{Name: "old", Kind: plast.VarRecord, Auto: true, Parent: -1})
		auto("tg_name", "name")
		auto("tg_when", "text")
		auto("tg_level", "text")
		auto("tg_op", "text")
		auto("tg_relid", "oid")
		auto("tg_table_name", "name")
		auto("tg_table_schema", "name")
		auto("tg_nargs", "integer")
		auto("tg_argv", "text[]")
	case plast.KindEventTrigger:
		auto("tg_event", "text")
		auto("tg_tag", "text")
	}
}

func (p *parser) declare(v plast.Variable) int {
	v.Slot = len(p.vars)
	if v.Parent == 0 && v.Kind != plast.VarRecordField {
		v.Parent = -1
	}
	p.vars = append(p.vars, v)
	p.scopes[len(p.scopes)-1].names[strings.ToLower(v.Name)] = v.Slot
	return v.Slot
}

func (p *parser) pushScope(label string) {
	p.scopes = append(p.scopes, scope{names: map[string]int{}, label: label})
	if label != "" {
		p.labels[strings.ToLower(label)] = len(p.scopes) - 1
	}
}

func (p *parser) popScope() {
	s := p.scopes[len(p.scopes)-1]
	if s.label != "" {
		delete(p.labels, strings.ToLower(s.label))
	}
	p.scopes = p.scopes[:len(p.scopes)-1]
}

// lookup resolves an unqualified name to a slot, innermost scope first.
func (p *parser) lookup(name string) (int, bool) {
	name = strings.ToLower(name)
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if slot, ok := p.scopes[i].names[name]; ok {
			return slot, true
		}
	}
	return -1, false
}

// lookupQualified resolves label.name and record.field references. Field
// references into records materialize a VarRecordField slot on first use.
func (p *parser) lookupQualified(qual, name string) (int, bool) {
	if si, ok := p.labels[strings.ToLower(qual)]; ok {
		if slot, ok := p.scopes[si].names[strings.ToLower(name)]; ok {
			return slot, true
		}
	}
	if parent, ok := p.lookup(qual); ok {
		pv := &p.vars[parent]
		if pv.Kind == plast.VarRecord || pv.Kind == plast.VarRow {
			return p.recordField(parent, name), true
		}
	}
	return -1, false
}

// recordField returns the slot for rec.field, creating it on first use.
func (p *parser) recordField(parent int, field string) int {
	field = strings.ToLower(field)
	for i := range p.vars {
		if p.vars[i].Kind == plast.VarRecordField && p.vars[i].Parent == parent && p.vars[i].FieldName == field {
			return p.vars[i].Slot
		}
	}
	v := plast.Variable{
		Name:      p.vars[parent].Name + "." + field,
		Kind:      plast.VarRecordField,
		Parent:    parent,
		FieldName: field,
	}
	v.Slot = len(p.vars)
	p.vars = append(p.vars, v)
	return v.Slot
}

func (p *parser) cur() token { return p.toks[p.i] }

func (p *parser) peek(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) advance() token {
	t := p.toks[p.i]
	if p.i < len(p.toks)-1 {
		p.i++
	}
	return t
}

func (p *parser) errf(format string, args ...any) error {
	return &Error{LineNo: p.cur().line, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) expectKeyword(kw string) error {
	if !p.cur().isKeyword(kw) {
		return p.errf("expected %q, found %q", strings.ToUpper(kw), p.cur().raw)
	}
	p.i++
	return nil
}

func (p *parser) expectOp(op string) error {
	if !p.cur().isOp(op) {
		return p.errf("expected %q, found %q", op, p.cur().raw)
	}
	p.i++
	return nil
}

func (p *parser) stmtID() int {
	p.nextID++
	return p.nextID
}

// parseBlock parses [<<label>>] [DECLARE decls] BEGIN body [EXCEPTION
// handlers] END [label] ';'. The outer block omits the trailing ';'.
func (p *parser) parseBlock(outer bool) (*plast.Block, error) {
	line := p.cur().line
	label := ""
	if p.cur().isOp("<<") {
		p.i++
		label = p.advance().value
		if err := p.expectOp(">>"); err != nil {
			return nil, err
		}
	}

	p.pushScope(label)
	defer p.popScope()

	blk := &plast.Block{
		StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
		Label:    label,
	}

	if p.cur().isKeyword("declare") {
		p.i++
		decls, err := p.parseDeclarations()
		if err != nil {
			return nil, err
		}
		blk.Decls = decls
	}

	if err := p.expectKeyword("begin"); err != nil {
		return nil, err
	}

	body, err := p.parseStmts("end", "exception")
	if err != nil {
		return nil, err
	}
	blk.Body = body

	if p.cur().isKeyword("exception") {
		p.i++
		for p.cur().isKeyword("when") {
			h, err := p.parseHandler()
			if err != nil {
				return nil, err
			}
			blk.Handlers = append(blk.Handlers, h)
		}
	}

	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	if p.cur().kind == tokIdent && !p.cur().isKeyword("") && !p.cur().isOp(";") {
		// optional end label
		if !isStmtKeyword(p.cur().value) {
			p.i++
		}
	}
	if !outer {
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
	} else if p.cur().isOp(";") {
		p.i++
	}
	return blk, nil
}

// parseDeclarations consumes the DECLARE section up to BEGIN.
func (p *parser) parseDeclarations() ([]int, error) {
	var decls []int
	for !p.cur().isKeyword("begin") {
		if p.cur().kind == tokEOF {
			return nil, p.errf("unexpected end of input in DECLARE section")
		}
		if p.cur().isKeyword("declare") {
			// DECLARE may be repeated; the sections merge
			p.i++
			continue
		}
		slot, err := p.parseDeclaration()
		if err != nil {
			return nil, err
		}
		if slot >= 0 {
			decls = append(decls, slot)
		}
	}
	return decls, nil
}

func (p *parser) parseDeclaration() (int, error) {
	nameTok := p.advance()
	if nameTok.kind != tokIdent {
		return -1, &Error{LineNo: nameTok.line, Message: fmt.Sprintf("expected variable name, found %q", nameTok.raw)}
	}
	name := nameTok.value
	line := nameTok.line

	// name ALIAS FOR other
	if p.cur().isKeyword("alias") {
		p.i++
		if err := p.expectKeyword("for"); err != nil {
			return -1, err
		}
		ref := p.advance()
		if err := p.expectOp(";"); err != nil {
			return -1, err
		}
		if slot, ok := p.lookup(ref.value); ok {
			p.scopes[len(p.scopes)-1].names[name] = slot
			return -1, nil
		}
		return -1, &Error{LineNo: ref.line, Message: fmt.Sprintf("variable %q does not exist", ref.raw)}
	}

	// name CURSOR [(args)] IS|FOR query
	if p.cur().isKeyword("cursor") {
		p.i++
		if p.cur().isOp("(") {
			// cursor parameters act like IN arguments scoped to the query
			p.skipParens()
		}
		if !p.cur().isKeyword("is") && !p.cur().isKeyword("for") {
			return -1, p.errf("expected IS or FOR in cursor declaration")
		}
		p.i++
		q, err := p.readExpr(exprStop{semi: true})
		if err != nil {
			return -1, err
		}
		if err := p.expectOp(";"); err != nil {
			return -1, err
		}
		slot := p.declare(plast.Variable{
			Name: name, Kind: plast.VarScalar, Type: "refcursor",
			LineNo: line, CursorQuery: q, Parent: -1,
		})
		return slot, nil
	}

	constant := false
	if p.cur().isKeyword("constant") {
		constant = true
		p.i++
	}

	typ, kind, err := p.parseTypeName()
	if err != nil {
		return -1, err
	}

	notNull := false
	if p.cur().isKeyword("not") && p.peek(1).isKeyword("null") {
		notNull = true
		p.i += 2
	}

	var def *plast.Expr
	if p.cur().isKeyword("default") || p.cur().isOp(":=") || p.cur().isOp("=") {
		p.i++
		def, err = p.readExpr(exprStop{semi: true})
		if err != nil {
			return -1, err
		}
	}
	if err := p.expectOp(";"); err != nil {
		return -1, err
	}

	slot := p.declare(plast.Variable{
		Name: name, Kind: kind, Type: typ,
		NotNull: notNull, Constant: constant, Default: def,
		LineNo: line, Parent: -1,
	})
	return slot, nil
}

// parseTypeName reads a type specification: qualified names, typmods,
// array brackets, and the %TYPE/%ROWTYPE forms.
func (p *parser) parseTypeName() (string, plast.VarKind, error) {
	var parts []string
	kind := plast.VarScalar
	for {
		t := p.cur()
		switch {
		case t.kind == tokIdent:
			parts = append(parts, t.raw)
			p.i++
		case t.isOp("."):
			parts = append(parts, ".")
			p.i++
		case t.isOp("%"):
			p.i++
			m := p.advance()
			parts = append(parts, "%"+m.raw)
			if m.isKeyword("rowtype") {
				kind = plast.VarRow
			}
		case t.isOp("("):
			start := p.i
			p.skipParens()
			for _, tt := range p.toks[start:p.i] {
				parts = append(parts, tt.raw)
			}
		case t.isOp("["):
			parts = append(parts, "[")
			p.i++
			if p.cur().kind == tokNumber {
				parts = append(parts, p.advance().raw)
			}
			if err := p.expectOp("]"); err != nil {
				return "", kind, err
			}
			parts = append(parts, "]")
		default:
			if len(parts) == 0 {
				return "", kind, p.errf("expected type name, found %q", t.raw)
			}
			typ := joinType(parts)
			if strings.EqualFold(typ, "record") {
				kind = plast.VarRecord
			}
			return typ, kind, nil
		}
		// boundary tokens that end a type
		if p.cur().isKeyword("not") || p.cur().isKeyword("default") ||
			p.cur().isOp(":=") || p.cur().isOp("=") || p.cur().isOp(";") {
			typ := joinType(parts)
			if strings.EqualFold(typ, "record") {
				kind = plast.VarRecord
			}
			return typ, kind, nil
		}
	}
}

func joinType(parts []string) string {
	var b strings.Builder
	for i, s := range parts {
		if i > 0 && s != "." && s != "%type" && s != "%rowtype" &&
			!strings.HasPrefix(s, "%") && parts[i-1] != "." &&
			s != "(" && s != ")" && s != "," && s != "[" && s != "]" && parts[i-1] != "(" && parts[i-1] != "[" {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	return strings.TrimSpace(b.String())
}

func (p *parser) skipParens() {
	depth := 0
	for {
		t := p.cur()
		if t.kind == tokEOF {
			return
		}
		if t.isOp("(") {
			depth++
		}
		if t.isOp(")") {
			depth--
			if depth == 0 {
				p.i++
				return
			}
		}
		p.i++
	}
}

// parseHandler parses WHEN cond [OR cond]... THEN stmts.
func (p *parser) parseHandler() (plast.ExceptionHandler, error) {
	h := plast.ExceptionHandler{LineNo: p.cur().line}
	if err := p.expectKeyword("when"); err != nil {
		return h, err
	}
	for {
		if p.cur().isKeyword("sqlstate") {
			p.i++
			st := p.advance()
			if st.kind != tokString {
				return h, p.errf("expected SQLSTATE string literal")
			}
			h.Conditions = append(h.Conditions, strings.Trim(st.value, "'"))
		} else {
			c := p.advance()
			if c.kind != tokIdent {
				return h, p.errf("expected condition name, found %q", c.raw)
			}
			h.Conditions = append(h.Conditions, c.value)
		}
		if p.cur().isKeyword("or") {
			p.i++
			continue
		}
		break
	}
	if err := p.expectKeyword("then"); err != nil {
		return h, err
	}
	body, err := p.parseStmts("when", "end")
	if err != nil {
		return h, err
	}
	h.Body = body
	return h, nil
}

// isStmtKeyword lists keywords that begin a statement, used only to
// disambiguate an END label from the next statement.
func isStmtKeyword(v string) bool {
	switch v {
	case "begin", "declare", "if", "case", "loop", "while", "for", "foreach",
		"exit", "continue", "return", "raise", "execute", "perform", "get",
		"open", "fetch", "move", "close", "call", "commit", "rollback",
		"assert", "null", "end", "when", "exception", "else", "elsif", "elseif":
		return true
	}
	return false
}

// parseStmts parses a statement list until one of the stop keywords
// appears at list level.
func (p *parser) parseStmts(stops ...string) ([]plast.Statement, error) {
	var out []plast.Statement
	for {
		t := p.cur()
		if t.kind == tokEOF {
			return nil, p.errf("unexpected end of input")
		}
		for _, s := range stops {
			if t.isKeyword(s) {
				return out, nil
			}
		}
		st, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
}

func (p *parser) parseStatement() (plast.Statement, error) {
	t := p.cur()
	line := t.line

	// a label can precede blocks and loops
	if t.isOp("<<") {
		return p.parseLabeled()
	}

	switch {
	case t.isKeyword("begin") || t.isKeyword("declare"):
		return p.parseBlock(false)
	case t.isKeyword("if"):
		return p.parseIf()
	case t.isKeyword("case"):
		return p.parseCase()
	case t.isKeyword("loop"):
		return p.parseLoop("")
	case t.isKeyword("while"):
		return p.parseWhile("")
	case t.isKeyword("for"):
		return p.parseFor("")
	case t.isKeyword("foreach"):
		return p.parseForeach("")
	case t.isKeyword("exit"), t.isKeyword("continue"):
		return p.parseExit()
	case t.isKeyword("return"):
		return p.parseReturn()
	case t.isKeyword("raise"):
		return p.parseRaise()
	case t.isKeyword("execute"):
		return p.parseExecute(line)
	case t.isKeyword("perform"):
		p.i++
		q, err := p.readExpr(exprStop{semi: true})
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Perform{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Query: q}, nil
	case t.isKeyword("get"):
		return p.parseGetDiagnostics()
	case t.isKeyword("open"):
		return p.parseOpen()
	case t.isKeyword("fetch"), t.isKeyword("move"):
		return p.parseFetch(t.isKeyword("move"))
	case t.isKeyword("close"):
		p.i++
		cv, err := p.resolveVarToken()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Close{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, CurVar: cv}, nil
	case t.isKeyword("commit"):
		p.i++
		p.skipChain()
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Commit{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}, nil
	case t.isKeyword("rollback"):
		p.i++
		p.skipChain()
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Rollback{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}, nil
	case t.isKeyword("assert"):
		return p.parseAssert()
	case t.isKeyword("call"):
		return p.parseCall(line)
	case t.isKeyword("null"):
		p.i++
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Null{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}, nil
	}

	// assignment or embedded SQL command
	if t.kind == tokIdent {
		if st, ok, err := p.tryAssignment(); err != nil {
			return nil, err
		} else if ok {
			return st, nil
		}
		return p.parseSQLStatement(line)
	}
	return nil, p.errf("unexpected token %q", t.raw)
}

// skipChain consumes the optional AND [NO] CHAIN suffix.
func (p *parser) skipChain() {
	if p.cur().isKeyword("and") {
		p.i++
		if p.cur().isKeyword("no") {
			p.i++
		}
		if p.cur().isKeyword("chain") {
			p.i++
		}
	}
}

func (p *parser) parseLabeled() (plast.Statement, error) {
	p.i++ // <<
	label := p.advance().value
	if err := p.expectOp(">>"); err != nil {
		return nil, err
	}
	t := p.cur()
	switch {
	case t.isKeyword("loop"):
		return p.parseLoop(label)
	case t.isKeyword("while"):
		return p.parseWhile(label)
	case t.isKeyword("for"):
		return p.parseFor(label)
	case t.isKeyword("foreach"):
		return p.parseForeach(label)
	case t.isKeyword("begin") || t.isKeyword("declare"):
		// rewind so parseBlock sees the label
		p.i -= 3
		return p.parseBlock(false)
	}
	return nil, p.errf("label must precede a block or a loop")
}

func (p *parser) parseIf() (*plast.If, error) {
	line := p.cur().line
	p.i++ // IF
	cond, err := p.readExpr(exprStop{kws: []string{"then"}})
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	st := &plast.If{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Cond: cond}
	st.Then, err = p.parseStmts("elsif", "elseif", "else", "end")
	if err != nil {
		return nil, err
	}
	for p.cur().isKeyword("elsif") || p.cur().isKeyword("elseif") {
		p.i++
		c, err := p.readExpr(exprStop{kws: []string{"then"}})
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("then"); err != nil {
			return nil, err
		}
		body, err := p.parseStmts("elsif", "elseif", "else", "end")
		if err != nil {
			return nil, err
		}
		st.ElseIfs = append(st.ElseIfs, plast.ElseIf{Cond: c, Body: body})
	}
	if p.cur().isKeyword("else") {
		p.i++
		st.HasElse = true
		st.Else, err = p.parseStmts("end")
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("if"); err != nil {
		return nil, err
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseCase() (*plast.Case, error) {
	line := p.cur().line
	p.i++ // CASE
	st := &plast.Case{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}
	var err error
	if !p.cur().isKeyword("when") {
		st.Test, err = p.readExpr(exprStop{kws: []string{"when"}})
		if err != nil {
			return nil, err
		}
	}
	for p.cur().isKeyword("when") {
		wline := p.cur().line
		p.i++
		c, err := p.readExpr(exprStop{kws: []string{"then"}})
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("then"); err != nil {
			return nil, err
		}
		body, err := p.parseStmts("when", "else", "end")
		if err != nil {
			return nil, err
		}
		st.Whens = append(st.Whens, plast.CaseWhen{Cond: c, Body: body, LineNo: wline})
	}
	if p.cur().isKeyword("else") {
		p.i++
		st.HasElse = true
		st.Else, err = p.parseStmts("end")
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("case"); err != nil {
		return nil, err
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

// finishLoop consumes LOOP body END LOOP [label] ';'.
func (p *parser) finishLoop() ([]plast.Statement, error) {
	if err := p.expectKeyword("loop"); err != nil {
		return nil, err
	}
	body, err := p.parseStmts("end")
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("end"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("loop"); err != nil {
		return nil, err
	}
	if p.cur().kind == tokIdent && !p.cur().isOp(";") && !isStmtKeyword(p.cur().value) {
		p.i++ // end label
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *parser) parseLoop(label string) (*plast.Loop, error) {
	line := p.cur().line
	p.pushScope(label)
	defer p.popScope()
	body, err := p.finishLoop()
	if err != nil {
		return nil, err
	}
	return &plast.Loop{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Label: label, Body: body}, nil
}

func (p *parser) parseWhile(label string) (*plast.While, error) {
	line := p.cur().line
	p.i++ // WHILE
	cond, err := p.readExpr(exprStop{kws: []string{"loop"}})
	if err != nil {
		return nil, err
	}
	p.pushScope(label)
	defer p.popScope()
	body, err := p.finishLoop()
	if err != nil {
		return nil, err
	}
	return &plast.While{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Label: label, Cond: cond, Body: body}, nil
}

// parseFor dispatches the FOR variants: integer range, query, bound
// cursor, and dynamic EXECUTE.
func (p *parser) parseFor(label string) (plast.Statement, error) {
	line := p.cur().line
	p.i++ // FOR

	// target name list (not resolved yet: the integer variant declares
	// its own loop variable)
	type nameRef struct {
		qual, name string
		line       int
	}
	var names []nameRef
	for {
		t := p.advance()
		if t.kind != tokIdent {
			return nil, &Error{LineNo: t.line, Message: fmt.Sprintf("expected loop target, found %q", t.raw)}
		}
		ref := nameRef{name: t.value, line: t.line}
		if p.cur().isOp(".") {
			p.i++
			f := p.advance()
			ref.qual, ref.name = t.value, f.value
		}
		names = append(names, ref)
		if p.cur().isOp(",") {
			p.i++
			continue
		}
		break
	}
	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}

	p.pushScope(label)
	defer p.popScope()

	if p.cur().isKeyword("execute") {
		p.i++
		if len(names) != 1 {
			return nil, p.errf("dynamic FOR requires a single target")
		}
		q, err := p.readExpr(exprStop{kws: []string{"loop", "using"}})
		if err != nil {
			return nil, err
		}
		var params []*plast.Expr
		if p.cur().isKeyword("using") {
			p.i++
			params, err = p.readExprList("loop")
			if err != nil {
				return nil, err
			}
		}
		targets, err := p.resolveTargets(names[0].qual, names[0].name, names[0].line)
		if err != nil {
			return nil, err
		}
		body, err := p.finishLoop()
		if err != nil {
			return nil, err
		}
		return &plast.ForDynamic{
			StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
			Label:    label, Targets: targets, Query: q, Params: params, Body: body,
		}, nil
	}

	reverse := false
	if p.cur().isKeyword("reverse") {
		reverse = true
		p.i++
	}

	// Classify by scanning ahead for a top-level range operator.
	if p.hasTopLevelRange() {
		if len(names) != 1 || names[0].qual != "" {
			return nil, p.errf("integer FOR loop requires a single simple target")
		}
		lower, err := p.readExpr(exprStop{ops: []string{".."}})
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(".."); err != nil {
			return nil, err
		}
		upper, err := p.readExpr(exprStop{kws: []string{"loop", "by"}})
		if err != nil {
			return nil, err
		}
		var step *plast.Expr
		if p.cur().isKeyword("by") {
			p.i++
			step, err = p.readExpr(exprStop{kws: []string{"loop"}})
			if err != nil {
				return nil, err
			}
		}
		slot := p.declare(plast.Variable{
			Name: names[0].name, Kind: plast.VarScalar, Type: "integer",
			Auto: true, LineNo: line, Parent: -1,
		})
		body, err := p.finishLoop()
		if err != nil {
			return nil, err
		}
		return &plast.ForInt{
			StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
			Label:    label, Var: slot,
			Lower: lower, Upper: upper, Step: step, Reverse: reverse,
			Body: body,
		}, nil
	}
	if reverse {
		return nil, p.errf("REVERSE is only valid in an integer FOR loop")
	}

	// Bound cursor: a single identifier naming a declared cursor,
	// optionally with an argument list.
	if p.cur().kind == tokIdent {
		if slot, ok := p.lookup(p.cur().value); ok && p.vars[slot].CursorQuery != nil {
			nextIsEnd := p.peek(1).isKeyword("loop") || p.peek(1).isOp("(")
			if nextIsEnd {
				p.i++
				var args *plast.Expr
				if p.cur().isOp("(") {
					var err error
					args, err = p.readParenExpr()
					if err != nil {
						return nil, err
					}
				}
				if len(names) != 1 {
					return nil, p.errf("cursor FOR loop requires a single target")
				}
				targets, err := p.resolveTargets(names[0].qual, names[0].name, names[0].line)
				if err != nil {
					return nil, err
				}
				body, err := p.finishLoop()
				if err != nil {
					return nil, err
				}
				return &plast.ForCursor{
					StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
					Label:    label, Targets: targets, CurVar: slot, Args: args, Body: body,
				}, nil
			}
		}
	}

	q, err := p.readExpr(exprStop{kws: []string{"loop"}})
	if err != nil {
		return nil, err
	}
	var targets []int
	for _, n := range names {
		ts, err := p.resolveTargets(n.qual, n.name, n.line)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ts...)
	}
	body, err := p.finishLoop()
	if err != nil {
		return nil, err
	}
	return &plast.ForQuery{
		StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
		Label:    label, Targets: targets, Query: q, Body: body,
	}, nil
}

// hasTopLevelRange scans ahead for '..' outside parentheses before LOOP.
func (p *parser) hasTopLevelRange() bool {
	depth := 0
	caseDepth := 0
	for j := p.i; j < len(p.toks); j++ {
		t := p.toks[j]
		switch {
		case t.isOp("(") || t.isOp("["):
			depth++
		case t.isOp(")") || t.isOp("]"):
			depth--
		case t.isKeyword("case"):
			caseDepth++
		case t.isKeyword("end"):
			if caseDepth > 0 {
				caseDepth--
			}
		case t.isOp("..") && depth == 0:
			return true
		case t.isKeyword("loop") && depth == 0 && caseDepth == 0:
			return false
		case t.kind == tokEOF:
			return false
		}
	}
	return false
}

func (p *parser) parseForeach(label string) (*plast.Foreach, error) {
	line := p.cur().line
	p.i++ // FOREACH
	t := p.advance()
	if t.kind != tokIdent {
		return nil, p.errf("expected FOREACH target")
	}
	qual, name := "", t.value
	if p.cur().isOp(".") {
		p.i++
		qual, name = t.value, p.advance().value
	}
	targets, err := p.resolveTargets(qual, name, t.line)
	if err != nil {
		return nil, err
	}
	slice := 0
	if p.cur().isKeyword("slice") {
		p.i++
		n := p.advance()
		if n.kind != tokNumber {
			return nil, p.errf("expected SLICE dimension")
		}
		fmt.Sscanf(n.value, "%d", &slice)
	}
	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("array"); err != nil {
		return nil, err
	}
	arr, err := p.readExpr(exprStop{kws: []string{"loop"}})
	if err != nil {
		return nil, err
	}
	p.pushScope(label)
	defer p.popScope()
	body, err := p.finishLoop()
	if err != nil {
		return nil, err
	}
	return &plast.Foreach{
		StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
		Label:    label, Target: targets[0], Slice: slice, Array: arr, Body: body,
	}, nil
}

func (p *parser) parseExit() (*plast.Exit, error) {
	line := p.cur().line
	isExit := p.cur().isKeyword("exit")
	p.i++
	st := &plast.Exit{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, IsExit: isExit}
	if p.cur().kind == tokIdent && !p.cur().isKeyword("when") {
		st.Label = p.advance().value
	}
	if p.cur().isKeyword("when") {
		p.i++
		cond, err := p.readExpr(exprStop{semi: true})
		if err != nil {
			return nil, err
		}
		st.Cond = cond
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseReturn() (plast.Statement, error) {
	line := p.cur().line
	p.i++ // RETURN
	base := plast.StmtBase{ID: p.stmtID(), LineNo: line}

	switch {
	case p.cur().isKeyword("next"):
		p.i++
		v, err := p.readExpr(exprStop{semi: true})
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.ReturnNext{StmtBase: base, Value: v}, nil
	case p.cur().isKeyword("query"):
		p.i++
		st := &plast.ReturnQuery{StmtBase: base}
		if p.cur().isKeyword("execute") {
			p.i++
			q, err := p.readExpr(exprStop{semi: true, kws: []string{"using"}})
			if err != nil {
				return nil, err
			}
			st.DynQuery = q
			if p.cur().isKeyword("using") {
				p.i++
				params, err := p.readExprList(";")
				if err != nil {
					return nil, err
				}
				st.Params = params
			}
		} else {
			q, err := p.readExpr(exprStop{semi: true})
			if err != nil {
				return nil, err
			}
			st.Query = q
		}
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return st, nil
	case p.cur().isOp(";"):
		p.i++
		return &plast.Return{StmtBase: base}, nil
	default:
		v, err := p.readExpr(exprStop{semi: true})
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(";"); err != nil {
			return nil, err
		}
		return &plast.Return{StmtBase: base, Value: v}, nil
	}
}

var raiseLevels = map[string]plast.RaiseLevel{
	"debug":     plast.RaiseDebug,
	"log":       plast.RaiseLog,
	"info":      plast.RaiseInfo,
	"notice":    plast.RaiseNotice,
	"warning":   plast.RaiseWarning,
	"exception": plast.RaiseException,
}

func (p *parser) parseRaise() (*plast.Raise, error) {
	line := p.cur().line
	p.i++ // RAISE
	st := &plast.Raise{
		StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
		Level:    plast.RaiseException,
	}
	if lvl, ok := raiseLevels[p.cur().value]; ok && p.cur().kind == tokIdent && !p.cur().quoted {
		st.Level = lvl
		p.i++
	}

	switch {
	case p.cur().kind == tokString:
		st.HasFormat = true
		st.Message = strings.Trim(p.advance().value, "'")
		for p.cur().isOp(",") {
			p.i++
			e, err := p.readExpr(exprStop{semi: true, ops: []string{","}, kws: []string{"using"}})
			if err != nil {
				return nil, err
			}
			st.Params = append(st.Params, e)
		}
	case p.cur().isKeyword("sqlstate"):
		p.i++
		code := p.advance()
		if code.kind != tokString {
			return nil, p.errf("expected SQLSTATE string literal")
		}
		st.CondName = strings.Trim(code.value, "'")
	case p.cur().kind == tokIdent && !p.cur().isKeyword("using"):
		st.CondName = p.advance().value
	}

	if p.cur().isKeyword("using") {
		p.i++
		for {
			key := p.advance()
			if key.kind != tokIdent {
				return nil, p.errf("expected RAISE option name")
			}
			if err := p.expectOp("="); err != nil {
				return nil, err
			}
			v, err := p.readExpr(exprStop{semi: true, ops: []string{","}})
			if err != nil {
				return nil, err
			}
			st.Options = append(st.Options, plast.RaiseOption{Key: key.value, Value: v})
			if p.cur().isOp(",") {
				p.i++
				continue
			}
			break
		}
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseExecute(line int) (*plast.DynExecute, error) {
	p.i++ // EXECUTE
	q, err := p.readExpr(exprStop{semi: true, kws: []string{"into", "using"}})
	if err != nil {
		return nil, err
	}
	st := &plast.DynExecute{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Query: q}
	if p.cur().isKeyword("into") {
		p.i++
		st.Into = true
		if p.cur().isKeyword("strict") {
			st.Strict = true
			p.i++
		}
		st.Targets, err = p.readTargetList()
		if err != nil {
			return nil, err
		}
	}
	if p.cur().isKeyword("using") {
		p.i++
		st.Params, err = p.readExprList(";")
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseGetDiagnostics() (*plast.GetDiagnostics, error) {
	line := p.cur().line
	p.i++ // GET
	st := &plast.GetDiagnostics{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}
	if p.cur().isKeyword("stacked") {
		st.Stacked = true
		p.i++
	} else if p.cur().isKeyword("current") {
		p.i++
	}
	if err := p.expectKeyword("diagnostics"); err != nil {
		return nil, err
	}
	for {
		slot, err := p.resolveVarToken()
		if err != nil {
			return nil, err
		}
		if !p.cur().isOp("=") && !p.cur().isOp(":=") {
			return nil, p.errf("expected assignment in GET DIAGNOSTICS")
		}
		p.i++
		var items []string
		for p.cur().kind == tokIdent {
			items = append(items, p.advance().value)
		}
		st.Items = append(st.Items, plast.GetDiagItem{Target: slot, Item: strings.Join(items, "_")})
		if p.cur().isOp(",") {
			p.i++
			continue
		}
		break
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseOpen() (*plast.Open, error) {
	line := p.cur().line
	p.i++ // OPEN
	cv, err := p.resolveVarToken()
	if err != nil {
		return nil, err
	}
	st := &plast.Open{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, CurVar: cv}
	switch {
	case p.cur().isKeyword("for"):
		p.i++
		if p.cur().isKeyword("execute") {
			p.i++
			st.DynQuery, err = p.readExpr(exprStop{semi: true, kws: []string{"using"}})
			if err != nil {
				return nil, err
			}
			if p.cur().isKeyword("using") {
				p.i++
				st.Params, err = p.readExprList(";")
				if err != nil {
					return nil, err
				}
			}
		} else {
			st.Query, err = p.readExpr(exprStop{semi: true})
			if err != nil {
				return nil, err
			}
		}
	case p.cur().isOp("("):
		st.Args, err = p.readParenExpr()
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseFetch(isMove bool) (*plast.Fetch, error) {
	line := p.cur().line
	p.i++ // FETCH or MOVE
	st := &plast.Fetch{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, IsMove: isMove, CurVar: -1}

	// direction tokens, then [FROM|IN] cursor
	for {
		t := p.cur()
		if t.kind == tokEOF || t.isOp(";") || t.isKeyword("into") {
			break
		}
		if t.kind == tokIdent {
			if slot, ok := p.lookup(t.value); ok && p.vars[slot].Type == "refcursor" {
				st.CurVar = slot
				p.i++
				break
			}
		}
		p.i++
	}
	if st.CurVar < 0 {
		return nil, p.errf("cursor variable not found in FETCH")
	}
	if p.cur().isKeyword("into") {
		p.i++
		var err error
		st.Targets, err = p.readTargetList()
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseAssert() (*plast.Assert, error) {
	line := p.cur().line
	p.i++ // ASSERT
	cond, err := p.readExpr(exprStop{semi: true, ops: []string{","}})
	if err != nil {
		return nil, err
	}
	st := &plast.Assert{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Cond: cond}
	if p.cur().isOp(",") {
		p.i++
		st.Message, err = p.readExpr(exprStop{semi: true})
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) parseCall(line int) (*plast.Call, error) {
	q, err := p.readExpr(exprStop{semi: true})
	if err != nil {
		return nil, err
	}
	if err := p.expectOp(";"); err != nil {
		return nil, err
	}
	return &plast.Call{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}, Query: q}, nil
}

// tryAssignment recognizes target [.field] {:=|=} expr and parses it.
// Returns ok=false without consuming input when the statement is not an
// assignment.
func (p *parser) tryAssignment() (plast.Statement, bool, error) {
	// look ahead: ident [. ident] [subscripts] := or =
	j := p.i
	if p.toks[j].kind != tokIdent {
		return nil, false, nil
	}
	j++
	if j < len(p.toks) && p.toks[j].isOp(".") {
		j += 2
	}
	// array subscripts on the target
	for j < len(p.toks) && p.toks[j].isOp("[") {
		depth := 0
		for j < len(p.toks) {
			if p.toks[j].isOp("[") {
				depth++
			}
			if p.toks[j].isOp("]") {
				depth--
				if depth == 0 {
					j++
					break
				}
			}
			j++
		}
	}
	if j >= len(p.toks) || !(p.toks[j].isOp(":=") || p.toks[j].isOp("=")) {
		return nil, false, nil
	}

	line := p.cur().line
	t := p.advance()
	var slot int
	var ok bool
	if p.cur().isOp(".") {
		p.i++
		f := p.advance()
		slot, ok = p.lookupQualified(t.value, f.value)
		if !ok {
			return nil, false, &Error{LineNo: t.line, Message: fmt.Sprintf("%q is not a known variable", t.raw+"."+f.raw)}
		}
	} else {
		slot, ok = p.lookup(t.value)
		if !ok {
			return nil, false, &Error{LineNo: t.line, Message: fmt.Sprintf("%q is not a known variable", t.raw)}
		}
	}
	// skip target subscripts; subscript expressions read the index vars
	for p.cur().isOp("[") {
		depth := 0
		for {
			if p.cur().isOp("[") {
				depth++
			}
			if p.cur().isOp("]") {
				depth--
				if depth == 0 {
					p.i++
					break
				}
			}
			p.i++
		}
	}
	p.i++ // := or =
	val, err := p.readExpr(exprStop{semi: true})
	if err != nil {
		return nil, false, err
	}
	if err := p.expectOp(";"); err != nil {
		return nil, false, err
	}
	val.Target = slot
	return &plast.Assign{
		StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line},
		Target:   slot, Value: val,
	}, true, nil
}

// parseSQLStatement captures an embedded SQL command up to ';'. A
// top-level INTO clause (outside INSERT) is stripped from the query text
// and resolved to target slots, matching the runtime's behavior.
func (p *parser) parseSQLStatement(line int) (*plast.ExecSQL, error) {
	st := &plast.ExecSQL{StmtBase: plast.StmtBase{ID: p.stmtID(), LineNo: line}}
	first := p.cur().value

	var sb exprBuilder
	depth := 0
	var prev token
	for {
		t := p.cur()
		if t.kind == tokEOF {
			return nil, p.errf("unterminated SQL statement")
		}
		if t.isOp(";") && depth == 0 {
			p.i++
			break
		}
		if t.isOp("(") || t.isOp("[") {
			depth++
		}
		if t.isOp(")") || t.isOp("]") {
			depth--
		}
		if depth == 0 && t.isKeyword("into") && !prev.isKeyword("insert") && first != "import" {
			p.i++
			st.Into = true
			if p.cur().isKeyword("strict") {
				st.Strict = true
				p.i++
			}
			targets, err := p.readTargetList()
			if err != nil {
				return nil, err
			}
			st.Targets = targets
			prev = token{}
			continue
		}
		p.recordRefs(&sb, t)
		sb.add(t)
		prev = t
		p.i++
	}
	st.Query = sb.expr(line)
	return st, nil
}

// resolveTargets resolves an assignment-target name to slots.
func (p *parser) resolveTargets(qual, name string, line int) ([]int, error) {
	if qual != "" {
		slot, ok := p.lookupQualified(qual, name)
		if !ok {
			return nil, &Error{LineNo: line, Message: fmt.Sprintf("%q is not a known variable", qual+"."+name)}
		}
		return []int{slot}, nil
	}
	slot, ok := p.lookup(name)
	if !ok {
		return nil, &Error{LineNo: line, Message: fmt.Sprintf("%q is not a known variable", name)}
	}
	return []int{slot}, nil
}

// readTargetList parses INTO-style target lists: name[.field][, ...].
func (p *parser) readTargetList() ([]int, error) {
	var out []int
	for {
		t := p.advance()
		if t.kind != tokIdent {
			return nil, p.errf("expected INTO target, found %q", t.raw)
		}
		qual, name := "", t.value
		if p.cur().isOp(".") {
			p.i++
			qual, name = t.value, p.advance().value
		}
		ts, err := p.resolveTargets(qual, name, t.line)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
		if p.cur().isOp(",") {
			p.i++
			continue
		}
		return out, nil
	}
}

// resolveVarToken consumes one identifier and resolves it to a slot.
func (p *parser) resolveVarToken() (int, error) {
	t := p.advance()
	if t.kind != tokIdent {
		return -1, p.errf("expected variable name, found %q", t.raw)
	}
	if p.cur().isOp(".") {
		p.i++
		f := p.advance()
		slot, ok := p.lookupQualified(t.value, f.value)
		if !ok {
			return -1, &Error{LineNo: t.line, Message: fmt.Sprintf("%q is not a known variable", t.raw+"."+f.raw)}
		}
		return slot, nil
	}
	slot, ok := p.lookup(t.value)
	if !ok {
		return -1, &Error{LineNo: t.line, Message: fmt.Sprintf("%q is not a known variable", t.raw)}
	}
	return slot, nil
}

// exprStop describes where an expression capture ends. Keywords stop the
// scan only at depth zero and outside CASE expressions; operators stop at
// depth zero.
type exprStop struct {
	semi bool
	kws  []string
	ops  []string
}

func (s exprStop) matches(t token, depth, caseDepth int) bool {
	if depth != 0 {
		return false
	}
	if s.semi && t.isOp(";") {
		return true
	}
	for _, op := range s.ops {
		if t.isOp(op) {
			return true
		}
	}
	if caseDepth > 0 {
		return false
	}
	for _, kw := range s.kws {
		if t.isKeyword(kw) {
			return true
		}
	}
	return false
}

// exprBuilder reassembles expression text and collects referenced slots.
type exprBuilder struct {
	parts []string
	slots []int
	seen  map[int]bool
}

func (b *exprBuilder) add(t token) {
	b.parts = append(b.parts, t.raw)
}

func (b *exprBuilder) ref(slot int) {
	if b.seen == nil {
		b.seen = map[int]bool{}
	}
	if !b.seen[slot] {
		b.seen[slot] = true
		b.slots = append(b.slots, slot)
	}
}

func (b *exprBuilder) expr(line int) *plast.Expr {
	return &plast.Expr{
		SQL:    strings.Join(b.parts, " "),
		LineNo: line,
		Params: b.slots,
		Target: plast.NoTarget,
	}
}

// recordRefs resolves the identifier at the current position against the
// scope stack and records any referenced slots. Tokens following a dot
// are column or field selectors and are skipped on their own.
func (p *parser) recordRefs(b *exprBuilder, t token) {
	if t.kind != tokIdent {
		return
	}
	if p.i > 0 && p.toks[p.i-1].isOp(".") {
		return
	}
	// skip alias positions: "AS name"
	if p.i > 0 && p.toks[p.i-1].isKeyword("as") {
		return
	}
	if p.peek(1).isOp(".") {
		f := p.peek(2)
		if f.kind == tokIdent {
			if slot, ok := p.lookupQualified(t.value, f.value); ok {
				b.ref(slot)
				if parent, ok2 := p.lookup(t.value); ok2 {
					b.ref(parent)
				}
				return
			}
		}
	}
	// identifiers immediately followed by '(' are function names
	if p.peek(1).isOp("(") {
		return
	}
	if slot, ok := p.lookup(t.value); ok {
		b.ref(slot)
	}
}

// readExpr captures raw expression text until a stop condition.
func (p *parser) readExpr(stop exprStop) (*plast.Expr, error) {
	var b exprBuilder
	line := p.cur().line
	depth := 0
	caseDepth := 0
	for {
		t := p.cur()
		if t.kind == tokEOF {
			return nil, p.errf("unexpected end of input in expression")
		}
		if stop.matches(t, depth, caseDepth) {
			break
		}
		switch {
		case t.isOp("(") || t.isOp("["):
			depth++
		case t.isOp(")") || t.isOp("]"):
			if depth == 0 {
				return nil, p.errf("unbalanced parenthesis in expression")
			}
			depth--
		case t.isKeyword("case"):
			caseDepth++
		case t.isKeyword("end"):
			if caseDepth == 0 {
				return nil, p.errf("unexpected END in expression")
			}
			caseDepth--
		}
		p.recordRefs(&b, t)
		b.add(t)
		p.i++
	}
	if len(b.parts) == 0 {
		return nil, p.errf("missing expression")
	}
	return b.expr(line), nil
}

// readExprList parses comma-separated expressions until the terminator
// keyword (or ';' when term is ";").
func (p *parser) readExprList(term string) ([]*plast.Expr, error) {
	stop := exprStop{ops: []string{","}}
	if term == ";" {
		stop.semi = true
	} else {
		stop.kws = []string{term}
	}
	var out []*plast.Expr
	for {
		e, err := p.readExpr(stop)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.cur().isOp(",") {
			p.i++
			continue
		}
		return out, nil
	}
}

// readParenExpr captures a parenthesized argument list including the
// parentheses.
func (p *parser) readParenExpr() (*plast.Expr, error) {
	var b exprBuilder
	line := p.cur().line
	depth := 0
	for {
		t := p.cur()
		if t.kind == tokEOF {
			return nil, p.errf("unterminated argument list")
		}
		if t.isOp("(") {
			depth++
		}
		if t.isOp(")") {
			depth--
		}
		p.recordRefs(&b, t)
		b.add(t)
		p.i++
		if depth == 0 {
			return b.expr(line), nil
		}
	}
}
