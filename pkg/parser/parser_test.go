package parser_test

import (
	"strings"
	"testing"

	"github.com/plpgcheck/plpgcheck/pkg/parser"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

func slotOf(t *testing.T, proc *plast.Procedure, name string) int {
	t.Helper()
	for i := range proc.Vars {
		if proc.Vars[i].Name == name && proc.Vars[i].Kind != plast.VarRecordField {
			return proc.Vars[i].Slot
		}
	}
	t.Fatalf("no variable %q in %v", name, proc.Vars)
	return -1
}

func mustParse(t *testing.T, body string, sig parser.Signature) *plast.Procedure {
	t.Helper()
	proc, err := parser.Parse(body, sig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return proc
}

func TestParseDeclarations(t *testing.T) {
	body := `DECLARE
		a integer;
		c CONSTANT integer := 10;
		nn text NOT NULL := 'x';
		cur CURSOR FOR SELECT id FROM accounts;
	BEGIN
		RETURN a;
	END`
	proc := mustParse(t, body, parser.Signature{Name: "f", Returns: true, ReturnType: "integer"})

	a := proc.Var(slotOf(t, proc, "a"))
	if a.Type != "integer" || a.Constant || a.NotNull || a.Default != nil {
		t.Errorf("a = %+v", a)
	}

	c := proc.Var(slotOf(t, proc, "c"))
	if !c.Constant || c.Default == nil {
		t.Errorf("c = %+v", c)
	}

	nn := proc.Var(slotOf(t, proc, "nn"))
	if !nn.NotNull || nn.Default == nil {
		t.Errorf("nn = %+v", nn)
	}

	cur := proc.Var(slotOf(t, proc, "cur"))
	if cur.CursorQuery == nil || !strings.Contains(cur.CursorQuery.SQL, "SELECT id") {
		t.Errorf("cur = %+v", cur)
	}
}

func TestParseSelectInto(t *testing.T) {
	sig := parser.Signature{
		Name:    "f",
		Args:    []parser.Arg{{Name: "acct", Type: "bigint", Mode: plast.ModeIn}},
		Returns: true, ReturnType: "numeric",
	}
	body := `DECLARE result numeric;
	BEGIN
		SELECT balance INTO STRICT result FROM accounts WHERE id = acct;
		RETURN result;
	END`
	proc := mustParse(t, body, sig)

	st, ok := proc.Body.Body[0].(*plast.ExecSQL)
	if !ok {
		t.Fatalf("statement is %T, want *plast.ExecSQL", proc.Body.Body[0])
	}
	if !st.Into || !st.Strict {
		t.Errorf("Into = %v, Strict = %v", st.Into, st.Strict)
	}
	if len(st.Targets) != 1 || st.Targets[0] != slotOf(t, proc, "result") {
		t.Errorf("Targets = %v", st.Targets)
	}
	if strings.Contains(strings.ToUpper(st.Query.SQL), "INTO") {
		t.Errorf("INTO clause not stripped from query: %q", st.Query.SQL)
	}
	var sawAcct bool
	for _, p := range st.Query.Params {
		if p == slotOf(t, proc, "acct") {
			sawAcct = true
		}
	}
	if !sawAcct {
		t.Errorf("parameter reference not recorded, Params = %v", st.Query.Params)
	}
}

func TestParseForDisambiguation(t *testing.T) {
	sig := parser.Signature{Name: "f", Returns: true, ReturnType: "integer"}

	t.Run("integer range", func(t *testing.T) {
		body := `BEGIN
			FOR i IN REVERSE 10 .. 1 BY 2 LOOP
				PERFORM i;
			END LOOP;
			RETURN 1;
		END`
		proc := mustParse(t, body, sig)
		st, ok := proc.Body.Body[0].(*plast.ForInt)
		if !ok {
			t.Fatalf("statement is %T, want *plast.ForInt", proc.Body.Body[0])
		}
		if !st.Reverse || st.Step == nil {
			t.Errorf("Reverse = %v, Step = %v", st.Reverse, st.Step)
		}
	})

	t.Run("query", func(t *testing.T) {
		body := `DECLARE r record;
		BEGIN
			FOR r IN SELECT * FROM accounts LOOP
				PERFORM r;
			END LOOP;
			RETURN 1;
		END`
		proc := mustParse(t, body, sig)
		st, ok := proc.Body.Body[0].(*plast.ForQuery)
		if !ok {
			t.Fatalf("statement is %T, want *plast.ForQuery", proc.Body.Body[0])
		}
		if len(st.Targets) != 1 || st.Targets[0] != slotOf(t, proc, "r") {
			t.Errorf("Targets = %v", st.Targets)
		}
	})

	t.Run("bound cursor", func(t *testing.T) {
		body := `DECLARE
			cur CURSOR FOR SELECT id FROM accounts;
			r record;
		BEGIN
			FOR r IN cur LOOP
				PERFORM r;
			END LOOP;
			RETURN 1;
		END`
		proc := mustParse(t, body, sig)
		st, ok := proc.Body.Body[0].(*plast.ForCursor)
		if !ok {
			t.Fatalf("statement is %T, want *plast.ForCursor", proc.Body.Body[0])
		}
		if st.CurVar != slotOf(t, proc, "cur") {
			t.Errorf("CurVar = %d", st.CurVar)
		}
	})

	t.Run("dynamic", func(t *testing.T) {
		body := `DECLARE r record;
		BEGIN
			FOR r IN EXECUTE 'SELECT 1' USING 42 LOOP
				PERFORM r;
			END LOOP;
			RETURN 1;
		END`
		proc := mustParse(t, body, sig)
		st, ok := proc.Body.Body[0].(*plast.ForDynamic)
		if !ok {
			t.Fatalf("statement is %T, want *plast.ForDynamic", proc.Body.Body[0])
		}
		if len(st.Params) != 1 {
			t.Errorf("Params = %v", st.Params)
		}
	})
}

func TestParseIfChain(t *testing.T) {
	body := `BEGIN
		IF a THEN
			RETURN 1;
		ELSIF b THEN
			RETURN 2;
		ELSE
			RETURN 3;
		END IF;
	END`
	proc := mustParse(t, body, parser.Signature{Name: "f", Returns: true, ReturnType: "integer"})

	st, ok := proc.Body.Body[0].(*plast.If)
	if !ok {
		t.Fatalf("statement is %T, want *plast.If", proc.Body.Body[0])
	}
	if len(st.ElseIfs) != 1 || !st.HasElse {
		t.Errorf("ElseIfs = %d, HasElse = %v", len(st.ElseIfs), st.HasElse)
	}
}

func TestParseExceptionHandlers(t *testing.T) {
	body := `BEGIN
		PERFORM 1;
	EXCEPTION
		WHEN division_by_zero OR SQLSTATE '22003' THEN
			NULL;
		WHEN OTHERS THEN
			NULL;
	END`
	proc := mustParse(t, body, parser.Signature{Name: "f"})

	if len(proc.Body.Handlers) != 2 {
		t.Fatalf("handlers = %d, want 2", len(proc.Body.Handlers))
	}
	h := proc.Body.Handlers[0]
	if len(h.Conditions) != 2 || h.Conditions[0] != "division_by_zero" || h.Conditions[1] != "22003" {
		t.Errorf("conditions = %v", h.Conditions)
	}
	if proc.Body.Handlers[1].Conditions[0] != "others" {
		t.Errorf("conditions = %v", proc.Body.Handlers[1].Conditions)
	}
}

func TestParseLineNumbers(t *testing.T) {
	body := "BEGIN\nPERFORM 1;\n\nPERFORM 2;\nEND"
	proc := mustParse(t, body, parser.Signature{Name: "f"})

	if got := proc.Body.Body[0].Line(); got != 2 {
		t.Errorf("first statement line = %d, want 2", got)
	}
	if got := proc.Body.Body[1].Line(); got != 4 {
		t.Errorf("second statement line = %d, want 4", got)
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := parser.Parse("BEGIN IF THEN END IF; END", parser.Signature{Name: "f"})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "line") {
		t.Errorf("error carries no line info: %v", err)
	}
}

func TestExtractRoutines(t *testing.T) {
	src := `
CREATE TABLE t (a int);

CREATE OR REPLACE FUNCTION public.add_one(n integer) RETURNS integer
LANGUAGE plpgsql IMMUTABLE AS $$
BEGIN
    RETURN n + 1;
END;
$$;

CREATE FUNCTION skipped(n integer) RETURNS integer
LANGUAGE sql AS 'SELECT n';

CREATE PROCEDURE do_things(INOUT total bigint, VARIADIC rest integer[])
LANGUAGE plpgsql AS $body$
BEGIN
    total := total + 1;
END;
$body$;
`
	rs, err := parser.ExtractRoutines(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 2 {
		t.Fatalf("routines = %d, want 2 (LANGUAGE sql skipped)", len(rs))
	}

	f := rs[0]
	if f.Signature.Name != "public.add_one" {
		t.Errorf("name = %q", f.Signature.Name)
	}
	if f.Signature.Volatility != plast.Immutable || !f.Signature.Returns {
		t.Errorf("signature = %+v", f.Signature)
	}
	if len(f.Signature.Args) != 1 || f.Signature.Args[0].Name != "n" || f.Signature.Args[0].Mode != plast.ModeIn {
		t.Errorf("args = %+v", f.Signature.Args)
	}
	if !strings.Contains(f.Body, "RETURN n + 1;") {
		t.Errorf("body = %q", f.Body)
	}

	p := rs[1]
	if p.Signature.Kind != plast.KindProcedure {
		t.Errorf("kind = %v", p.Signature.Kind)
	}
	if p.Signature.Args[0].Mode != plast.ModeInOut || p.Signature.Args[1].Mode != plast.ModeVariadic {
		t.Errorf("args = %+v", p.Signature.Args)
	}
}

func TestExtractRoutinesTriggerKind(t *testing.T) {
	src := `CREATE FUNCTION trg() RETURNS trigger LANGUAGE plpgsql AS $$
BEGIN
    RETURN NEW;
END;
$$;`
	rs, err := parser.ExtractRoutines(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].Signature.Kind != plast.KindTrigger {
		t.Fatalf("got %+v", rs)
	}
	if rs[0].Signature.Returns {
		t.Error("trigger must not count as value-returning")
	}
}

func TestTokenizeSQLText(t *testing.T) {
	toks, err := parser.TokenizeSQL(`SELECT 'it''s', $tag$a;b$tag$, e'x''y', id FROM t`)
	if err != nil {
		t.Fatal(err)
	}

	var strs []string
	for _, tok := range toks {
		if tok.Kind == parser.TokenString {
			strs = append(strs, tok.Text())
		}
	}
	want := []string{"it's", "a;b", "x'y"}
	if len(strs) != len(want) {
		t.Fatalf("strings = %q, want %q", strs, want)
	}
	for i := range want {
		if strs[i] != want[i] {
			t.Errorf("strings[%d] = %q, want %q", i, strs[i], want[i])
		}
	}
}

func TestTokenizeSQLComments(t *testing.T) {
	toks, err := parser.TokenizeSQL("SELECT 1 -- note\n+ /* nested /* deep */ */ 2")
	if err != nil {
		t.Fatal(err)
	}
	var vals []string
	for _, tok := range toks {
		vals = append(vals, tok.Value)
	}
	want := []string{"select", "1", "+", "2"}
	if len(vals) != len(want) {
		t.Fatalf("tokens = %q, want %q", vals, want)
	}
}
