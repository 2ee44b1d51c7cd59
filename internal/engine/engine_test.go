package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/plpgcheck/plpgcheck/internal/catalog"
	"github.com/plpgcheck/plpgcheck/internal/engine"
	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/internal/plan/plantest"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/parser"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

func returnsInt() parser.Signature {
	return parser.Signature{
		Name:       "f",
		ReturnType: "integer",
		Returns:    true,
		Volatility: plast.Volatile,
	}
}

func analyze(t *testing.T, body string, sig parser.Signature, cfg engine.Config, svc plan.Service, res catalog.Resolver) []diag.Diagnostic {
	t.Helper()
	proc, err := parser.Parse(body, sig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	diags, err := engine.New(cfg, svc, res).Check(context.Background(), proc)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return diags
}

func hasMessage(diags []diag.Diagnostic, substr string) bool {
	for _, d := range diags {
		if strings.Contains(d.Message, substr) {
			return true
		}
	}
	return false
}

func countMessage(diags []diag.Diagnostic, substr string) int {
	n := 0
	for _, d := range diags {
		if strings.Contains(d.Message, substr) {
			n++
		}
	}
	return n
}

func TestMissingReturnClassification(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ExtraWarnings = true

	cases := []struct {
		name string
		body string
		want string // "", "error" or "warning extra"
	}{
		{
			name: "bare return",
			body: `BEGIN RETURN 1; END`,
			want: "",
		},
		{
			name: "empty body",
			body: `BEGIN END`,
			want: "error",
		},
		{
			name: "return only in then branch",
			body: `BEGIN IF true THEN RETURN 1; END IF; END`,
			want: "warning extra",
		},
		{
			name: "return in both branches",
			body: `BEGIN IF true THEN RETURN 1; ELSE RETURN 2; END IF; END`,
			want: "",
		},
		{
			name: "raise exception terminates",
			body: `BEGIN RAISE EXCEPTION 'boom'; END`,
			want: "",
		},
		{
			name: "handler catches and returns",
			body: `BEGIN
				BEGIN
					RAISE EXCEPTION 'boom';
				EXCEPTION WHEN OTHERS THEN
					RETURN 0;
				END;
			END`,
			want: "",
		},
		{
			name: "handler misses the raised condition",
			body: `BEGIN
				BEGIN
					RAISE EXCEPTION 'boom';
				EXCEPTION WHEN division_by_zero THEN
					RETURN 0;
				END;
			END`,
			want: "",
		},
		{
			name: "infinite loop never falls through",
			body: `BEGIN LOOP PERFORM 1; END LOOP; END`,
			want: "",
		},
		{
			name: "loop with exit falls through",
			body: `BEGIN LOOP EXIT; END LOOP; END`,
			want: "error",
		},
		{
			name: "loop with conditional exit falls through",
			body: `BEGIN LOOP EXIT WHEN true; END LOOP; END`,
			want: "error",
		},
		{
			name: "while loop may not run",
			body: `BEGIN WHILE true LOOP RETURN 1; END LOOP; END`,
			want: "error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			diags := analyze(t, tc.body, returnsInt(), cfg, nil, nil)
			var got *diag.Diagnostic
			for i := range diags {
				if diags[i].Code == "2F005" {
					got = &diags[i]
				}
			}
			switch {
			case tc.want == "" && got != nil:
				t.Fatalf("unexpected missing-return finding: %v", *got)
			case tc.want != "" && got == nil:
				t.Fatalf("expected missing-return finding, got %v", diags)
			case tc.want != "" && got.Severity.String() != tc.want:
				t.Fatalf("severity = %s, want %s", got.Severity, tc.want)
			}
		})
	}
}

func TestUnreachableCode(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ExtraWarnings = true

	body := `BEGIN
		RETURN 1;
		PERFORM 1;
		PERFORM 2;
	END`
	diags := analyze(t, body, returnsInt(), cfg, nil, nil)

	if n := countMessage(diags, "unreachable code"); n != 1 {
		t.Fatalf("unreachable code reported %d times, want once: %v", n, diags)
	}
}

func TestExitLabelResolution(t *testing.T) {
	cfg := engine.DefaultConfig()

	t.Run("unknown label", func(t *testing.T) {
		body := `BEGIN
			<<outer>>
			LOOP
				EXIT bogus;
			END LOOP;
		END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if !hasMessage(diags, `there is no label "bogus"`) {
			t.Fatalf("expected unknown label error, got %v", diags)
		}
	})

	t.Run("continue outside loop", func(t *testing.T) {
		body := `BEGIN CONTINUE; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if !hasMessage(diags, "CONTINUE cannot be used outside a loop") {
			t.Fatalf("expected continue error, got %v", diags)
		}
	})

	t.Run("continue to block label", func(t *testing.T) {
		body := `BEGIN
			<<blk>>
			BEGIN
				LOOP
					CONTINUE blk;
				END LOOP;
			END;
			RETURN 1;
		END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if !hasMessage(diags, `block label "blk" cannot be used in CONTINUE`) {
			t.Fatalf("expected block label error, got %v", diags)
		}
	})

	t.Run("exit to named outer loop", func(t *testing.T) {
		body := `BEGIN
			<<outer>>
			LOOP
				LOOP
					EXIT outer;
				END LOOP;
			END LOOP;
			RETURN 1;
		END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if len(diags) != 0 {
			t.Fatalf("expected no findings, got %v", diags)
		}
	})
}

func TestRaiseParameterCount(t *testing.T) {
	cfg := engine.DefaultConfig()

	t.Run("too many", func(t *testing.T) {
		body := `BEGIN RAISE NOTICE 'v = %', 1, 2; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if !hasMessage(diags, "too many parameters specified for RAISE") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("too few", func(t *testing.T) {
		body := `BEGIN RAISE NOTICE '% and %', 1; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if !hasMessage(diags, "too few parameters specified for RAISE") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("escaped percent", func(t *testing.T) {
		body := `BEGIN RAISE NOTICE '100%% of %', 1; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, nil, nil)
		if hasMessage(diags, "parameters specified for RAISE") {
			t.Fatalf("got %v", diags)
		}
	})
}

func TestReraiseOutsideHandler(t *testing.T) {
	body := `BEGIN RAISE; RETURN 1; END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if !hasMessage(diags, "RAISE without parameters cannot be used outside an exception handler") {
		t.Fatalf("got %v", diags)
	}
}

func TestUnknownExceptionCondition(t *testing.T) {
	body := `BEGIN
		BEGIN
			PERFORM 1;
		EXCEPTION WHEN no_such_condition THEN
			NULL;
		END;
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if !hasMessage(diags, `unrecognized exception condition "no_such_condition"`) {
		t.Fatalf("got %v", diags)
	}
}

func TestTransactionControlInFunction(t *testing.T) {
	body := `BEGIN COMMIT; RETURN 1; END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if !hasMessage(diags, "invalid transaction termination") {
		t.Fatalf("got %v", diags)
	}
}

func TestTransactionControlInProcedure(t *testing.T) {
	sig := parser.Signature{Name: "p", Kind: plast.KindProcedure}

	t.Run("plain commit is legal", func(t *testing.T) {
		body := `BEGIN COMMIT; END`
		diags := analyze(t, body, sig, engine.DefaultConfig(), nil, nil)
		if hasMessage(diags, "transaction") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("commit under exception handler", func(t *testing.T) {
		body := `BEGIN
			BEGIN
				COMMIT;
			EXCEPTION WHEN OTHERS THEN
				NULL;
			END;
		END`
		diags := analyze(t, body, sig, engine.DefaultConfig(), nil, nil)
		if !hasMessage(diags, "cannot commit while a subtransaction is active") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("embedded savepoint is rejected", func(t *testing.T) {
		// the COMMIT statement form is legal in a procedure; transaction
		// control written as plain SQL is not
		body := `BEGIN
			SAVEPOINT s1;
			COMMIT;
		END`
		diags := analyze(t, body, sig, engine.DefaultConfig(), plantest.NewFake(), nil)
		if !hasMessage(diags, "cannot begin/end transactions in PL/pgSQL") {
			t.Fatalf("got %v", diags)
		}
	})
}

func TestCoercionTiers(t *testing.T) {
	cfg := engine.DefaultConfig()
	fake := plantest.NewFake()

	run := func(t *testing.T, res catalog.Resolver) []diag.Diagnostic {
		body := `DECLARE a integer;
		BEGIN
			a := 'abc';
			RETURN a;
		END`
		sig := returnsInt()
		return analyze(t, body, sig, cfg, fake, res)
	}

	t.Run("no cast path is an error", func(t *testing.T) {
		diags := run(t, catalog.NewStatic())
		var found *diag.Diagnostic
		for i := range diags {
			if diags[i].Message == "target type is different type than source type" {
				found = &diags[i]
			}
		}
		if found == nil || found.Severity != diag.Error {
			t.Fatalf("expected error-tier coercion finding, got %v", diags)
		}
	})

	t.Run("explicit-only cast warns", func(t *testing.T) {
		res := catalog.NewStatic().Cast("text", "integer", catalog.CoercionExplicit)
		diags := run(t, res)
		var found *diag.Diagnostic
		for i := range diags {
			if diags[i].Message == "target type is different type than source type" {
				found = &diags[i]
			}
		}
		if found == nil || found.Severity != diag.Warning {
			t.Fatalf("expected warning-tier coercion finding, got %v", diags)
		}
		if !strings.Contains(found.Hint, "does not have an assignment cast") {
			t.Fatalf("hint = %q", found.Hint)
		}
	})

	t.Run("assignment cast is a performance note", func(t *testing.T) {
		res := catalog.NewStatic().Cast("text", "integer", catalog.CoercionAssignment)
		diags := run(t, res)
		var found *diag.Diagnostic
		for i := range diags {
			if diags[i].Message == "target type is different type than source type" {
				found = &diags[i]
			}
		}
		if found == nil || found.Severity != diag.Performance {
			t.Fatalf("expected performance-tier coercion finding, got %v", diags)
		}
	})

	t.Run("implicit cast is silent", func(t *testing.T) {
		res := catalog.NewStatic().Cast("text", "integer", catalog.CoercionImplicit)
		diags := run(t, res)
		if hasMessage(diags, "target type is different type") {
			t.Fatalf("got %v", diags)
		}
	})
}

func TestTaintIsMonotonic(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.SecurityWarnings = true
	fake := plantest.NewFake()
	res := catalog.NewStatic()

	sig := parser.Signature{
		Name:       "f",
		Args:       []parser.Arg{{Name: "p", Type: "text", Mode: plast.ModeIn}},
		ReturnType: "integer",
		Returns:    true,
		Volatility: plast.Volatile,
	}
	body := `DECLARE q text;
	BEGIN
		q := p;
		EXECUTE q;
		q := quote_ident(q);
		EXECUTE q;
		RETURN 1;
	END`
	diags := analyze(t, body, sig, cfg, fake, res)

	// the second EXECUTE must still warn: sanitizing a tainted value
	// does not clear its taint
	if n := countMessage(diags, "not sanitized"); n != 2 {
		t.Fatalf("injection warnings = %d, want 2: %v", n, diags)
	}
}

func TestSanitizedDynamicIsQuiet(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.SecurityWarnings = true
	fake := plantest.NewFake()
	res := catalog.NewStatic()

	sig := parser.Signature{
		Name:       "f",
		Args:       []parser.Arg{{Name: "tbl", Type: "text", Mode: plast.ModeIn}},
		ReturnType: "integer",
		Returns:    true,
		Volatility: plast.Volatile,
	}
	body := `BEGIN
		EXECUTE 'SELECT count(*) FROM ' || quote_ident(tbl);
		RETURN 1;
	END`
	diags := analyze(t, body, sig, cfg, fake, res)
	if hasMessage(diags, "not sanitized") {
		t.Fatalf("sanitized expression flagged: %v", diags)
	}
}

func TestDynamicConstantQuery(t *testing.T) {
	cfg := engine.DefaultConfig()
	fake := plantest.NewFake()

	t.Run("constant execute is overhead", func(t *testing.T) {
		body := `BEGIN EXECUTE 'SELECT 1'; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, fake, nil)
		if !hasMessage(diags, "immutable expression without parameters found") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("unused USING parameters", func(t *testing.T) {
		body := `BEGIN EXECUTE 'SELECT 1' USING 42; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, fake, nil)
		if !hasMessage(diags, "USING clause parameters are not used") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("batch is allowed in execute", func(t *testing.T) {
		body := `BEGIN EXECUTE 'SELECT 1; SELECT 2'; RETURN 1; END`
		diags := analyze(t, body, returnsInt(), cfg, fake, nil)
		if hasMessage(diags, "not a single execution plan") {
			t.Fatalf("got %v", diags)
		}
	})
}

func TestPragmaScoping(t *testing.T) {
	cfg := engine.DefaultConfig()

	body := `BEGIN
		BEGIN
			PERFORM plpgcheck_pragma('disable:other_warnings');
			PERFORM plpgcheck_pragma('echo:hidden');
		END;
		PERFORM plpgcheck_pragma('echo:visible');
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), cfg, nil, nil)

	if hasMessage(diags, "hidden") {
		t.Fatalf("disabled category leaked a finding: %v", diags)
	}
	if !hasMessage(diags, "visible") {
		t.Fatalf("pragma disable outlived its block: %v", diags)
	}
}

func TestPragmaMalformed(t *testing.T) {
	body := `BEGIN
		PERFORM plpgcheck_pragma('enable:bogus_category');
		PERFORM plpgcheck_pragma('table:');
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if n := countMessage(diags, "cannot process pragma"); n != 2 {
		t.Fatalf("malformed pragma findings = %d, want 2: %v", n, diags)
	}
}

func TestPragmaStatus(t *testing.T) {
	body := `BEGIN
		PERFORM plpgcheck_pragma('status:extra_warnings');
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if !hasMessage(diags, "extra_warnings is disabled") {
		t.Fatalf("got %v", diags)
	}
}

func TestUnusedAndNeverRead(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ExtraWarnings = true

	body := `DECLARE
		untouched integer;
		writeonly integer;
	BEGIN
		writeonly := 1;
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), cfg, nil, nil)

	if !hasMessage(diags, `unused variable "untouched"`) {
		t.Fatalf("missing unused finding: %v", diags)
	}
	if !hasMessage(diags, `never read variable "writeonly"`) {
		t.Fatalf("missing never-read finding: %v", diags)
	}
}

func TestAssignmentSelfReference(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ExtraWarnings = true

	// the right-hand side reads x, so x is both modified and used
	body := `DECLARE x text := '';
	BEGIN
		x := x || 'a';
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), cfg, nil, nil)

	if hasMessage(diags, `never read variable "x"`) {
		t.Fatalf("self-read must count as a use: %v", diags)
	}
	if hasMessage(diags, `unused variable "x"`) {
		t.Fatalf("got %v", diags)
	}
}

func TestConstantAssignmentToConstant(t *testing.T) {
	body := `DECLARE c CONSTANT integer := 1;
	BEGIN
		c := 2;
		RETURN c;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
	if !hasMessage(diags, `variable "c" is declared CONSTANT`) {
		t.Fatalf("got %v", diags)
	}
}

func TestVariableShadowing(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ExtraWarnings = true

	body := `DECLARE v integer;
	BEGIN
		DECLARE v integer;
		BEGIN
			v := 1;
		END;
		v := 2;
		RETURN v;
	END`
	diags := analyze(t, body, returnsInt(), cfg, nil, nil)
	if !hasMessage(diags, `variable "v" shadows a previously defined variable`) {
		t.Fatalf("got %v", diags)
	}
}

func TestFatalErrorsStopsEarly(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.FatalErrors = true

	body := `BEGIN
		COMMIT;
		CONTINUE;
		RETURN 1;
	END`
	proc, err := parser.Parse(body, returnsInt())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	diags, err := engine.New(cfg, nil, nil).Check(context.Background(), proc)

	// the abort is visible to the caller, not silently folded into a
	// shortened result
	if !errors.Is(err, diag.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if len(diags) != 1 {
		t.Fatalf("fatal mode should stop at the first error, got %v", diags)
	}
	if !strings.Contains(diags[0].Message, "invalid transaction termination") {
		t.Fatalf("got %v", diags)
	}
}

func TestCompileFailureReported(t *testing.T) {
	fake := plantest.NewFake()
	fake.FailOn("SELECT * FROM missing", &plan.Failure{
		Code:    "42P01",
		Message: `relation "missing" does not exist`,
	})

	body := `DECLARE r record;
	BEGIN
		FOR r IN SELECT * FROM missing LOOP
			PERFORM 1;
		END LOOP;
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), fake, nil)
	if !hasMessage(diags, `relation "missing" does not exist`) {
		t.Fatalf("got %v", diags)
	}
}

func TestPragmaTableSuppressesMissingRelation(t *testing.T) {
	fake := plantest.NewFake()
	fake.FailOn("SELECT * FROM temp_result", &plan.Failure{
		Code:    "42P01",
		Message: `relation "temp_result" does not exist`,
	})

	body := `DECLARE r record;
	BEGIN
		PERFORM plpgcheck_pragma('table: temp_result (id integer, note text)');
		FOR r IN SELECT * FROM temp_result LOOP
			PERFORM 1;
		END LOOP;
		RETURN 1;
	END`
	diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), fake, nil)
	if hasMessage(diags, "does not exist") {
		t.Fatalf("declared relation still reported: %v", diags)
	}
}

func TestVolatilityVerdictNeedsCompiledEvidence(t *testing.T) {
	body := `BEGIN RETURN 1; END`

	t.Run("no plan service stays quiet", func(t *testing.T) {
		// nothing was compiled, so the running class carries no evidence
		diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), nil, nil)
		if hasMessage(diags, "routine is marked as") {
			t.Fatalf("got %v", diags)
		}
	})

	t.Run("compiled immutable body draws the verdict", func(t *testing.T) {
		diags := analyze(t, body, returnsInt(), engine.DefaultConfig(), plantest.NewFake(), nil)
		if !hasMessage(diags, "routine is marked as VOLATILE, should be IMMUTABLE") {
			t.Fatalf("got %v", diags)
		}
	})
}
