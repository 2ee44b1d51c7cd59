package plan

import (
	"reflect"
	"testing"

	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

func TestCommandOf(t *testing.T) {
	cases := []struct {
		query string
		want  CommandKind
	}{
		{"SELECT 1", CommandSelect},
		{"  select * from t", CommandSelect},
		{"VALUES (1), (2)", CommandSelect},
		{"TABLE accounts", CommandSelect},
		{"INSERT INTO t VALUES (1)", CommandInsert},
		{"UPDATE t SET a = 1", CommandUpdate},
		{"DELETE FROM t", CommandDelete},
		{"MERGE INTO t USING s ON true WHEN MATCHED THEN DO NOTHING", CommandMerge},
		{"WITH x AS (SELECT 1) SELECT * FROM x", CommandSelect},
		{"WITH x AS (SELECT 1) UPDATE t SET a = 1", CommandUpdate},
		{"WITH x AS (SELECT 'update me') SELECT * FROM x", CommandSelect},
		{"COMMIT", CommandTransaction},
		{"ROLLBACK", CommandTransaction},
		{"CREATE TEMP TABLE x (a int)", CommandUtility},
		{"", CommandUnknown},
	}
	for _, tc := range cases {
		if got := CommandOf(tc.query); got != tc.want {
			t.Errorf("CommandOf(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "single",
			query: "SELECT 1",
			want:  []string{"SELECT 1"},
		},
		{
			name:  "two statements",
			query: "SELECT 1; SELECT 2",
			want:  []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:  "trailing semicolon",
			query: "SELECT 1;",
			want:  []string{"SELECT 1"},
		},
		{
			name:  "semicolon inside literal",
			query: "SELECT 'a;b'; SELECT 2",
			want:  []string{"SELECT 'a;b'", "SELECT 2"},
		},
		{
			name:  "semicolon inside dollar quote",
			query: "SELECT $tag$x;y$tag$; SELECT 2",
			want:  []string{"SELECT $tag$x;y$tag$", "SELECT 2"},
		},
		{
			name:  "line comment swallows semicolon",
			query: "SELECT 1 -- trailing; note\n; SELECT 2",
			want:  []string{"SELECT 1 -- trailing; note", "SELECT 2"},
		},
		{
			name:  "empty statements dropped",
			query: " ; ;SELECT 1;; ",
			want:  []string{"SELECT 1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitStatements(tc.query)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("SplitStatements(%q) = %q, want %q", tc.query, got, tc.want)
			}
		})
	}
}

func TestContribution(t *testing.T) {
	cases := []struct {
		name string
		desc Description
		want plast.Volatility
	}{
		{
			name: "bare select",
			desc: Description{Command: CommandSelect},
			want: plast.Immutable,
		},
		{
			name: "select over a relation",
			desc: Description{Command: CommandSelect, Relations: []string{"accounts"}},
			want: plast.Stable,
		},
		{
			name: "select calling a stable function",
			desc: Description{
				Command:   CommandSelect,
				Functions: []FunctionRef{{Name: "now", Volatility: plast.Stable}},
			},
			want: plast.Stable,
		},
		{
			name: "select calling a volatile function",
			desc: Description{
				Command:   CommandSelect,
				Functions: []FunctionRef{{Name: "random", Volatility: plast.Volatile}},
			},
			want: plast.Volatile,
		},
		{
			name: "update",
			desc: Description{Command: CommandUpdate},
			want: plast.Volatile,
		},
		{
			name: "select with modifying cte",
			desc: Description{Command: CommandSelect, HasModifyingCTE: true},
			want: plast.Volatile,
		},
		{
			name: "select for update",
			desc: Description{Command: CommandSelect, ForUpdate: true},
			want: plast.Volatile,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Contribution(&tc.desc); got != tc.want {
				t.Fatalf("Contribution() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckPolicy(t *testing.T) {
	t.Run("write in read-only routine", func(t *testing.T) {
		d := &Description{Command: CommandUpdate}
		out := CheckPolicy(d, "UPDATE t SET a = 1", 3, PolicyContext{ReadOnly: true})
		if len(out) != 1 {
			t.Fatalf("got %v", out)
		}
		if out[0].Message != "UPDATE is not allowed in a non volatile function" {
			t.Fatalf("message = %q", out[0].Message)
		}
		if out[0].Severity != diag.Error || out[0].LineNo != 3 {
			t.Fatalf("got %+v", out[0])
		}
	})

	t.Run("transaction statement in function", func(t *testing.T) {
		d := &Description{Command: CommandTransaction}
		out := CheckPolicy(d, "COMMIT", 1, PolicyContext{})
		if len(out) != 1 || out[0].Code != diag.CodeFeatureNotSupported {
			t.Fatalf("got %v", out)
		}
	})

	t.Run("embedded savepoint is rejected everywhere", func(t *testing.T) {
		// only the COMMIT and ROLLBACK statement forms are legal in a
		// procedure; transaction control reaching the planner is not
		d := &Description{Command: CommandTransaction}
		out := CheckPolicy(d, "SAVEPOINT s1", 1, PolicyContext{})
		if len(out) != 1 || out[0].Code != diag.CodeFeatureNotSupported {
			t.Fatalf("got %v", out)
		}
	})

	t.Run("implicit cast performance note", func(t *testing.T) {
		d := &Description{
			Command:       CommandSelect,
			ImplicitCasts: []CastNote{{Column: "id", From: "bigint", To: "numeric"}},
		}
		out := CheckPolicy(d, "SELECT 1", 1, PolicyContext{PerformanceWarnings: true})
		if len(out) != 1 || out[0].Severity != diag.Performance {
			t.Fatalf("got %v", out)
		}
		if out[0].Detail != `attribute "id" is casted from "bigint" to "numeric"` {
			t.Fatalf("detail = %q", out[0].Detail)
		}

		// the same description is silent without the toggle
		if out := CheckPolicy(d, "SELECT 1", 1, PolicyContext{}); len(out) != 0 {
			t.Fatalf("got %v", out)
		}
	})
}

func TestRewriteParams(t *testing.T) {
	params := []Param{
		{Slot: 0, Name: "acct", Type: "bigint"},
		{Slot: 1, Name: "result", Type: "numeric"},
	}

	prepared, explainForm := rewriteParams(
		"SELECT balance FROM accounts WHERE id = acct AND balance > result",
		params,
	)

	wantPrepared := "SELECT balance FROM accounts WHERE id = ($1::bigint) AND balance > ($2::numeric)"
	if prepared != wantPrepared {
		t.Errorf("prepared = %q, want %q", prepared, wantPrepared)
	}
	wantExplain := "SELECT balance FROM accounts WHERE id = (NULL::bigint) AND balance > (NULL::numeric)"
	if explainForm != wantExplain {
		t.Errorf("explain form = %q, want %q", explainForm, wantExplain)
	}
}

func TestRewriteParamsCaseInsensitive(t *testing.T) {
	prepared, _ := rewriteParams("SELECT Acct", []Param{{Slot: 0, Name: "acct", Type: "bigint"}})
	if prepared != "SELECT ($1::bigint)" {
		t.Fatalf("prepared = %q", prepared)
	}
}

func TestRewriteParamsUntyped(t *testing.T) {
	prepared, explainForm := rewriteParams("SELECT v", []Param{{Slot: 0, Name: "v"}})
	if prepared != "SELECT $1" {
		t.Errorf("prepared = %q", prepared)
	}
	if explainForm != "SELECT NULL" {
		t.Errorf("explain form = %q", explainForm)
	}
}

func TestHasModifyingCTE(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"WITH x AS (INSERT INTO t VALUES (1) RETURNING id) SELECT * FROM x", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", false},
		{"INSERT INTO t VALUES (1)", false},
		{"WITH x AS (UPDATE t SET a = 1 RETURNING a) SELECT * FROM x", true},
	}
	for _, tc := range cases {
		if got := hasModifyingCTE(tc.query); got != tc.want {
			t.Errorf("hasModifyingCTE(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestHasForUpdate(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT * FROM t FOR UPDATE", true},
		{"SELECT * FROM t FOR SHARE", true},
		{"SELECT * FROM t FOR NO KEY UPDATE", true},
		{"SELECT * FROM t", false},
		{"SELECT 'for update'", false},
		{"SELECT * FROM (SELECT a FROM t FOR UPDATE) s", false},
	}
	for _, tc := range cases {
		if got := hasForUpdate(tc.query); got != tc.want {
			t.Errorf("hasForUpdate(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestFunctionNames(t *testing.T) {
	got := functionNames("SELECT quote_ident(tbl), count(*), sum(x) FROM t WHERE (a > 1) AND lower(b) = 'x'")
	want := []string{"quote_ident", "count", "sum", "lower"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("functionNames() = %v, want %v", got, want)
	}
}
