package diag_test

import (
	"errors"
	"testing"

	"github.com/plpgcheck/plpgcheck/pkg/diag"
)

func TestSeverityString(t *testing.T) {
	cases := []struct {
		sev  diag.Severity
		want string
	}{
		{diag.Error, "error"},
		{diag.Security, "warning security"},
		{diag.Performance, "warning performance"},
		{diag.Extra, "warning extra"},
		{diag.Warning, "warning"},
	}
	for _, tc := range cases {
		if got := tc.sev.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestSeverityOrder(t *testing.T) {
	order := []diag.Severity{diag.Error, diag.Security, diag.Performance, diag.Extra, diag.Warning}
	for i := 0; i < len(order)-1; i++ {
		if !order[i].MoreSevere(order[i+1]) {
			t.Errorf("%s should outrank %s", order[i], order[i+1])
		}
		if order[i+1].MoreSevere(order[i]) {
			t.Errorf("%s should not outrank %s", order[i+1], order[i])
		}
	}
}

func TestCollectorOrdering(t *testing.T) {
	c := diag.NewCollector(false)

	c.AddFinal(diag.Diagnostic{Message: "final one"})
	if err := c.Add(diag.Diagnostic{Message: "walk one"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(diag.Diagnostic{Message: "walk two"}); err != nil {
		t.Fatal(err)
	}
	c.AddFinal(diag.Diagnostic{Message: "final two"})

	got := c.Diagnostics()
	want := []string{"walk one", "walk two", "final one", "final two"}
	if len(got) != len(want) {
		t.Fatalf("got %d diagnostics, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Message != w {
			t.Errorf("diagnostics[%d] = %q, want %q", i, got[i].Message, w)
		}
	}
}

func TestCollectorFatalMode(t *testing.T) {
	c := diag.NewCollector(true)

	if err := c.Add(diag.Diagnostic{Severity: diag.Warning, Message: "w"}); err != nil {
		t.Fatalf("warning must not abort: %v", err)
	}
	err := c.Add(diag.Diagnostic{Severity: diag.Error, Message: "boom"})
	if !errors.Is(err, diag.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}

	// the aborting error is still part of the report
	if got := len(c.Diagnostics()); got != 2 {
		t.Fatalf("got %d diagnostics, want 2", got)
	}
}

func TestCollectorErrorCount(t *testing.T) {
	c := diag.NewCollector(false)
	_ = c.Add(diag.Diagnostic{Severity: diag.Error})
	_ = c.Add(diag.Diagnostic{Severity: diag.Warning})
	c.AddFinal(diag.Diagnostic{Severity: diag.Error})

	if got := c.ErrorCount(); got != 2 {
		t.Fatalf("ErrorCount() = %d, want 2", got)
	}
	if !c.HasErrors() {
		t.Fatal("HasErrors() = false")
	}
}

func TestDiagnosticString(t *testing.T) {
	d := diag.Diagnostic{
		Code:     "42703",
		LineNo:   4,
		Severity: diag.Error,
		Message:  `column "balanse" does not exist`,
		Hint:     `Perhaps you meant "balance".`,
	}
	got := d.String()
	want := "error:42703:4: column \"balanse\" does not exist\n  Hint: Perhaps you meant \"balance\"."
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
