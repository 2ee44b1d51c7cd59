package plpgcheck_test

import (
	"context"
	"strings"
	"testing"

	"github.com/plpgcheck/plpgcheck"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
)

const lintSource = `
CREATE FUNCTION good(n integer) RETURNS integer
LANGUAGE plpgsql IMMUTABLE AS $$
BEGIN
    RETURN n + 1;
END;
$$;

CREATE FUNCTION broken(n integer) RETURNS integer
LANGUAGE plpgsql AS $$
BEGIN
    IF n > THEN
END;
$$;

CREATE FUNCTION leaky(n integer) RETURNS integer
LANGUAGE plpgsql AS $$
DECLARE scratch text;
BEGIN
    RETURN n;
END;
$$;
`

func TestCheckSourceOffline(t *testing.T) {
	checker := plpgcheck.NewChecker(nil)

	reports, err := checker.CheckSource(context.Background(), lintSource)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}

	if reports[0].Name != "good" || len(reports[0].Diagnostics) != 0 {
		t.Errorf("good: %+v", reports[0])
	}

	// the parse failure is a report, not a hard error
	if reports[1].Name != "broken" || !reports[1].HasErrors() {
		t.Errorf("broken: %+v", reports[1])
	}
	if reports[1].Diagnostics[0].Code != diag.CodeSyntaxError {
		t.Errorf("broken code = %q", reports[1].Diagnostics[0].Code)
	}

	var sawUnused bool
	for _, d := range reports[2].Diagnostics {
		if strings.Contains(d.Message, `unused variable "scratch"`) {
			sawUnused = true
		}
	}
	if !sawUnused {
		t.Errorf("leaky: %+v", reports[2].Diagnostics)
	}
}

func TestCheckSourceLineOffset(t *testing.T) {
	checker := plpgcheck.NewChecker(nil)

	reports, err := checker.CheckSource(context.Background(), lintSource)
	if err != nil {
		t.Fatal(err)
	}
	if reports[0].LineOffset >= reports[1].LineOffset {
		t.Errorf("offsets not increasing: %d, %d", reports[0].LineOffset, reports[1].LineOffset)
	}
}

func TestCheckRequiresDatabase(t *testing.T) {
	checker := plpgcheck.NewChecker(nil)

	_, err := checker.Check(context.Background(), "anything")
	if !plpgcheck.IsInvalidConfigErr(err) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestCheckSourceGarbage(t *testing.T) {
	checker := plpgcheck.NewChecker(nil)

	// no CREATE FUNCTION statements is not an error, just no reports
	reports, err := checker.CheckSource(context.Background(), "CREATE TABLE t (a int);")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 0 {
		t.Fatalf("reports = %+v", reports)
	}
}
