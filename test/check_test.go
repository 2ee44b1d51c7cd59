package test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plpgcheck/plpgcheck"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/test/testutil"
)

func findMessage(diags []diag.Diagnostic, substr string) *diag.Diagnostic {
	for i := range diags {
		if strings.Contains(diags[i].Message, substr) {
			return &diags[i]
		}
	}
	return nil
}

func TestCheckCleanRoutine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "account_balance")
	require.NoError(t, err)
	require.Empty(t, rep.Diagnostics, "expected no findings, got: %v", rep.Diagnostics)
}

func TestCheckVolatilityVerdict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "account_owner")
	require.NoError(t, err)

	d := findMessage(rep.Diagnostics, "routine is marked as VOLATILE, should be STABLE")
	require.NotNil(t, d, "expected volatility verdict, got: %v", rep.Diagnostics)
	require.Equal(t, diag.Performance, d.Severity)
	require.Equal(t, -1, d.LineNo)
}

func TestCheckCompositeIntoScalar(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "broken_select")
	require.NoError(t, err)
	require.True(t, rep.HasErrors())

	d := findMessage(rep.Diagnostics, "cannot cast composite value to a scalar type")
	require.NotNil(t, d, "expected composite-to-scalar error, got: %v", rep.Diagnostics)
	require.Equal(t, diag.CodeDatatypeMismatch, d.Code)
}

func TestCheckUndefinedColumn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "broken_column")
	require.NoError(t, err)
	require.True(t, rep.HasErrors())

	var found bool
	for _, d := range rep.Diagnostics {
		if d.Code == diag.CodeUndefinedColumn {
			found = true
		}
	}
	require.True(t, found, "expected 42703, got: %v", rep.Diagnostics)
}

func TestCheckUnusedVariable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "unused_decl")
	require.NoError(t, err)

	d := findMessage(rep.Diagnostics, `unused variable "scratch"`)
	require.NotNil(t, d, "expected unused variable warning, got: %v", rep.Diagnostics)
	require.Equal(t, diag.Warning, d.Severity)
}

func TestCheckInjectionWarning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	cfg := plpgcheck.DefaultConfig()
	cfg.SecurityWarnings = true
	checker, _ := testutil.Checker(t, plpgcheck.WithConfig(cfg))

	rep, err := checker.Check(context.Background(), "risky_execute")
	require.NoError(t, err)

	d := findMessage(rep.Diagnostics, "not sanitized")
	require.NotNil(t, d, "expected injection warning, got: %v", rep.Diagnostics)
	require.Equal(t, diag.Security, d.Severity)
}

func TestCheckProcedureTransactionControl(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	rep, err := checker.Check(context.Background(), "settle_transfers")
	require.NoError(t, err)
	require.False(t, rep.HasErrors(), "COMMIT is legal in a procedure, got: %v", rep.Diagnostics)
}

func TestCheckRoutineNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)

	_, err := checker.Check(context.Background(), "no_such_routine")
	require.Error(t, err)
	require.True(t, plpgcheck.IsRoutineNotFoundErr(err))
}

// Checking must not leave any trace: the speculative compilation runs
// in savepoints that are always rolled back.
func TestCheckLeavesNoTrace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, db := testutil.Checker(t)
	ctx := context.Background()

	var before int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM accounts").Scan(&before))

	for i := 0; i < 3; i++ {
		_, err := checker.Check(ctx, "settle_transfers")
		require.NoError(t, err)
		_, err = checker.Check(ctx, "broken_column")
		require.NoError(t, err)
	}

	var after int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM accounts").Scan(&after))
	require.Equal(t, before, after)

	var status string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT status FROM accounts LIMIT 1").Scan(&status))
	require.Equal(t, "open", status, "UPDATE from compiled routine must not persist")
}

// Repeated checks of the same routine return identical findings.
func TestCheckIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	checker, _ := testutil.Checker(t)
	ctx := context.Background()

	first, err := checker.Check(ctx, "broken_select")
	require.NoError(t, err)
	second, err := checker.Check(ctx, "broken_select")
	require.NoError(t, err)
	require.Equal(t, first.Diagnostics, second.Diagnostics)
}
