package plpgcheck_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/plpgcheck/plpgcheck"
	"github.com/plpgcheck/plpgcheck/internal/plan"
)

func TestErrorHelpers(t *testing.T) {
	t.Run("IsRoutineNotFoundErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", plpgcheck.ErrRoutineNotFound)
		if !plpgcheck.IsRoutineNotFoundErr(err) {
			t.Error("IsRoutineNotFoundErr should return true for wrapped ErrRoutineNotFound")
		}
		if plpgcheck.IsRoutineNotFoundErr(errors.New("other error")) {
			t.Error("IsRoutineNotFoundErr should return false for other errors")
		}
	})

	t.Run("IsSyntaxErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", plpgcheck.ErrSyntax)
		if !plpgcheck.IsSyntaxErr(err) {
			t.Error("IsSyntaxErr should return true for wrapped ErrSyntax")
		}
		if plpgcheck.IsSyntaxErr(errors.New("other error")) {
			t.Error("IsSyntaxErr should return false for other errors")
		}
	})

	t.Run("IsInvalidConfigErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", plpgcheck.ErrInvalidConfig)
		if !plpgcheck.IsInvalidConfigErr(err) {
			t.Error("IsInvalidConfigErr should return true for wrapped ErrInvalidConfig")
		}
		if plpgcheck.IsInvalidConfigErr(errors.New("other error")) {
			t.Error("IsInvalidConfigErr should return false for other errors")
		}
	})
}

func TestSQLState(t *testing.T) {
	failure := &plan.Failure{Code: "42P01", Message: `relation "t" does not exist`}
	wrapped := fmt.Errorf("describe: %w", failure)

	if got := plpgcheck.SQLState(wrapped); got != "42P01" {
		t.Errorf("SQLState() = %q, want %q", got, "42P01")
	}
	if got := plpgcheck.SQLState(errors.New("plain")); got != "" {
		t.Errorf("SQLState() = %q, want empty", got)
	}
}
