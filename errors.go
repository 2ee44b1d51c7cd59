package plpgcheck

import (
	"errors"
)

// Sentinel errors returned by the Checker. Wrap-aware: test with the
// Is*Err helpers or errors.Is.
var (
	// ErrRoutineNotFound is returned when the named routine does not
	// exist, is not written in PL/pgSQL, or is not visible to the
	// connection.
	ErrRoutineNotFound = errors.New("plpgcheck: routine not found")

	// ErrSyntax is returned when the routine body cannot be parsed.
	ErrSyntax = errors.New("plpgcheck: syntax error")

	// ErrInvalidConfig is returned for contradictory or incomplete
	// checker configuration.
	ErrInvalidConfig = errors.New("plpgcheck: invalid configuration")
)

// IsRoutineNotFoundErr reports whether err wraps ErrRoutineNotFound.
func IsRoutineNotFoundErr(err error) bool {
	return errors.Is(err, ErrRoutineNotFound)
}

// IsSyntaxErr reports whether err wraps ErrSyntax.
func IsSyntaxErr(err error) bool {
	return errors.Is(err, ErrSyntax)
}

// IsInvalidConfigErr reports whether err wraps ErrInvalidConfig.
func IsInvalidConfigErr(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// SQLState extracts the SQLSTATE from a driver or planner error, or ""
// when the error carries none.
func SQLState(err error) string {
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState()
	}
	return ""
}
