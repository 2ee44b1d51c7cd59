// Package plpgcheck statically analyzes PL/pgSQL routines. It parses a
// routine body into a statement tree, walks it with a dataflow engine,
// and optionally validates every embedded SQL fragment against a live
// database by compiling it inside rolled-back subtransactions.
//
// The zero-dependency entry point is CheckSource, which lints CREATE
// FUNCTION statements from a file or string. Check connects the analysis
// to a database for full validation.
package plpgcheck

import (
	"context"
	"errors"
	"fmt"

	"github.com/plpgcheck/plpgcheck/internal/catalog"
	"github.com/plpgcheck/plpgcheck/internal/engine"
	"github.com/plpgcheck/plpgcheck/internal/plan"
	"github.com/plpgcheck/plpgcheck/pkg/diag"
	"github.com/plpgcheck/plpgcheck/pkg/parser"
	"github.com/plpgcheck/plpgcheck/pkg/plast"
)

// Querier is the database handle the checker reads catalogs through.
// *sql.DB, *sql.Tx and *sql.Conn all satisfy it.
type Querier = catalog.Querier

// Config re-exports the engine's category toggles.
type Config = engine.Config

// DefaultConfig returns the default category toggles.
func DefaultConfig() Config { return engine.DefaultConfig() }

// Report is the outcome of checking one routine.
type Report struct {
	// Name is the routine's name as requested or parsed.
	Name string
	// LineOffset is the line of the CREATE statement in file input,
	// zero for catalog input.
	LineOffset int
	// Diagnostics are the findings in walk order, whole-routine
	// aggregates last.
	Diagnostics []diag.Diagnostic
	// Aborted is set when fatal-errors mode stopped the analysis at the
	// first error, so Diagnostics covers only the walked prefix.
	Aborted bool
}

// HasErrors reports whether any Error-severity finding was recorded.
func (r *Report) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == diag.Error {
			return true
		}
	}
	return false
}

// Checker runs analyses. Construct with NewChecker; the zero value only
// supports CheckSource.
type Checker struct {
	db       Querier
	service  plan.Service
	resolver catalog.Resolver
	cfg      Config
}

// Option configures a Checker.
type Option func(*Checker)

// WithPlanService attaches the speculative compilation service used to
// validate embedded SQL. Without one, queries are not compiled and only
// the structural checks run.
func WithPlanService(s plan.Service) Option {
	return func(c *Checker) { c.service = s }
}

// WithResolver overrides the type-compatibility resolver. The default
// resolves against the connection's catalogs.
func WithResolver(r catalog.Resolver) Option {
	return func(c *Checker) { c.resolver = r }
}

// WithConfig sets the diagnostic category toggles.
func WithConfig(cfg Config) Option {
	return func(c *Checker) { c.cfg = cfg }
}

// NewChecker returns a Checker over db. db may be nil for source-only
// linting.
func NewChecker(db Querier, opts ...Option) *Checker {
	c := &Checker{db: db, cfg: engine.DefaultConfig()}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil && c.db != nil {
		c.resolver = catalog.New(c.db)
	}
	return c
}

// Check loads the named routine from the catalogs and analyzes it. The
// name may be schema qualified.
func (c *Checker) Check(ctx context.Context, name string) (*Report, error) {
	if c.db == nil {
		return nil, fmt.Errorf("%w: Check requires a database connection", ErrInvalidConfig)
	}
	md, err := catalog.New(c.db).RoutineMetadata(ctx, name)
	if err != nil {
		if errors.Is(err, catalog.ErrRoutineNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoutineNotFound, name)
		}
		return nil, err
	}
	sig := signatureFromMetadata(md)
	proc, err := parser.Parse(md.Source, sig)
	if err != nil {
		return c.syntaxReport(md.Name, 0, err)
	}
	diags, err := engine.New(c.cfg, c.service, c.resolver).Check(ctx, proc)
	if err != nil && !errors.Is(err, diag.ErrFatal) {
		return nil, err
	}
	return &Report{Name: md.Name, Diagnostics: diags, Aborted: err != nil}, nil
}

// CheckSource lints every CREATE FUNCTION/PROCEDURE in src without
// touching a database. Queries are not compiled; parse failures become
// Error diagnostics rather than hard errors, so one broken routine does
// not hide the rest of a file.
func (c *Checker) CheckSource(ctx context.Context, src string) ([]*Report, error) {
	routines, err := parser.ExtractRoutines(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	var out []*Report
	for _, r := range routines {
		proc, err := parser.Parse(r.Body, r.Signature)
		if err != nil {
			rep, _ := c.syntaxReport(r.Signature.Name, r.LineNo, err)
			out = append(out, rep)
			continue
		}
		diags, err := engine.New(c.cfg, c.service, c.resolver).Check(ctx, proc)
		if err != nil && !errors.Is(err, diag.ErrFatal) {
			return out, err
		}
		out = append(out, &Report{
			Name: r.Signature.Name, LineOffset: r.LineNo,
			Diagnostics: diags, Aborted: err != nil,
		})
	}
	return out, nil
}

// syntaxReport folds a parse failure into a single-diagnostic report.
func (c *Checker) syntaxReport(name string, lineOffset int, err error) (*Report, error) {
	d := diag.Diagnostic{
		Code:     diag.CodeSyntaxError,
		Severity: diag.Error,
		Message:  err.Error(),
	}
	var perr *parser.Error
	if errors.As(err, &perr) {
		d.LineNo = perr.LineNo
		d.Message = perr.Message
	}
	return &Report{Name: name, LineOffset: lineOffset, Diagnostics: []diag.Diagnostic{d}}, nil
}

func signatureFromMetadata(md *catalog.Metadata) parser.Signature {
	sig := parser.Signature{
		Name:       md.Name,
		ReturnType: md.ReturnType,
		Returns:    md.Returns,
		ReturnsSet: md.ReturnsSet,
		Volatility: md.Volatility,
		Kind:       md.Kind,
	}
	for i, typ := range md.ArgTypes {
		arg := parser.Arg{Type: typ, Mode: plast.ModeIn}
		if i < len(md.ArgNames) {
			arg.Name = md.ArgNames[i]
		}
		if i < len(md.ArgModes) {
			arg.Mode = md.ArgModes[i]
		}
		sig.Args = append(sig.Args, arg)
	}
	return sig
}
