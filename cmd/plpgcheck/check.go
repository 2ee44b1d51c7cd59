package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/plpgcheck/plpgcheck"
	"github.com/plpgcheck/plpgcheck/internal/cli"
	"github.com/plpgcheck/plpgcheck/internal/plan"
)

var (
	checkAll         bool
	checkSchema      string
	checkFatalErrors bool
	checkExtra       bool
	checkSecurity    bool
	checkPerformance bool
	checkConstTrace  bool
	checkFormat      string
)

var checkCmd = &cobra.Command{
	Use:   "check [routine...]",
	Short: "Check routines against a live database",
	Long: `Check analyzes PL/pgSQL routines stored in a database. Every embedded
SQL fragment is compiled inside a rolled-back subtransaction, so the
analysis sees real catalog state but leaves nothing behind.`,
	Example: `  # Check one routine
  plpgcheck check public.process_order

  # Check every plpgsql routine in a schema
  plpgcheck check --all --schema public

  # Strict mode
  plpgcheck check --extra-warnings --security-warnings my_func`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !checkAll && len(args) == 0 {
			return cli.GeneralError("no routines named; pass names or --all", nil)
		}
		if cfg.Check.Mode == cli.ModeDisabled {
			return nil
		}

		dsn, err := cfg.DSN()
		if err != nil {
			return cli.ConfigError("resolving database connection", err)
		}

		ctx := cmd.Context()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("opening database", err)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			return cli.DBConnectError("connecting to database", err)
		}

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return cli.DBConnectError("opening validation connection", err)
		}
		defer func() { _ = conn.Close(ctx) }()

		service, err := plan.NewPG(ctx, conn)
		if err != nil {
			return cli.DBConnectError("starting validation transaction", err)
		}
		defer func() { _ = service.Close(ctx) }()

		ecfg := cfg.Check.EngineConfig()
		ecfg.FatalErrors = resolveBool(checkFatalErrors, ecfg.FatalErrors)
		ecfg.ExtraWarnings = resolveBool(checkExtra, ecfg.ExtraWarnings)
		ecfg.SecurityWarnings = resolveBool(checkSecurity, ecfg.SecurityWarnings)
		ecfg.PerformanceWarnings = resolveBool(checkPerformance, ecfg.PerformanceWarnings)
		ecfg.ConstantsTracing = resolveBool(checkConstTrace, ecfg.ConstantsTracing)

		checker := plpgcheck.NewChecker(db,
			plpgcheck.WithPlanService(service),
			plpgcheck.WithConfig(ecfg),
		)

		names := args
		if checkAll {
			names, err = listRoutines(ctx, db, checkSchema)
			if err != nil {
				return cli.GeneralError("listing routines", err)
			}
		}
		if verbose > 0 {
			fmt.Fprintf(os.Stderr, "checking %d routine(s)\n", len(names))
		}

		var reports []*plpgcheck.Report
		for _, name := range names {
			rep, err := checker.Check(ctx, name)
			if err != nil {
				if plpgcheck.IsRoutineNotFoundErr(err) {
					return cli.GeneralError(fmt.Sprintf("routine %q", name), err)
				}
				return cli.GeneralError("checking "+name, err)
			}
			reports = append(reports, rep)
		}

		format := resolveString(checkFormat, cfg.Output.Format)
		if err := renderReports(os.Stdout, format, reports); err != nil {
			return err
		}
		for _, rep := range reports {
			if rep.HasErrors() {
				return &cli.ExitError{Code: cli.ExitFindings, Message: "errors found"}
			}
		}
		return nil
	},
}

// listRoutines returns every plpgsql routine visible in the schema, or
// in all non-system schemas when schema is empty.
func listRoutines(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT n.nspname || '.' || p.proname
		FROM pg_catalog.pg_proc p
		JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_catalog.pg_language l ON l.oid = p.prolang
		WHERE l.lanname = 'plpgsql'
		  AND ($1 = '' OR n.nspname = $1)
		  AND ($1 <> '' OR (n.nspname NOT LIKE 'pg\_%' AND n.nspname <> 'information_schema'))
		ORDER BY 1`, schema)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// renderReports writes the reports as text or json.
func renderReports(w *os.File, format string, reports []*plpgcheck.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "text", "":
		for _, rep := range reports {
			if len(rep.Diagnostics) == 0 {
				if !quiet {
					fmt.Fprintf(w, "function \"%s\"  OK\n", rep.Name)
				}
				continue
			}
			fmt.Fprintf(w, "function \"%s\"\n", rep.Name)
			for _, d := range rep.Diagnostics {
				fmt.Fprintf(w, "  %s\n", d)
			}
		}
		return nil
	default:
		return cli.ConfigError(fmt.Sprintf("unknown output format %q", format), nil)
	}
}

func init() {
	checkCmd.Flags().BoolVar(&checkAll, "all", false, "check every plpgsql routine")
	checkCmd.Flags().StringVar(&checkSchema, "schema", "", "restrict --all to one schema")
	checkCmd.Flags().BoolVar(&checkFatalErrors, "fatal-errors", false, "stop at the first error")
	checkCmd.Flags().BoolVar(&checkExtra, "extra-warnings", false, "enable extra warnings")
	checkCmd.Flags().BoolVar(&checkSecurity, "security-warnings", false, "enable security warnings")
	checkCmd.Flags().BoolVar(&checkPerformance, "performance-warnings", false, "enable performance warnings")
	checkCmd.Flags().BoolVar(&checkConstTrace, "constants-tracing", false, "trace propagated constants")
	checkCmd.Flags().StringVar(&checkFormat, "format", "", "output format: text or json")
}
