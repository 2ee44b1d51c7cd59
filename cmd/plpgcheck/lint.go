package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plpgcheck/plpgcheck"
	"github.com/plpgcheck/plpgcheck/internal/cli"
)

var lintFormat string

var lintCmd = &cobra.Command{
	Use:   "lint [file...]",
	Short: "Lint CREATE FUNCTION source files offline",
	Long: `Lint parses CREATE FUNCTION/PROCEDURE statements from SQL files and
runs the structural checks without a database. Embedded SQL is not
compiled, so findings that need catalog state are skipped.`,
	Example: `  # Lint one file
  plpgcheck lint functions.sql

  # Lint the paths from plpgcheck.yaml
  plpgcheck lint`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			paths = cfg.Lint.Paths
		}
		if len(paths) == 0 {
			return cli.GeneralError("no files named; pass paths or set lint.paths", nil)
		}

		checker := plpgcheck.NewChecker(nil,
			plpgcheck.WithConfig(cfg.Check.EngineConfig()),
		)

		var reports []*plpgcheck.Report
		for _, path := range paths {
			if verbose > 0 {
				fmt.Fprintf(os.Stderr, "linting %s\n", path)
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return cli.GeneralError("reading "+path, err)
			}
			reps, err := checker.CheckSource(cmd.Context(), string(src))
			if err != nil {
				if plpgcheck.IsSyntaxErr(err) {
					return cli.ParseError("parsing "+path, err)
				}
				return cli.GeneralError("linting "+path, err)
			}
			reports = append(reports, reps...)
		}

		format := resolveString(lintFormat, cfg.Output.Format)
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

func init() {
	lintCmd.Flags().StringVar(&lintFormat, "format", "", "output format: text or json")
}
