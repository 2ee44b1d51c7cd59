package main

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/plpgcheck/plpgcheck/internal/cli"
)

var showCmd = &cobra.Command{
	Use:   "show <routine>",
	Short: "Show the source of a stored routine",
	Args:  cobra.ExactArgs(1),
	Example: `  # Print a routine body with line numbers
  plpgcheck show public.process_order`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := cfg.DSN()
		if err != nil {
			return cli.ConfigError("resolving database connection", err)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("opening database", err)
		}
		defer func() { _ = db.Close() }()

		name := args[0]
		schema := ""
		if i := strings.IndexByte(name, '.'); i >= 0 {
			schema, name = name[:i], name[i+1:]
		}

		var src string
		err = db.QueryRowContext(cmd.Context(), `
			SELECT p.prosrc
			FROM pg_catalog.pg_proc p
			JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
			WHERE p.proname = $1 AND ($2 = '' OR n.nspname = $2)`,
			name, schema).Scan(&src)
		if err != nil {
			if err == sql.ErrNoRows {
				return cli.GeneralError(fmt.Sprintf("routine %q not found", args[0]), nil)
			}
			return cli.DBConnectError("loading routine", err)
		}

		for i, line := range strings.Split(src, "\n") {
			fmt.Printf("%4d  %s\n", i+1, line)
		}
		return nil
	},
}
