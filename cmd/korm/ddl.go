package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"korm/internal/pg"
)

func newDDLCmd(a *app) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "ddl",
		Short: "Print bootstrap DDL for the loaded schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			ddl, err := pg.GenerateDDL(reg)
			if err != nil {
				return err
			}

			if !apply {
				keys := make([]string, 0, len(ddl))
				for k := range ddl {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				out := cmd.OutOrStdout()
				for _, k := range keys {
					fmt.Fprintf(out, "-- %s\n%s\n", k, ddl[k])
				}
				return nil
			}

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := pg.ApplyDDL(cmd.Context(), db, ddl, a.log); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "DDL applied: %d entities\n", len(reg.Types()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Execute the DDL against --db")
	return cmd
}
