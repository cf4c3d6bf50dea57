package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"korm/internal/orm"
	"korm/internal/pg"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		entity string
		format string
	)
	cmd := &cobra.Command{
		Use:   "query SQL [ARGS...]",
		Short: "Run a raw statement with {module.Entity} placeholders and print rows",
		Example: `  korm query 'SELECT * FROM {blog.Post} WHERE author_id = $1' 3
  korm query --entity blog.Post 'SELECT * FROM {Post} ORDER BY id DESC LIMIT 5'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("--format: unsupported %q (table|json)", format)
			}
			reg, err := a.registry()
			if err != nil {
				return err
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			conn, err := pg.Acquire(ctx, db, a.cfg.Driver)
			if err != nil {
				return err
			}
			defer conn.Close()
			e, err := orm.New(conn, reg, orm.WithLogger(a.log), orm.WithSlowThreshold(a.cfg.SlowQuery()))
			if err != nil {
				return err
			}

			params := make([]any, 0, len(args)-1)
			for _, p := range args[1:] {
				params = append(params, p)
			}

			var rows []map[string]any
			if entity != "" {
				insts, err := e.GetListRaw(ctx, entity, args[0], params...)
				if err != nil {
					return err
				}
				for _, inst := range insts {
					rows = append(rows, inst.Values)
				}
			} else if rows, err = e.GetRawList(ctx, args[0], params...); err != nil {
				return err
			}

			if err := printRows(cmd.OutOrStdout(), rows, format); err != nil {
				return err
			}
			a.log.Debug("query done", "rows", len(rows), "stats", e.Stats().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "Decode rows as instances of this entity")
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")
	return cmd
}

// printRows: table — колонки по алфавиту, json — по объекту на строку.
func printRows(w io.Writer, rows []map[string]any, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	colSet := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			colSet[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(cols) > 0 {
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
	}
	for _, r := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cell(r[c])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(tw, "(%d rows)\n", len(rows))
	return tw.Flush()
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
