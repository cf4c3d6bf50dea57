package main

import (
	"github.com/spf13/cobra"

	"korm/internal/api"
	"korm/internal/pg"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API over the loaded schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if a.cfg.AutoCreate {
				ddl, err := pg.GenerateDDL(reg)
				if err != nil {
					return err
				}
				if err := pg.ApplyDDL(cmd.Context(), db, ddl, a.log); err != nil {
					return err
				}
			}

			s := &api.Server{
				DB:     db,
				Driver: a.cfg.Driver,
				Reg:    reg,
				Blob:   &api.LocalBlobStore{Root: a.cfg.FilesRoot},
				Log:    a.log,
				Slow:   a.cfg.SlowQuery(),
			}
			return api.RunServer(":"+a.cfg.Port, s)
		},
	}
	cmd.Flags().String("port", "", "HTTP port")
	return cmd
}
