package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"korm/internal/config"
	"korm/internal/dsl"
	"korm/internal/meta"
	"korm/internal/pg"
)

// app — общее состояние команд: конфиг после всех слоёв и логгер.
type app struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "korm",
		Short:         "Relational mapping over DSL schemas and PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "korm.json", "Path to config JSON")
	pf.String("dsl", "", "Path to DSL directory")
	pf.String("db", "", "Postgres URL")
	pf.String("driver", "", "database/sql driver (pgx|postgres)")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")

	root.AddCommand(newServeCmd(a), newDDLCmd(a), newQueryCmd(a))
	return root
}

// load: конфиг из файла, .env и окружения, затем явно заданные флаги.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadWithPath(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	overlay := func(name string, dst *string) {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = strings.TrimSpace(v)
		}
	}
	overlay("dsl", &cfg.DSLDir)
	overlay("db", &cfg.DBURL)
	overlay("driver", &cfg.Driver)
	overlay("log-level", &cfg.LogLevel)
	if flags.Lookup("port") != nil {
		overlay("port", &cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	return nil
}

func (a *app) registry() (*meta.Registry, error) {
	entities, err := dsl.LoadAllEntities(a.cfg.DSLDir)
	if err != nil {
		return nil, fmt.Errorf("load DSL: %w", err)
	}
	reg, err := meta.NewRegistry(entities)
	if err != nil {
		return nil, err
	}
	a.log.Info("schema loaded", "dir", a.cfg.DSLDir, "entities", len(entities))
	return reg, nil
}

func (a *app) openDB() (*sql.DB, error) {
	if a.cfg.DBURL == "" {
		return nil, errors.New("dbUrl is not set (KORM_DB_URL or --db)")
	}
	db, err := pg.Open(a.cfg.Driver, a.cfg.DBURL, a.cfg.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return db, nil
}
