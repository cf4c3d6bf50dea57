package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ApplyDDL выполняет map[key]sql в порядке ключей. Ожидается idempotent DDL
// (create ... if not exists); duplicate_object (42710) пропускается.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl map[string]string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	keys := make([]string, 0, len(ddl))
	for k := range ddl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sqlText := strings.TrimSpace(ddl[k])
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				log.InfoContext(ctx, "DDL skipped (already exists)", "constraint", pgErr.ConstraintName, "message", strings.TrimSpace(pgErr.Message))
				continue
			}
			// lib/pq и прочие драйверы: по фразе
			e := strings.ToLower(err.Error())
			if strings.Contains(e, "already exists") || strings.Contains(e, "duplicate") {
				log.InfoContext(ctx, "DDL skipped (already exists)", "key", k, "error", err)
				continue
			}
			return fmt.Errorf("DDL apply failed (%s): %w", k, err)
		}
		log.DebugContext(ctx, "DDL applied", "key", k)
	}
	return nil
}
