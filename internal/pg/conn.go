package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "github.com/lib/pq"              // driver: postgres
)

const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

// Open открывает пул и проверяет соединение. driver: pgx (по умолчанию) или postgres.
func Open(driver, url string, maxOpen int) (*sql.DB, error) {
	if driver == "" {
		driver = DriverPgx
	}
	if driver != DriverPgx && driver != DriverPq {
		return nil, fmt.Errorf("unsupported driver %q (pgx|postgres)", driver)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
