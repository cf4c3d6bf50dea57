package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"korm/internal/orm"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn — выделенное соединение из пула (или транзакция на нём), реализует
// orm.Executor. Не потокобезопасен: один запрос за раз.
type Conn struct {
	q      querier
	conn   *sql.Conn
	driver string
}

var _ orm.Executor = (*Conn)(nil)

// Acquire берёт соединение из пула. Вызывающий обязан вызвать Close.
func Acquire(ctx context.Context, db *sql.DB, driver string) (*Conn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{q: c, conn: c, driver: driver}, nil
}

// Close возвращает соединение в пул.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Tx выполняет fn внутри транзакции на этом соединении: commit, если fn
// вернула nil, иначе rollback.
func (c *Conn) Tx(ctx context.Context, fn func(tx *Conn) error) (err error) {
	if c.conn == nil {
		return fmt.Errorf("pg: nested transactions are not supported")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(&Conn{q: tx, driver: c.driver})
}

func (c *Conn) FetchVal(ctx context.Context, query string, args ...any) (any, error) {
	rows, err := c.q.QueryContext(ctx, query, c.args(args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := scanValues(rows)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals[0], rows.Close()
}

func (c *Conn) FetchRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := c.q.QueryContext(ctx, query, c.args(args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Close()
}

func (c *Conn) Fetch(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.q.QueryContext(ctx, query, c.args(args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *Conn) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, c.args(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// args: lib/pq не умеет срезы, заворачиваем их в pq.Array. pgx кодирует
// срезы сам.
func (c *Conn) args(args []any) []any {
	if c.driver != DriverPq {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch a.(type) {
		case []any, []string, []int64, []int, []float64, []bool:
			out[i] = pq.Array(a)
		default:
			out[i] = a
		}
	}
	return out
}

func scanValues(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func scanRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals, err := scanValues(rows)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, nil
}
