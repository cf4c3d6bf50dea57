// Package orm компилирует операции над записями в параметризованный SQL,
// выполняет его через Executor и раскладывает строки обратно в Instance.
package orm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"korm/internal/meta"
)

// Set — значения для частичного обновления: имя поля, attname или имя связи.
type Set map[string]any

// Engine привязан к одному соединению. Операции над одним Engine вызывающий
// выполняет последовательно; разные Engine на разных соединениях независимы.
type Engine struct {
	exec  Executor
	reg   *meta.Registry
	c     compiler
	log   *slog.Logger
	hooks Hooks
	slow  time.Duration
	id    ulid.ULID

	n         atomic.Int64
	errors    atomic.Int64
	slowCount atomic.Int64
	duration  atomic.Int64
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// WithSlowThreshold — запросы дольше d дополнительно пишутся в WARN. 0 выключает.
func WithSlowThreshold(d time.Duration) Option { return func(e *Engine) { e.slow = d } }

// WithClock подменяет источник времени для auto_now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.c.now = now
		}
	}
}

// New создаёт движок поверх exec. Хуки сверяются с реестром один раз здесь.
func New(exec Executor, reg *meta.Registry, opts ...Option) (*Engine, error) {
	if exec == nil || reg == nil {
		return nil, fmt.Errorf("orm: executor and registry are required")
	}
	e := &Engine{
		exec: exec,
		reg:  reg,
		c:    compiler{reg: reg, now: time.Now},
		log:  slog.Default(),
		id:   ulid.Make(),
	}
	for _, o := range opts {
		o(e)
	}
	hooks, err := e.hooks.check(reg)
	if err != nil {
		return nil, err
	}
	e.hooks = hooks
	e.log = e.log.With(slog.String("engine", e.id.String()))
	return e, nil
}

func (e *Engine) ID() ulid.ULID            { return e.id }
func (e *Engine) Registry() *meta.Registry { return e.reg }

// Stats возвращает счётчики движка.
func (e *Engine) Stats() Stats {
	return Stats{
		Queries:  e.n.Load(),
		Errors:   e.errors.Load(),
		Slow:     e.slowCount.Load(),
		Duration: time.Duration(e.duration.Load()),
	}
}

// New создаёт несохранённую запись сущности entity.
func (e *Engine) New(entity string, values map[string]any) (*Instance, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	inst := &Instance{Type: et, Values: make(map[string]any, len(values))}
	for k, v := range values {
		inst.Set(k, v)
	}
	return inst, nil
}

// Save вставляет запись без ключа или полностью обновляет запись с ключом.
func (e *Engine) Save(ctx context.Context, inst *Instance) (*Instance, error) {
	if inst == nil || inst.Type == nil {
		return nil, usagef("save: nil instance")
	}
	if inst.Keyed() {
		return inst, e.Update(ctx, inst, nil)
	}
	if _, err := e.SaveAll(ctx, []*Instance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveAll вставляет пачку записей одним INSERT ... RETURNING. Ключи
// присваиваются в порядке строк RETURNING, который совпадает с порядком VALUES.
func (e *Engine) SaveAll(ctx context.Context, insts []*Instance) ([]*Instance, error) {
	if len(insts) == 0 {
		return insts, nil
	}
	st, err := e.c.insertStmt(insts)
	if err != nil {
		return nil, err
	}
	pkAttr := insts[0].Type.PKField().Attname()

	if len(insts) == 1 {
		val, err := run(ctx, e, "save_one", st, func(ctx context.Context) (any, error) {
			return e.exec.FetchVal(ctx, st.SQL, st.Args...)
		})
		if err != nil {
			return nil, err
		}
		insts[0].Values[pkAttr] = val
	} else {
		rows, err := run(ctx, e, "save_many", st, func(ctx context.Context) ([]map[string]any, error) {
			return e.exec.Fetch(ctx, st.SQL, st.Args...)
		})
		if err != nil {
			return nil, err
		}
		if len(rows) != len(insts) {
			return nil, fmt.Errorf("save_many: %d keys returned for %d rows", len(rows), len(insts))
		}
		pkCol := e.reg.PrimaryKey(insts[0].Type)
		for i, row := range rows {
			insts[i].Values[pkAttr] = row[pkCol]
		}
	}
	if err := e.dispatch(ctx, insts); err != nil {
		return nil, err
	}
	return insts, nil
}

// Update пишет поля записи с ключом. set == nil — все поля, иначе только
// перечисленные. Хуки не вызываются.
func (e *Engine) Update(ctx context.Context, inst *Instance, set Set) error {
	if inst == nil || inst.Type == nil {
		return usagef("update: nil instance")
	}
	if !inst.Keyed() {
		return usagef("cannot update %s: primary key is not set", inst)
	}
	if set != nil && len(set) == 0 {
		return usagef("update %s: empty field set", inst)
	}
	st, err := e.c.updateStmt(inst, set)
	if err != nil {
		return err
	}
	_, err = run(ctx, e, "update", st, func(ctx context.Context) (int64, error) {
		return e.exec.Execute(ctx, st.SQL, st.Args...)
	})
	return err
}

// Get возвращает первую запись по условию или nil, если её нет.
func (e *Engine) Get(ctx context.Context, entity string, where Where) (*Instance, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, usagef("get %s: empty condition", et.FQN)
	}
	st, err := e.c.selectStmt(et, where, false, Page{})
	if err != nil {
		return nil, err
	}
	return e.row(ctx, "get", et, st)
}

// GetRaw — Get по готовому SELECT с плейсхолдерами {module.Entity}.
func (e *Engine) GetRaw(ctx context.Context, entity string, sql string, args ...any) (*Instance, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	sql, err = e.c.normSQL(sql)
	if err != nil {
		return nil, err
	}
	return e.row(ctx, "get", et, Stmt{SQL: sql, Args: args})
}

func (e *Engine) row(ctx context.Context, op string, et *meta.EntityType, st Stmt) (*Instance, error) {
	row, err := run(ctx, e, op, st, func(ctx context.Context) (map[string]any, error) {
		return e.exec.FetchRow(ctx, st.SQL, st.Args...)
	})
	if err != nil || row == nil {
		return nil, err
	}
	return toInstance(e.reg, et, row)
}

// GetList возвращает записи по условию в порядке ordering сущности.
func (e *Engine) GetList(ctx context.Context, entity string, where Where) ([]*Instance, error) {
	return e.GetPage(ctx, entity, where, Page{})
}

// GetPage — GetList с LIMIT/OFFSET.
func (e *Engine) GetPage(ctx context.Context, entity string, where Where, page Page) ([]*Instance, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	return e.list(ctx, "get_list", et, where, true, page)
}

func (e *Engine) list(ctx context.Context, op string, et *meta.EntityType, where Where, ordered bool, page Page) ([]*Instance, error) {
	st, err := e.c.selectStmt(et, where, ordered, page)
	if err != nil {
		return nil, err
	}
	return e.rows(ctx, op, et, st)
}

// GetListRaw — GetList по готовому SELECT.
func (e *Engine) GetListRaw(ctx context.Context, entity string, sql string, args ...any) ([]*Instance, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return nil, err
	}
	sql, err = e.c.normSQL(sql)
	if err != nil {
		return nil, err
	}
	return e.rows(ctx, "get_list", et, Stmt{SQL: sql, Args: args})
}

func (e *Engine) rows(ctx context.Context, op string, et *meta.EntityType, st Stmt) ([]*Instance, error) {
	rows, err := run(ctx, e, op, st, func(ctx context.Context) ([]map[string]any, error) {
		return e.exec.Fetch(ctx, st.SQL, st.Args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(rows))
	for _, r := range rows {
		inst, err := toInstance(e.reg, et, r)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Count возвращает число записей по условию.
func (e *Engine) Count(ctx context.Context, entity string, where Where) (int64, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return 0, err
	}
	st, err := e.c.countStmt(et, where)
	if err != nil {
		return 0, err
	}
	v, err := run(ctx, e, "count", st, func(ctx context.Context) (any, error) {
		return e.exec.FetchVal(ctx, st.SQL, st.Args...)
	})
	if err != nil {
		return 0, err
	}
	n, ok := asInt64(v)
	if !ok && v != nil {
		return 0, fmt.Errorf("count: unexpected %T", v)
	}
	return n, nil
}

// Delete удаляет запись по ключу и возвращает число удалённых строк.
func (e *Engine) Delete(ctx context.Context, inst *Instance) (int64, error) {
	if inst == nil || inst.Type == nil {
		return 0, usagef("delete: nil instance")
	}
	if !inst.Keyed() {
		return 0, usagef("cannot delete %s: primary key is not set", inst)
	}
	pk := inst.Type.PKField()
	return e.delete(ctx, inst.Type, Where{Eq(pk.Name, inst.PK())})
}

// DeleteWhere удаляет записи по условию; пустое условие запрещено.
func (e *Engine) DeleteWhere(ctx context.Context, entity string, where Where) (int64, error) {
	et, err := e.reg.Lookup(entity)
	if err != nil {
		return 0, err
	}
	if len(where) == 0 {
		return 0, usagef("delete %s: empty condition", et.FQN)
	}
	return e.delete(ctx, et, where)
}

func (e *Engine) delete(ctx context.Context, et *meta.EntityType, where Where) (int64, error) {
	st, err := e.c.deleteStmt(et, where)
	if err != nil {
		return 0, err
	}
	return run(ctx, e, "delete", st, func(ctx context.Context) (int64, error) {
		return e.exec.Execute(ctx, st.SQL, st.Args...)
	})
}

// Exec выполняет сырой запрос и возвращает первое значение первой строки.
func (e *Engine) Exec(ctx context.Context, sql string, args ...any) (any, error) {
	sql, err := e.c.normSQL(sql)
	if err != nil {
		return nil, err
	}
	st := Stmt{SQL: sql, Args: args}
	return run(ctx, e, "exec", st, func(ctx context.Context) (any, error) {
		return e.exec.FetchVal(ctx, st.SQL, st.Args...)
	})
}

// GetRawList выполняет сырой запрос и возвращает строки как есть.
func (e *Engine) GetRawList(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	sql, err := e.c.normSQL(sql)
	if err != nil {
		return nil, err
	}
	st := Stmt{SQL: sql, Args: args}
	return run(ctx, e, "get_raw_list", st, func(ctx context.Context) ([]map[string]any, error) {
		return e.exec.Fetch(ctx, st.SQL, st.Args...)
	})
}
