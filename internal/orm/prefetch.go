package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"korm/internal/meta"
)

// Prefetch загружает связи names для пачки однотипных записей: не больше
// одного запроса на связь. Записи, у которых связь уже прикреплена,
// пропускаются. Пустая пачка — ничего не делает.
func (e *Engine) Prefetch(ctx context.Context, insts []*Instance, names ...string) error {
	if len(insts) == 0 {
		return nil
	}
	et, err := batchType(insts)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	for _, f := range e.reg.Fields(et, true) {
		if !f.IsRelation() || !want[f.Name] {
			continue
		}
		delete(want, f.Name)
		switch f.Kind {
		case meta.KindToOne:
			err = e.prefetchToOne(ctx, insts, f)
		case meta.KindOneToOne:
			err = e.prefetchOneToOne(ctx, insts, f)
		}
		if err != nil {
			return fmt.Errorf("prefetch %s.%s: %w", et.FQN, f.Name, err)
		}
	}

	if len(want) > 0 {
		var bad []string
		for _, n := range names {
			if want[n] {
				bad = append(bad, n)
				delete(want, n)
			}
		}
		return usagef("%s: incorrect relations: %s. Allowed: %s",
			et.FQN, strings.Join(bad, ", "), strings.Join(et.Relations(), ", "))
	}
	return nil
}

// PrefetchOne — Prefetch для одной записи; nil недопустим.
func (e *Engine) PrefetchOne(ctx context.Context, inst *Instance, names ...string) error {
	if inst == nil {
		return usagef("prefetch: nil instance")
	}
	return e.Prefetch(ctx, []*Instance{inst}, names...)
}

// prefetchToOne: один SELECT по различным непустым FK.
func (e *Engine) prefetchToOne(ctx context.Context, insts []*Instance, f meta.Field) error {
	var ids []any
	seen := make(map[string]struct{})
	for _, inst := range insts {
		if inst.HasPrefetched(f.Name) {
			continue
		}
		v := inst.Values[f.Attname()]
		if isZero(v) {
			continue
		}
		k := keyOf(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, v)
	}
	if len(ids) == 0 {
		return nil
	}

	related, err := e.reg.Lookup(f.Related)
	if err != nil {
		return err
	}
	e.log.DebugContext(ctx, "prefetch", "relation", f.Name, "from", related.FQN, "ids", argsValue(ids))
	rows, err := e.list(ctx, "prefetch", related, Where{In(related.PKField().Name, ids)}, false, Page{})
	if err != nil {
		return err
	}
	byPK := make(map[string]*Instance, len(rows))
	for _, r := range rows {
		byPK[keyOf(r.PK())] = r
	}
	for _, inst := range insts {
		v := inst.Values[f.Attname()]
		if rel, ok := byPK[keyOf(v)]; ok && !isZero(v) {
			inst.setPrefetched(f.Name, rel)
		} else if !inst.HasPrefetched(f.Name) {
			inst.setPrefetched(f.Name, nil)
		}
	}
	return nil
}

// prefetchOneToOne: один SELECT по ключам записей против FK на связанной
// таблице. Трогает только записи без прикреплённой связи.
func (e *Engine) prefetchOneToOne(ctx context.Context, insts []*Instance, f meta.Field) error {
	var (
		ids     []any
		pending []*Instance
	)
	for _, inst := range insts {
		if inst.HasPrefetched(f.Name) {
			continue
		}
		pending = append(pending, inst)
		if pk := inst.PK(); !isZero(pk) {
			ids = append(ids, pk)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	related, err := e.reg.Lookup(f.Related)
	if err != nil {
		return err
	}
	e.log.DebugContext(ctx, "prefetch", "relation", f.Name, "from", related.FQN, "ids", argsValue(ids))
	rows, err := e.list(ctx, "prefetch", related, Where{In(f.RelatedColumn, ids)}, false, Page{})
	if err != nil {
		return err
	}
	byFK := make(map[string]*Instance, len(rows))
	for _, r := range rows {
		byFK[keyOf(r.Values[f.RelatedColumn])] = r
	}
	for _, inst := range pending {
		inst.setPrefetched(f.Name, byFK[keyOf(inst.PK())])
	}
	return nil
}

// keyOf приводит значение ключа к строке для сопоставления: int и int64 из
// разных источников должны совпадать.
func keyOf(v any) string {
	if n, ok := asInt64(v); ok {
		return fmt.Sprintf("i:%d", n)
	}
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return "s:" + string(t)
	case [16]byte:
		return "s:" + uuid.UUID(t).String()
	}
	return "s:" + fmt.Sprint(v)
}
