// Package meta собирает из DSL-сущностей неизменяемый реестр таблиц, колонок
// и первичных ключей. Реестр строится один раз при старте и передаётся
// движку по ссылке; чтение безопасно из нескольких горутин.
package meta

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"korm/internal/dsl"
)

// ErrUnknownEntity — сущность не найдена в реестре.
var ErrUnknownEntity = errors.New("meta: unknown entity")

type Registry struct {
	types map[string]*EntityType // FQN -> тип

	memo  sync.Map // fieldsKey -> []Field
	group singleflight.Group
}

type fieldsKey struct {
	fqn      string
	oneToOne bool
}

// NewRegistry собирает реестр. Ссылки ref[...] и one[...] должны разрешаться
// в сущности из того же набора.
func NewRegistry(entities map[string]*dsl.Entity) (*Registry, error) {
	if issues := dsl.Lint(entities); len(issues) > 0 {
		msgs := make([]string, 0, len(issues))
		for _, it := range issues {
			msgs = append(msgs, it.String())
		}
		return nil, fmt.Errorf("schema has blocking issues: %s", strings.Join(msgs, "; "))
	}

	r := &Registry{types: make(map[string]*EntityType, len(entities))}

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// 1) типы и собственные поля
	for _, fqn := range keys {
		e := entities[fqn]
		et := &EntityType{
			FQN:    fqn,
			Module: e.Module,
			Name:   e.Name,
			Table:  tableName(e.Module, e.Name, e.Options),
			Unique: e.Constraints.Unique,
			pk:     -1,
		}
		if o := strings.TrimSpace(e.Options["ordering"]); o != "" {
			for _, part := range strings.Split(o, ",") {
				if part = strings.TrimSpace(part); part != "" {
					et.Ordering = append(et.Ordering, part)
				}
			}
		}
		for _, df := range e.Fields {
			f, err := buildField(e, df)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", fqn, df.Name, err)
			}
			if f.PK {
				et.pk = len(et.fields)
			}
			et.fields = append(et.fields, f)
		}
		if et.pk < 0 {
			// неявный первичный ключ
			et.fields = append([]Field{{Name: "id", Column: "id", Type: "serial", PK: true}}, et.fields...)
			et.pk = 0
		}
		r.types[fqn] = et
	}

	// 2) разрешаем цели связей
	for _, fqn := range keys {
		et := r.types[fqn]
		for i := range et.fields {
			f := &et.fields[i]
			switch f.Kind {
			case KindToOne:
				target, err := r.resolve(et.Module, f.Related)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", fqn, f.Name, err)
				}
				f.Related = target.FQN
			case KindOneToOne:
				if err := r.resolveOneToOne(et, f); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", fqn, f.Name, err)
				}
			}
		}
		et.byName = make(map[string]int, len(et.fields)*2)
		for i, f := range et.fields {
			et.byName[f.Name] = i
			et.byName[f.Attname()] = i
		}
	}
	return r, nil
}

func buildField(e *dsl.Entity, df dsl.Field) (Field, error) {
	f := Field{
		Name:   df.Name,
		Column: strings.ToLower(df.Name),
		Type:   strings.ToLower(df.Type),
		PK:     df.Has("pk"),

		Required: df.Has("required"),
		Unique:   df.Has("unique"),
		Default:  strings.TrimSpace(df.Options["default"]),
		OnDelete: strings.ToLower(strings.TrimSpace(df.Options["on_delete"])),
		Enum:     append([]string(nil), df.Enum...),
	}
	switch f.Type {
	case "json", "array":
		f.Kind = KindJSON
	case "file":
		f.Kind = KindFile
	case "uuid":
		f.Kind = KindUUID
	case "date", "datetime":
		f.Kind = KindTimestamp
	case "ref":
		f.Kind = KindToOne
		f.Column = f.Column + "_id"
		f.Related = df.RefTarget
	case "one":
		f.Kind = KindOneToOne
		f.Column = ""
		f.Related = df.RefTarget
	}
	// колонки в нижнем регистре: так их создаёт DDL и возвращает PostgreSQL
	if c := strings.ToLower(strings.TrimSpace(df.Options["column"])); c != "" && f.Kind != KindOneToOne {
		f.Column = c
	}
	switch {
	case df.Has("auto_now"):
		f.AutoNow = AutoNowAlways
	case df.Has("auto_now_add"):
		f.AutoNow = AutoNowAdd
	}
	if f.AutoNow != AutoNowNone && f.Kind != KindTimestamp {
		return f, fmt.Errorf("auto_now requires date or datetime, got %s", f.Type)
	}
	if f.PK && f.IsRelation() {
		return f, fmt.Errorf("relation cannot be a primary key")
	}
	return f, nil
}

// resolve: "Entity" ищется в модуле mod, "module.Entity" — как есть.
func (r *Registry) resolve(mod, target string) (*EntityType, error) {
	if !strings.Contains(target, ".") {
		target = mod + "." + target
	}
	return r.Lookup(target)
}

// resolveOneToOne: one[Account.owner] — поле owner на Account должно быть ref на нас.
func (r *Registry) resolveOneToOne(et *EntityType, f *Field) error {
	dot := strings.LastIndexByte(f.Related, '.')
	if dot <= 0 {
		return fmt.Errorf("one-to-one target %q must be Entity.field", f.Related)
	}
	target, err := r.resolve(et.Module, f.Related[:dot])
	if err != nil {
		return err
	}
	fieldName := f.Related[dot+1:]
	var back *Field
	for i := range target.fields {
		if target.fields[i].Name == fieldName {
			back = &target.fields[i]
			break
		}
	}
	if back == nil || back.Kind != KindToOne {
		return fmt.Errorf("one-to-one target %s.%s is not a ref field", target.FQN, fieldName)
	}
	// back.Related мог быть ещё не разрешён, если target идёт позже по порядку
	backTarget, err := r.resolve(target.Module, back.Related)
	if err != nil {
		return err
	}
	if backTarget != et {
		return fmt.Errorf("one-to-one target %s.%s refers to %s, not %s", target.FQN, fieldName, backTarget.FQN, et.FQN)
	}
	f.Related = target.FQN
	f.RelatedField = back.Name
	f.RelatedColumn = back.Column
	return nil
}

// Lookup возвращает тип по FQN ("module.Entity", без учёта регистра) или по
// уникальному среди модулей имени сущности.
func (r *Registry) Lookup(name string) (*EntityType, error) {
	name = strings.TrimSpace(name)
	if et, ok := r.types[name]; ok {
		return et, nil
	}
	nl := strings.ToLower(name)
	var found *EntityType
	for fqn, et := range r.types {
		if strings.ToLower(fqn) == nl {
			return et, nil
		}
		if strings.Contains(nl, ".") || strings.ToLower(et.Name) != nl {
			continue
		}
		if found != nil { // неуникально
			return nil, fmt.Errorf("%w: %q is ambiguous, use module.Entity", ErrUnknownEntity, name)
		}
		found = et
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return found, nil
}

// Types возвращает все типы в порядке FQN.
func (r *Registry) Types() []*EntityType {
	out := make([]*EntityType, 0, len(r.types))
	for _, et := range r.types {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQN < out[j].FQN })
	return out
}

// TableName возвращает имя таблицы сущности.
func (r *Registry) TableName(et *EntityType) string { return et.Table }

// PrimaryKey возвращает колонку первичного ключа.
func (r *Registry) PrimaryKey(et *EntityType) string { return et.PKField().Column }

// Fields возвращает упорядоченные поля сущности. Без includeOneToOne —
// только поля с колонкой на этой таблице. Результат кэшируется на время жизни
// реестра; вызывающий не должен менять срез.
func (r *Registry) Fields(et *EntityType, includeOneToOne bool) []Field {
	key := fieldsKey{fqn: et.FQN, oneToOne: includeOneToOne}
	if v, ok := r.memo.Load(key); ok {
		return v.([]Field)
	}
	v, _, _ := r.group.Do(fmt.Sprintf("%s/%t", key.fqn, key.oneToOne), func() (any, error) {
		if v, ok := r.memo.Load(key); ok {
			return v, nil
		}
		out := make([]Field, 0, len(et.fields))
		for _, f := range et.fields {
			if f.Kind == KindOneToOne && !includeOneToOne {
				continue
			}
			out = append(out, f)
		}
		r.memo.Store(key, out)
		return out, nil
	})
	return v.([]Field)
}

// Tables — подстановки для сырых запросов: "{blog.Post}" и "{Post}" -> таблица.
// Неуникальные короткие имена не попадают в карту.
func (r *Registry) Tables() map[string]string {
	out := make(map[string]string, len(r.types)*2)
	short := map[string]int{}
	for _, et := range r.types {
		short[et.Name]++
	}
	for fqn, et := range r.types {
		out[fqn] = et.Table
		if short[et.Name] == 1 {
			out[et.Name] = et.Table
		}
	}
	return out
}
