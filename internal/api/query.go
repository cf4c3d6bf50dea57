package api

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"korm/internal/meta"
	"korm/internal/orm"
)

// ==== Параметры листинга ====

type ListParams struct {
	Limit    int
	Offset   int
	Prefetch []string
}

// служебные ключи, не попадающие в фильтры
var serviceKeys = map[string]bool{
	"q": true, "offset": true, "limit": true, "sort": true, "order": true, "nulls": true,
	"_offset": true, "_limit": true, "_sort": true, "_order": true, "_prefetch": true,
}

func parseListParams(q url.Values) ListParams {
	// limit
	limit := 50
	lv := q.Get("_limit")
	if lv == "" {
		lv = q.Get("limit")
	}
	if lv != "" {
		if n, err := strconv.Atoi(lv); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	// offset
	offset := 0
	ov := q.Get("_offset")
	if ov == "" {
		ov = q.Get("offset")
	}
	if ov != "" {
		if n, err := strconv.Atoi(ov); err == nil && n >= 0 {
			offset = n
		}
	}

	return ListParams{
		Limit:    limit,
		Offset:   offset,
		Prefetch: splitList(q.Get("_prefetch")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildConds переводит query в orm.Where. Ключ: field или field__op,
// значение "in:a,b" равносильно field__in=a,b. Ключи обходятся по алфавиту,
// чтобы номера параметров не зависели от порядка в URL.
func buildConds(reg *meta.Registry, et *meta.EntityType, q url.Values) (orm.Where, error) {
	keys := make([]string, 0, len(q))
	for key, vals := range q {
		if serviceKeys[key] || len(vals) == 0 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var where orm.Where
	for _, key := range keys {
		field := key
		op := ""
		if i := strings.LastIndex(key, "__"); i > 0 {
			field = key[:i]
			op = key[i+2:]
		}
		if op == "eq" {
			op = ""
		}
		v := strings.TrimSpace(q.Get(key))
		if strings.HasPrefix(v, "in:") {
			op = "in"
			v = strings.TrimPrefix(v, "in:")
		}
		if field == "" || v == "" {
			continue
		}

		f, known := et.Field(field)
		var (
			val any
			err error
		)
		switch {
		case !known || f.Kind == meta.KindOneToOne:
			return nil, &validationError{Errs: []FieldError{ferr(ErrUnknownField, key, "Unknown field '"+field+"'")}}
		case op == string(orm.OpIsNull):
			val, err = toBoolStrict(v)
		case op == string(orm.OpIn):
			parts := splitList(v)
			list := make([]any, 0, len(parts))
			for _, p := range parts {
				pv, perr := coerceValue(reg, f, p)
				if perr != nil {
					err = perr
					break
				}
				list = append(list, pv)
			}
			val = list
		default:
			val, err = coerceValue(reg, f, v)
		}
		if err != nil {
			return nil, &validationError{Errs: []FieldError{ferr(ErrTypeMismatch, key, err.Error())}}
		}
		where = append(where, orm.Cond{Field: field, Op: orm.Op(op), Value: val})
	}
	return where, nil
}
