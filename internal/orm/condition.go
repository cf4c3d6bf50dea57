package orm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"korm/internal/meta"
)

// Op — суффикс оператора в ключе условия (price__gte).
type Op string

const (
	OpEq     Op = ""
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpIsNull Op = "isnull"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Cond — одно условие. Если Op пустой, Field может содержать суффикс
// "field__op", он разбирается при компиляции.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Where — упорядоченный список условий, соединяемых через AND. Порядок
// определяет номера позиционных параметров.
type Where []Cond

func Eq(field string, v any) Cond { return Cond{Field: field, Op: OpEq, Value: v} }
func Gt(field string, v any) Cond { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Cond { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }
func In(field string, vals any) Cond { return Cond{Field: field, Op: OpIn, Value: vals} }
func IsNull(field string, isNull bool) Cond { return Cond{Field: field, Op: OpIsNull, Value: isNull} }

// Q строит Where из пар "ключ", значение в стиле status__in, amount__gte.
// Нечётный хвост превращается в условие, которое не скомпилируется.
func Q(kv ...any) Where {
	w := make(Where, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if i+1 >= len(kv) {
			w = append(w, Cond{Field: key, Op: "!missing"})
			break
		}
		w = append(w, Cond{Field: key, Value: kv[i+1]})
	}
	return w
}

// parse разбирает "field__op". Больше одного суффикса — ошибка.
func (c Cond) parse() (string, Op, error) {
	field, op := c.Field, c.Op
	if strings.Contains(field, "__") {
		if op != OpEq {
			return "", "", usagef("bad condition %q: operator given twice", c.Field)
		}
		parts := strings.Split(field, "__")
		if len(parts) != 2 || parts[0] == "" {
			return "", "", usagef("bad condition %q", c.Field)
		}
		field, op = parts[0], Op(parts[1])
	}
	if field == "" {
		return "", "", usagef("bad condition: empty field")
	}
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpIn, OpIsNull:
	default:
		return "", "", usagef("bad condition %q: unknown operator %q", c.Field, op)
	}
	return field, op, nil
}

// compileWhere собирает фрагмент для WHERE и позиционные параметры.
// Пустой where даёт пустую строку. Нумерация $n начинается с 1.
func compileWhere(et *meta.EntityType, where Where) (string, []any, error) {
	bits := make([]string, 0, len(where))
	var args []any
	for _, c := range where {
		field, op, err := c.parse()
		if err != nil {
			return "", nil, err
		}
		col := et.Column(field)
		v := c.Value

		if v == nil {
			if op != OpEq {
				return "", nil, usagef("bad condition %q: nil is only allowed with equality", c.Field)
			}
			bits = append(bits, col+" IS NULL")
			continue
		}
		if op == OpIsNull {
			// параметр не расходуется
			if truthy(v) {
				bits = append(bits, col+" IS NULL")
			} else {
				bits = append(bits, col+" IS NOT NULL")
			}
			continue
		}
		if op == OpIn || (op == OpEq && isCollection(v)) {
			list, err := toList(v)
			if err != nil {
				return "", nil, usagef("bad condition %q: %v", c.Field, err)
			}
			args = append(args, list)
			bits = append(bits, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
			continue
		}
		args = append(args, v)
		bits = append(bits, fmt.Sprintf("%s %s $%d", col, sqlOps[op], len(args)))
	}
	return strings.Join(bits, " AND "), args, nil
}

// isCollection: срез, массив или map. []byte, [N]byte (uuid), json.RawMessage
// и driver.Valuer — скаляры.
func isCollection(v any) bool {
	switch v.(type) {
	case []byte, json.RawMessage, driver.Valuer:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// toList приводит коллекцию к упорядоченному []any. У map берутся ключи,
// отсортированные для стабильного порядка параметров.
func toList(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		out := make([]any, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			out = append(out, k.Interface())
		}
		sort.Slice(out, func(i, j int) bool { return lessAny(out[i], out[j]) })
		return out, nil
	}
	return nil, fmt.Errorf("expected a collection, got %T", v)
}

func lessAny(a, b any) bool {
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	if aok && bok {
		return ai < bi
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	}
	if n, ok := asInt64(v); ok {
		return n != 0
	}
	return true
}
