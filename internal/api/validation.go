package api

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"korm/internal/meta"
	"korm/internal/orm"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок, которыми будем пользоваться
const (
	ErrRequired        = "required"
	ErrTypeMismatch    = "type_mismatch"
	ErrEnumInvalid     = "enum_invalid"
	ErrUnknownField    = "unknown_field"
	ErrUniqueViolation = "unique_violation"
	ErrRefNotFound     = "ref_not_found"
	ErrReadOnly        = "readonly_field"
)

// validate проверяет и НОРМАЛИЗУЕТ obj под сущность et. Результат — значения
// по attname (author_id), готовые для Engine.New и orm.Set. create включает
// проверку required и подстановку default=.
func validate(reg *meta.Registry, et *meta.EntityType, obj map[string]any, create bool) (map[string]any, error) {
	var errs []FieldError
	out := make(map[string]any, len(obj))

	// порядок ключей стабилен — ошибки в ответе тоже
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		f, ok := et.Field(name)
		if !ok {
			errs = append(errs, ferr(ErrUnknownField, name, "Unknown field '"+name+"'"))
			continue
		}
		if msg := readonly(f, create); msg != "" {
			errs = append(errs, ferr(ErrReadOnly, name, msg))
			continue
		}
		v := obj[name]
		if v == nil {
			if f.Required || f.PK {
				errs = append(errs, ferr(ErrRequired, f.Name, "Field '"+f.Name+"' is required"))
				continue
			}
			out[f.Attname()] = nil
			continue
		}
		norm, err := coerceValue(reg, f, v)
		if err != nil {
			code := ErrTypeMismatch
			if len(f.Enum) > 0 {
				code = ErrEnumInvalid
			}
			errs = append(errs, ferr(code, f.Name, err.Error()))
			continue
		}
		out[f.Attname()] = norm
	}

	if create {
		applyDefaults(reg, et, out)
		for _, f := range reg.Fields(et, false) {
			if !f.Required && !(f.PK && f.Type != "serial") {
				continue
			}
			if _, ok := out[f.Attname()]; !ok {
				errs = append(errs, ferr(ErrRequired, f.Name, "Field '"+f.Name+"' is required"))
			}
		}
	}

	if len(errs) > 0 {
		return nil, &validationError{Errs: errs}
	}
	return out, nil
}

// readonly: serial-ключ, auto_now и обратные связи клиент не пишет; ключ
// меняется только при создании.
func readonly(f meta.Field, create bool) string {
	switch {
	case f.PK && (f.Type == "serial" || !create):
		return "Field '" + f.Name + "' is read-only"
	case f.AutoNow != meta.AutoNowNone:
		return "Field '" + f.Name + "' is set automatically"
	case f.Kind == meta.KindOneToOne:
		return "Field '" + f.Name + "' is a reverse relation"
	}
	return ""
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`) // YYYY-MM-DD
)

// coerceValue приводит значение из JSON или query-строки к типу поля.
func coerceValue(reg *meta.Registry, f meta.Field, v any) (any, error) {
	if len(f.Enum) > 0 {
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		for _, ev := range f.Enum {
			if s == ev {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value '%s' is not allowed", s)
	}
	switch f.Type {
	case "string", "text", "enum":
		return toStringStrict(v)
	case "int", "serial":
		return toIntStrict(v)
	case "float", "money":
		return toFloatStrict(v)
	case "bool":
		return toBoolStrict(v)
	case "date":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if !dateRe.MatchString(s) {
			return nil, errors.New("must match YYYY-MM-DD")
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, errors.New("invalid date")
		}
		return t, nil
	case "datetime":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		// RFC3339, в т.ч. с долями секунды
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, errors.New("must be RFC3339 datetime")
		}
		return t, nil
	case "uuid":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.New("must be uuid")
		}
		return id, nil
	case "file":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		return orm.FileRef{Path: s}, nil
	case "ref":
		// ключ связанной записи, тип — по её первичному ключу
		target, err := reg.Lookup(f.Related)
		if err != nil {
			return nil, fmt.Errorf("unknown target entity '%s'", f.Related)
		}
		return coerceValue(reg, target.PKField(), v)
	default:
		// json, array и прочее — как пришло
		return v, nil
	}
}

func toStringStrict(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	// числа не форматируем в строки молча
	return "", errors.New("must be string")
}

func toIntStrict(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON числа приходят как float64 — проверяем целостность
		if t != float64(int64(t)) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, errors.New("must be float")
		}
		return f, nil
	default:
		return 0, errors.New("must be float")
	}
}

func toBoolStrict(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, errors.New("must be boolean")
		}
	default:
		return false, errors.New("must be boolean")
	}
}

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// применяет default= для отсутствующих полей при создании. INSERT пишет все
// колонки, поэтому умолчание БД само не сработает.
func applyDefaults(reg *meta.Registry, et *meta.EntityType, out map[string]any) {
	for _, f := range reg.Fields(et, false) {
		if f.Default == "" {
			continue
		}
		if _, exists := out[f.Attname()]; exists {
			continue
		}
		// некорректный дефолт просто не подставляем
		if v, err := coerceValue(reg, f, f.Default); err == nil {
			out[f.Attname()] = v
		}
	}
}
