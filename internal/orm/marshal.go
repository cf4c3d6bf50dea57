package orm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"korm/internal/meta"
)

// FileRef — значение file-поля: ключ/путь в хранилище файлов.
type FileRef struct {
	Path string
}

func (f FileRef) String() string { return f.Path }

// toWire переводит доменное значение в то, что уходит драйверу.
func toWire(f meta.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case meta.KindJSON:
		return marshalJSON(v)
	case meta.KindFile:
		switch t := v.(type) {
		case FileRef:
			return t.Path, nil
		case *FileRef:
			if t == nil {
				return nil, nil
			}
			return t.Path, nil
		case string:
			return t, nil
		case fmt.Stringer:
			return t.String(), nil
		}
		return fmt.Sprint(v), nil
	case meta.KindUUID:
		switch t := v.(type) {
		case uuid.UUID:
			return t.String(), nil
		case string:
			id, err := uuid.Parse(t)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			return id.String(), nil
		}
	}
	return v, nil
}

// marshalJSON: json.RawMessage и строки с готовым JSON не перекодируются.
func marshalJSON(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// fromWire переводит значение из строки результата в доменное.
func fromWire(f meta.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case meta.KindJSON:
		var raw []byte
		switch t := v.(type) {
		case string:
			raw = []byte(t)
		case []byte:
			raw = t
		default:
			// драйвер уже разобрал json
			return v, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return out, nil
	case meta.KindFile:
		switch t := v.(type) {
		case string:
			return FileRef{Path: t}, nil
		case []byte:
			return FileRef{Path: string(t)}, nil
		}
	case meta.KindUUID:
		switch t := v.(type) {
		case string:
			return uuid.Parse(t)
		case []byte:
			if len(t) == 16 {
				return uuid.FromBytes(t)
			}
			return uuid.ParseBytes(t)
		case [16]byte:
			return uuid.UUID(t), nil
		}
	case meta.KindTimestamp:
		switch t := v.(type) {
		case string:
			return parseTime(f, t)
		case []byte:
			return parseTime(f, string(t))
		}
	case meta.KindScalar, meta.KindToOne:
		// lib/pq отдаёт text как []byte
		if b, ok := v.([]byte); ok && f.Type != "bytes" {
			return string(b), nil
		}
	}
	return v, nil
}

func parseTime(f meta.Field, s string) (any, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("field %s: cannot parse time %q", f.Name, s)
}

// stamp проставляет auto_now / auto_now_add и возвращает итоговое значение.
func stamp(f meta.Field, v any, now time.Time) (any, bool) {
	switch f.AutoNow {
	case meta.AutoNowAlways:
		return now, true
	case meta.AutoNowAdd:
		if isZeroTime(v) {
			return now, true
		}
	}
	return v, false
}

func isZeroTime(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case time.Time:
		return t.IsZero()
	case *time.Time:
		return t == nil || t.IsZero()
	case string:
		return t == ""
	}
	return false
}

// toInstance раскладывает строку результата по attname полей. Колонки, не
// описанные в схеме (вычисляемые в сыром SELECT), сохраняются как есть.
func toInstance(reg *meta.Registry, et *meta.EntityType, row map[string]any) (*Instance, error) {
	inst := &Instance{Type: et, Values: make(map[string]any, len(row))}
	known := make(map[string]struct{}, len(row))
	for _, f := range reg.Fields(et, false) {
		v, ok := row[f.Column]
		if !ok {
			continue
		}
		known[f.Column] = struct{}{}
		val, err := fromWire(f, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", et.FQN, err)
		}
		inst.Values[f.Attname()] = val
	}
	for col, v := range row {
		if _, ok := known[col]; !ok {
			inst.Values[col] = v
		}
	}
	return inst, nil
}
