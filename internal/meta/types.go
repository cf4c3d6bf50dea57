package meta

import "strings"

// Kind — способ хранения поля.
type Kind int

const (
	KindScalar Kind = iota
	KindJSON
	KindFile
	KindUUID
	KindTimestamp
	KindToOne    // ref[...]: FK-колонка на этой таблице
	KindOneToOne // one[...]: обратная сторона, FK на связанной таблице
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindFile:
		return "file"
	case KindUUID:
		return "uuid"
	case KindTimestamp:
		return "timestamp"
	case KindToOne:
		return "to_one"
	case KindOneToOne:
		return "one_to_one"
	default:
		return "scalar"
	}
}

// AutoNow — политика автозаполнения временных полей.
type AutoNow int

const (
	AutoNowNone AutoNow = iota
	AutoNowAlways        // auto_now: при каждой записи
	AutoNowAdd           // auto_now_add: только если значение пустое
)

// Field — метаданные одного атрибута сущности.
type Field struct {
	Name    string // имя в домене (author)
	Column  string // имя колонки (author_id); пусто у KindOneToOne
	Type    string // исходный тип DSL
	Kind    Kind
	AutoNow AutoNow
	PK      bool

	Required bool
	Unique   bool
	Default  string
	OnDelete string // restrict | set_null | cascade, для ref
	Enum     []string

	// Для связей: FQN связанной сущности.
	Related string
	// Для KindOneToOne: имя ref-поля и его колонка на связанной сущности.
	RelatedField  string
	RelatedColumn string
}

// IsRelation — ref или one.
func (f Field) IsRelation() bool { return f.Kind == KindToOne || f.Kind == KindOneToOne }

// Attname — ключ значения в Instance.Values. Для ref это колонка с ключом
// (author_id), для остальных полей — имя.
func (f Field) Attname() string {
	if f.Kind == KindToOne {
		return f.Column
	}
	return f.Name
}

// EntityType — неизменяемое описание сущности после сборки реестра.
type EntityType struct {
	FQN      string
	Module   string
	Name     string
	Table    string
	Ordering []string // "-created_at" => created_at DESC
	Unique   [][]string

	pk     int
	fields []Field // все поля, включая one-to-one
	byName map[string]int
}

// PKField возвращает поле первичного ключа.
func (et *EntityType) PKField() Field { return et.fields[et.pk] }

// Field ищет поле по имени или по attname.
func (et *EntityType) Field(name string) (Field, bool) {
	if i, ok := et.byName[name]; ok {
		return et.fields[i], true
	}
	return Field{}, false
}

// Relations — имена связей (ref и one) в порядке объявления.
func (et *EntityType) Relations() []string {
	var out []string
	for _, f := range et.fields {
		if f.IsRelation() {
			out = append(out, f.Name)
		}
	}
	return out
}

// OrderBy переводит Ordering в SQL без ключевого слова ORDER BY.
func (et *EntityType) OrderBy() string {
	if len(et.Ordering) == 0 {
		return ""
	}
	parts := make([]string, 0, len(et.Ordering))
	for _, o := range et.Ordering {
		if strings.HasPrefix(o, "-") {
			parts = append(parts, et.Column(o[1:])+" DESC")
			continue
		}
		parts = append(parts, et.Column(strings.TrimPrefix(o, "+")))
	}
	return strings.Join(parts, ", ")
}

// Column: имя поля или attname -> колонка, неизвестное имя возвращается как есть.
func (et *EntityType) Column(name string) string {
	if f, ok := et.Field(name); ok && f.Column != "" {
		return f.Column
	}
	return name
}
