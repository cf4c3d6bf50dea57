package dsl

// Entity описывает структуру сущности из DSL
type Entity struct {
	Name        string
	Module      string
	Fields      []Field
	Options     map[string]string // table, ordering
	Constraints Constraints
}

// Constraints — составные ограничения сущности (блок constraints:)
type Constraints struct {
	Unique [][]string
}

// Field описывает поле сущности
type Field struct {
	Name      string
	Type      string            // string, int, date, enum, ref, one, json, file и т.д.
	ElemType  string            // для array[...]
	Enum      []string          // значения enum, если поле типа enum
	RefTarget string            // ref[Entity] -> "Entity", one[Entity.field] -> "Entity.field"
	Options   map[string]string // required, unique, default, column, pk, auto_now и прочие опции
}

// FQN возвращает "module.Name".
func (e *Entity) FQN() string { return e.Module + "." + e.Name }

// Has сообщает, выставлена ли опция-флаг.
func (f Field) Has(opt string) bool {
	if f.Options == nil {
		return false
	}
	v, ok := f.Options[opt]
	return ok && v != "false" && v != "0"
}
