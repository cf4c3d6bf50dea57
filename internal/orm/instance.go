package orm

import (
	"fmt"

	"github.com/google/uuid"

	"korm/internal/meta"
)

// Instance — запись одной сущности в памяти. Values хранит значения по
// attname (author_id, title), prefetched — уже разрешённые связи.
type Instance struct {
	Type   *meta.EntityType
	Values map[string]any

	prefetched map[string]*Instance
}

// NewInstance создаёт запись типа et. values копируется.
func NewInstance(et *meta.EntityType, values map[string]any) *Instance {
	inst := &Instance{Type: et, Values: make(map[string]any, len(values))}
	for k, v := range values {
		inst.Values[k] = v
	}
	return inst
}

// Get возвращает значение по имени поля или attname.
func (i *Instance) Get(name string) any {
	if f, ok := i.Type.Field(name); ok {
		return i.Values[f.Attname()]
	}
	return i.Values[name]
}

// Set записывает значение по имени поля или attname. Для ref-поля принимает
// связанную запись (или nil) и кладёт её ключ, заодно обновляя prefetched.
func (i *Instance) Set(name string, v any) {
	f, ok := i.Type.Field(name)
	if ok && f.Kind == meta.KindToOne && name == f.Name {
		if rel, isInst := v.(*Instance); isInst || v == nil {
			i.Values[f.Attname()] = rel.PK()
			i.setPrefetched(f.Name, rel)
			return
		}
		// передали сам ключ: старая связь больше не актуальна
		delete(i.prefetched, f.Name)
	}
	if ok {
		name = f.Attname()
	}
	i.Values[name] = v
}

// PK возвращает значение первичного ключа; nil у несохранённой записи.
func (i *Instance) PK() any {
	if i == nil {
		return nil
	}
	return i.Values[i.Type.PKField().Attname()]
}

// Keyed — есть ли у записи первичный ключ.
func (i *Instance) Keyed() bool { return !isZero(i.PK()) }

// Related возвращает prefetched-связь. ok=false, если связь не загружалась;
// ok=true и nil — связь загружена и пуста.
func (i *Instance) Related(name string) (*Instance, bool) {
	rel, ok := i.prefetched[name]
	return rel, ok
}

// HasPrefetched — загружена ли связь name.
func (i *Instance) HasPrefetched(name string) bool {
	_, ok := i.prefetched[name]
	return ok
}

func (i *Instance) setPrefetched(name string, rel *Instance) {
	if i.prefetched == nil {
		i.prefetched = make(map[string]*Instance)
	}
	i.prefetched[name] = rel
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s(%v)", i.Type.FQN, i.PK())
}

// SetPrefetched прикрепляет rel к связи name у каждой записи без запроса в БД.
func SetPrefetched(insts []*Instance, name string, rel *Instance) {
	for _, inst := range insts {
		if inst != nil {
			inst.setPrefetched(name, rel)
		}
	}
}

// isZero: nil, пустая строка или нулевое число считаются отсутствием ключа.
func isZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int:
		return t == 0
	case int32:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case uuid.UUID:
		return t == uuid.Nil
	}
	return false
}
