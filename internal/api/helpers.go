package api

import (
	"korm/internal/orm"
)

// flatten превращает запись в JSON-объект: значения по attname плюс
// загруженные связи по имени. Вложенные связи раскрываются на один уровень.
func flatten(inst *orm.Instance) map[string]any {
	return flattenDepth(inst, 1)
}

func flattenDepth(inst *orm.Instance, depth int) map[string]any {
	out := make(map[string]any, len(inst.Values))
	for k, v := range inst.Values {
		if ref, ok := v.(orm.FileRef); ok {
			out[k] = ref.Path
			continue
		}
		out[k] = v
	}
	if depth <= 0 {
		return out
	}
	for _, name := range inst.Type.Relations() {
		rel, ok := inst.Related(name)
		if !ok {
			continue
		}
		if rel == nil {
			out[name] = nil
			continue
		}
		out[name] = flattenDepth(rel, depth-1)
	}
	return out
}

func flattenAll(insts []*orm.Instance) []map[string]any {
	out := make([]map[string]any, 0, len(insts))
	for _, inst := range insts {
		out = append(out, flatten(inst))
	}
	return out
}
