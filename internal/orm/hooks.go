package orm

import (
	"context"
	"fmt"

	"korm/internal/meta"
)

// PostSaveHook вызывается после успешной вставки записи. isNew всегда true:
// обновления хуки не вызывают.
type PostSaveHook interface {
	PostSave(ctx context.Context, e *Engine, inst *Instance, isNew bool) error
}

// PostSaveFunc позволяет использовать функцию как PostSaveHook.
type PostSaveFunc func(ctx context.Context, e *Engine, inst *Instance, isNew bool) error

func (f PostSaveFunc) PostSave(ctx context.Context, e *Engine, inst *Instance, isNew bool) error {
	return f(ctx, e, inst, isNew)
}

// Hooks — хуки по FQN сущности.
type Hooks map[string]PostSaveHook

// check проверяет, что все ключи известны реестру, и приводит их к FQN.
func (h Hooks) check(reg *meta.Registry) (Hooks, error) {
	out := make(Hooks, len(h))
	for name, hook := range h {
		if hook == nil {
			continue
		}
		et, err := reg.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("hook for %q: %w", name, err)
		}
		out[et.FQN] = hook
	}
	return out, nil
}

// dispatch вызывает хук сущности для каждой вставленной записи по порядку.
// Первая ошибка прерывает обход.
func (e *Engine) dispatch(ctx context.Context, insts []*Instance) error {
	if len(insts) == 0 {
		return nil
	}
	hook, ok := e.hooks[insts[0].Type.FQN]
	if !ok {
		return nil
	}
	for _, inst := range insts {
		if err := hook.PostSave(ctx, e, inst, true); err != nil {
			return fmt.Errorf("post-save hook %s: %w", inst, err)
		}
	}
	return nil
}
