// dsl/lint.go
package dsl

import (
	"fmt"
	"sort"
	"strings"
)

type Issue struct {
	Entity  string `json:"entity"` // FQN: module.Entity
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s.%s: %s (%s)", i.Entity, i.Field, i.Message, i.Code)
}

// Lint проверяет базовые противоречия в DSL.
func Lint(entities map[string]*Entity) []Issue {
	var issues []Issue

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, fqn := range keys {
		e := entities[fqn]
		seen := map[string]struct{}{}
		pks := 0
		for _, f := range e.Fields {
			if _, dup := seen[strings.ToLower(f.Name)]; dup {
				issues = append(issues, Issue{
					Entity:  fqn,
					Field:   f.Name,
					Code:    "field_duplicate",
					Message: "field declared twice",
				})
			}
			seen[strings.ToLower(f.Name)] = struct{}{}
			if f.Has("pk") {
				pks++
			}

			// валидность on_delete
			if od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"])); od != "" {
				switch od {
				case "restrict", "set_null", "cascade":
				default:
					issues = append(issues, Issue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "on_delete_unknown",
						Message: fmt.Sprintf("unknown on_delete policy %q (allowed: restrict|set_null|cascade)", od),
					})
				}
			}

			switch strings.ToLower(f.Type) {
			case "ref":
				// required ref + set_null — конфликт
				req := f.Has("required")
				od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"]))
				if req && od == "set_null" {
					issues = append(issues, Issue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "required_conflicts_on_delete",
						Message: "required ref cannot have on_delete=set_null; use restrict (or make field optional)",
					})
				}
				if strings.TrimSpace(f.RefTarget) == "" {
					issues = append(issues, Issue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "ref_target_empty",
						Message: "ref field has empty RefTarget",
					})
				}
			case "one":
				// one[Entity.field] / one[module.Entity.field]
				if strings.Count(f.RefTarget, ".") < 1 {
					issues = append(issues, Issue{
						Entity:  fqn,
						Field:   f.Name,
						Code:    "one_target_invalid",
						Message: fmt.Sprintf("one-to-one target %q must be Entity.field", f.RefTarget),
					})
				}
			}
		}
		if pks > 1 {
			issues = append(issues, Issue{
				Entity:  fqn,
				Code:    "pk_multiple",
				Message: "entity declares more than one pk field",
			})
		}
	}
	return issues
}
