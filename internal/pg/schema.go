package pg

import (
	"fmt"
	"sort"
	"strings"

	"korm/internal/meta"
)

type OnDeletePolicy string

const (
	OnDeleteRestrict OnDeletePolicy = "RESTRICT"
	OnDeleteSetNull  OnDeletePolicy = "SET NULL"
	OnDeleteCascade  OnDeletePolicy = "CASCADE"
)

func sqlIdent(s string) string { return `"` + strings.ToLower(s) + `"` }

// qualified: blog.posts -> "blog"."posts"
func qualified(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = sqlIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapType(f meta.Field) (string, error) {
	switch f.Type {
	case "string", "text", "enum", "file":
		return "text", nil
	case "int":
		return "bigint", nil
	case "serial":
		return "bigserial", nil
	case "float":
		return "double precision", nil
	case "money":
		return "numeric(18,2)", nil
	case "bool":
		return "boolean", nil
	case "date":
		return "date", nil
	case "datetime":
		return "timestamp with time zone", nil
	case "uuid":
		return "uuid", nil
	case "json", "array":
		return "jsonb", nil
	default:
		return "", fmt.Errorf("unknown type: %s", f.Type)
	}
}

// refType — тип FK-колонки по первичному ключу цели.
func refType(reg *meta.Registry, f meta.Field) (string, error) {
	target, err := reg.Lookup(f.Related)
	if err != nil {
		return "", err
	}
	typ, err := mapType(target.PKField())
	if err != nil {
		return "", err
	}
	if typ == "bigserial" {
		typ = "bigint"
	}
	return typ, nil
}

func onDeletePolicy(f meta.Field) OnDeletePolicy {
	switch f.OnDelete {
	case "set_null":
		return OnDeleteSetNull
	case "cascade":
		return OnDeleteCascade
	default:
		return OnDeleteRestrict
	}
}

// GenerateDDL возвращает карту ключ -> SQL: сначала схемы и таблицы, потом FK.
// Только create ... if not exists, существующие таблицы не меняются.
func GenerateDDL(reg *meta.Registry) (map[string]string, error) {
	out := make(map[string]string, 2)

	// --- Phase A: schemas + tables + unique ---
	var phaseASb strings.Builder
	seenSchemas := map[string]struct{}{}

	type fkStmt struct {
		table, name, col, refTable, refCol string
		onDelete                           OnDeletePolicy
	}
	var fks []fkStmt

	for _, et := range reg.Types() {
		if mod := meta.SchemaOf(et.Table); mod != "" {
			if _, ok := seenSchemas[mod]; !ok {
				fmt.Fprintf(&phaseASb, "create schema if not exists %s;\n", sqlIdent(mod))
				seenSchemas[mod] = struct{}{}
			}
		}

		var cols []string
		for _, f := range reg.Fields(et, false) {
			var (
				typ string
				err error
			)
			if f.Kind == meta.KindToOne {
				typ, err = refType(reg, f)
			} else {
				typ, err = mapType(f)
			}
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", et.FQN, f.Name, err)
			}

			if f.PK {
				cols = append(cols, fmt.Sprintf("%s %s primary key", sqlIdent(f.Column), typ))
				continue
			}
			null := "null"
			if f.Required {
				null = "not null"
			}
			def := ""
			if f.Default != "" {
				def = " default " + fmt.Sprintf("'%s'", strings.ReplaceAll(f.Default, "'", "''"))
			}
			cols = append(cols, fmt.Sprintf("%s %s %s%s", sqlIdent(f.Column), typ, null, def))

			if f.Kind == meta.KindToOne {
				target, _ := reg.Lookup(f.Related)
				fks = append(fks, fkStmt{
					table:    et.Table,
					name:     strings.ToLower(et.Name + "_" + f.Name + "_fk"),
					col:      f.Column,
					refTable: target.Table,
					refCol:   reg.PrimaryKey(target),
					onDelete: onDeletePolicy(f),
				})
			}
		}

		fmt.Fprintf(&phaseASb, "create table if not exists %s (\n  %s\n);\n",
			qualified(et.Table), strings.Join(cols, ",\n  "))

		for _, f := range reg.Fields(et, false) {
			if f.Unique && !f.PK {
				fmt.Fprintf(&phaseASb, "create unique index if not exists %s_%s_uq on %s(%s);\n",
					strings.ToLower(et.Name), strings.ToLower(f.Name), qualified(et.Table), sqlIdent(f.Column))
			}
		}

		for _, set := range et.Unique {
			if len(set) == 0 {
				continue
			}
			idxName := strings.ToLower(et.Name + "_" + strings.Join(set, "_") + "_uq")
			parts := make([]string, 0, len(set))
			for _, p := range set {
				parts = append(parts, sqlIdent(et.Column(p)))
			}
			fmt.Fprintf(&phaseASb, "create unique index if not exists %s on %s(%s);\n",
				sqlIdent(idxName), qualified(et.Table), strings.Join(parts, ", "))
		}
	}
	out["000_schemas_and_tables"] = phaseASb.String()

	// --- Phase B: foreign keys (после создания всех таблиц) ---
	sort.SliceStable(fks, func(i, j int) bool { return fks[i].name < fks[j].name })
	var phaseBSb strings.Builder
	for _, fk := range fks {
		fmt.Fprintf(&phaseBSb,
			"alter table %s add constraint %s foreign key (%s) references %s(%s) on delete %s;\n",
			qualified(fk.table), fk.name, sqlIdent(fk.col),
			qualified(fk.refTable), sqlIdent(fk.refCol), fk.onDelete,
		)
	}
	if phaseBSb.Len() > 0 {
		out["200_foreign_keys"] = phaseBSb.String()
	}
	return out, nil
}
