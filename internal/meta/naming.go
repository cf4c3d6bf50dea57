package meta

import (
	"strings"

	"github.com/go-openapi/inflect"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// plural: OrderItem -> order_items, Category -> categories
func plural(s string) string {
	return strings.ToLower(inflect.Pluralize(inflect.Underscore(s)))
}

// schema = module (lower)
func safeSchema(module string) string { return strings.ToLower(module) }

// table = plural(entity) с защитой keyword'ов
func safeTable(entity string) string {
	t := plural(entity)
	if isReserved(t) {
		// помечаем «опасное» имя префиксом
		t = "e_" + t
	}
	return t
}

// tableName: опция table= берётся как есть, иначе "<module>.<plural>".
func tableName(module, entity string, opts map[string]string) string {
	if t := strings.TrimSpace(opts["table"]); t != "" {
		return t
	}
	return safeSchema(module) + "." + safeTable(entity)
}

// SchemaOf возвращает схему из квалифицированного имени таблицы.
func SchemaOf(table string) string {
	if i := strings.IndexByte(table, '.'); i > 0 {
		return table[:i]
	}
	return ""
}
