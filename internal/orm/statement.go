package orm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"korm/internal/meta"
)

// Stmt — скомпилированный запрос: текст и позиционные параметры.
type Stmt struct {
	SQL  string
	Args []any
}

// Page — LIMIT/OFFSET для списков; нули означают «без ограничения».
type Page struct {
	Limit  int
	Offset int
}

// compiler собирает SQL по метаданным реестра.
type compiler struct {
	reg *meta.Registry
	now func() time.Time
}

// insertStmt: INSERT INTO t (cols) VALUES (...), (...) RETURNING pk.
// Ни у одной записи не должно быть ключа.
func (c *compiler) insertStmt(insts []*Instance) (Stmt, error) {
	et, err := batchType(insts)
	if err != nil {
		return Stmt{}, err
	}
	for _, inst := range insts {
		if inst.Keyed() {
			return Stmt{}, usagef("cannot insert %s: primary key is already set", inst)
		}
	}
	names, values, err := c.namesValues(insts, nil)
	if err != nil {
		return Stmt{}, err
	}

	rows := make([]string, len(insts))
	args := make([]any, 0, len(names)*len(insts))
	for j := range insts {
		ph := make([]string, len(names))
		for i := range names {
			ph[i] = fmt.Sprintf("$%d", len(names)*j+i+1)
		}
		rows[j] = "(" + strings.Join(ph, ", ") + ")"
		args = append(args, values[j]...)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING %s",
		et.Table, strings.Join(names, ", "), strings.Join(rows, ", "), c.reg.PrimaryKey(et))
	return Stmt{SQL: sql, Args: args}, nil
}

// updateStmt: UPDATE t SET a = $2, ... WHERE pk = $1. set == nil пишет все
// поля, иначе только перечисленные (имя поля, attname или имя связи).
func (c *compiler) updateStmt(inst *Instance, set map[string]any) (Stmt, error) {
	names, values, err := c.namesValues([]*Instance{inst}, set)
	if err != nil {
		return Stmt{}, err
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s = $%d", n, i+2)
	}
	et := inst.Type
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1", et.Table, strings.Join(parts, ", "), c.reg.PrimaryKey(et))
	return Stmt{SQL: sql, Args: append([]any{inst.PK()}, values[0]...)}, nil
}

// namesValues возвращает колонки и значения для записи. Первичный ключ
// пропускается. Значения из set переносятся в запись до выполнения запроса,
// как и проставленные auto_now.
func (c *compiler) namesValues(insts []*Instance, set map[string]any) ([]string, [][]any, error) {
	et := insts[0].Type
	pk := et.PKField()
	now := c.now()
	if set != nil {
		if err := checkSet(et, set); err != nil {
			return nil, nil, err
		}
	}

	var names []string
	values := make([][]any, len(insts))
	for _, f := range c.reg.Fields(et, false) {
		if f.Name == pk.Name {
			continue
		}
		var (
			setVal, rel any
			byAttname   bool
			byName      bool
		)
		if set != nil {
			setVal, byAttname = set[f.Attname()]
			if f.Kind == meta.KindToOne && !byAttname {
				rel, byName = set[f.Name]
			}
			if !byAttname && !byName {
				continue
			}
		}
		names = append(names, f.Column)

		for i, inst := range insts {
			var val any
			switch {
			case byAttname:
				val = setVal
				inst.Values[f.Attname()] = val
				if f.Kind == meta.KindToOne {
					delete(inst.prefetched, f.Name)
				}
			case byName:
				relInst, _ := rel.(*Instance)
				val = relInst.PK()
				inst.setPrefetched(f.Name, relInst)
				inst.Values[f.Attname()] = val
			default:
				val = inst.Values[f.Attname()]
			}
			if v, stamped := stamp(f, val, now); stamped {
				val = v
				inst.Values[f.Attname()] = v
			}
			wire, err := toWire(f, val)
			if err != nil {
				return nil, nil, err
			}
			values[i] = append(values[i], wire)
		}
	}
	if len(names) == 0 {
		return nil, nil, usagef("%s: nothing to write", et.FQN)
	}
	if set != nil && len(set) != len(names) {
		return nil, nil, usagef("%s: update fields %v resolve to columns %v", et.FQN, setKeys(set), names)
	}
	return names, values, nil
}

// checkSet до любых изменений записи проверяет, что каждое имя из set
// соответствует ровно одной записываемой колонке.
func checkSet(et *meta.EntityType, set map[string]any) error {
	cols := make(map[string]struct{}, len(set))
	for key, v := range set {
		f, ok := et.Field(key)
		if !ok || f.PK || f.Kind == meta.KindOneToOne {
			continue
		}
		if f.Kind == meta.KindToOne && key == f.Name && key != f.Attname() {
			if _, isInst := v.(*Instance); v != nil && !isInst {
				return usagef("field %s of %s expects *Instance or nil, got %T", f.Name, et.FQN, v)
			}
		}
		cols[f.Column] = struct{}{}
	}
	if len(cols) != len(set) {
		return usagef("%s: update fields %v resolve to %d columns", et.FQN, setKeys(set), len(cols))
	}
	return nil
}

// selectStmt: SELECT * FROM t [WHERE ...] [ORDER BY ...] [LIMIT n] [OFFSET m].
func (c *compiler) selectStmt(et *meta.EntityType, where Where, ordered bool, page Page) (Stmt, error) {
	cond, args, err := compileWhere(et, where)
	if err != nil {
		return Stmt{}, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(et.Table)
	if cond != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(cond)
	}
	if ordered {
		if ob := et.OrderBy(); ob != "" {
			sb.WriteString(" ORDER BY ")
			sb.WriteString(ob)
		}
	}
	if page.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", page.Limit)
	}
	if page.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", page.Offset)
	}
	return Stmt{SQL: sb.String(), Args: args}, nil
}

// countStmt: SELECT COUNT(*) FROM t [WHERE ...].
func (c *compiler) countStmt(et *meta.EntityType, where Where) (Stmt, error) {
	return c.projected("SELECT COUNT(*) FROM ", et, where)
}

// deleteStmt: DELETE FROM t [WHERE ...].
func (c *compiler) deleteStmt(et *meta.EntityType, where Where) (Stmt, error) {
	return c.projected("DELETE FROM ", et, where)
}

func (c *compiler) projected(head string, et *meta.EntityType, where Where) (Stmt, error) {
	cond, args, err := compileWhere(et, where)
	if err != nil {
		return Stmt{}, err
	}
	sql := head + et.Table
	if cond != "" {
		sql += " WHERE " + cond
	}
	return Stmt{SQL: sql, Args: args}, nil
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)\}`)

// normSQL подставляет таблицы вместо {module.Entity}/{Entity} и схлопывает
// пробельные символы. Защиты от инъекций нет: значения передаются только
// параметрами.
func (c *compiler) normSQL(sql string) (string, error) {
	tables := c.reg.Tables()
	var missing []string
	sql = placeholderRe.ReplaceAllStringFunc(sql, func(m string) string {
		name := m[1 : len(m)-1]
		if t, ok := tables[name]; ok {
			return t
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", usagef("unknown table placeholders: %s", strings.Join(missing, ", "))
	}
	return strings.Join(strings.Fields(sql), " "), nil
}

// batchType проверяет, что пачка непуста и однородна.
func batchType(insts []*Instance) (*meta.EntityType, error) {
	if len(insts) == 0 {
		return nil, usagef("empty batch")
	}
	for _, inst := range insts {
		if inst == nil || inst.Type == nil {
			return nil, usagef("nil instance in batch")
		}
	}
	et := insts[0].Type
	for _, inst := range insts[1:] {
		if inst.Type != et {
			return nil, usagef("mixed entity types in batch: %s and %s", et.FQN, inst.Type.FQN)
		}
	}
	return et, nil
}

func setKeys(set map[string]any) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
