package entmap

import "strings"

// The generated statements below are what the ORM operations feed the
// Mapper statement accessors. They render named parameters in ":name"
// form; the agent turns those into driver placeholders at execution time.

func writeProjection(b *strings.Builder, cols []Column) {
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Field)
		if c.Prop != "" && c.Prop != c.Field {
			b.WriteString(" AS ")
			b.WriteString(c.Prop)
		}
	}
}

func fetchText(t Table) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	writeProjection(&b, t.SelectColumns())
	b.WriteString(" FROM ")
	b.WriteString(t.TableName())
	b.WriteString(" WHERE (")
	b.WriteString(t.KeyColumn().Field)
	b.WriteString("=:")
	b.WriteString(t.KeyColumn().Field)
	b.WriteString(")")
	return b.String()
}

func fetchByParentText(t Table) string {
	parent, ok := t.ParentColumn()
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	writeProjection(&b, t.SelectColumns())
	b.WriteString(" FROM ")
	b.WriteString(t.TableName())
	b.WriteString(" WHERE (")
	b.WriteString(parent)
	b.WriteString("=:")
	b.WriteString(parent)
	b.WriteString(")")
	return b.String()
}

func fetchRootsText(t Table) string {
	parent, ok := t.ParentColumn()
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	writeProjection(&b, t.SelectColumns())
	b.WriteString(" FROM ")
	b.WriteString(t.TableName())
	b.WriteString(" WHERE (")
	b.WriteString(parent)
	b.WriteString(" IS NULL)")
	return b.String()
}

func fetchAllText(t Table) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	writeProjection(&b, t.SelectColumns())
	b.WriteString(" FROM ")
	b.WriteString(t.TableName())
	return b.String()
}

// insertText closes over the dialect because autoincrement inserts on
// Postgres read the generated key back through RETURNING instead of
// LastInsertId.
func insertText(d Dialect) func(Table, []Param) string {
	return func(t Table, extra []Param) string {
		cols := t.InsertColumns()
		names := make([]string, 0, len(cols)+len(extra))
		names = append(names, cols...)
		for _, p := range extra {
			names = append(names, p.Name)
		}
		var b strings.Builder
		b.WriteString("INSERT INTO ")
		b.WriteString(t.TableName())
		b.WriteString(" (")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(") VALUES (")
		for i, n := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(":")
			b.WriteString(n)
		}
		b.WriteString(")")
		if t.KeyAutoIncrement() && d == Postgres {
			b.WriteString(" RETURNING ")
			b.WriteString(t.KeyColumn().Field)
		}
		return b.String()
	}
}

func updateText(t Table, scope *int) string {
	cols := t.UpdateColumns(scope)
	if len(cols) < 2 {
		return ""
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(t.TableName())
	b.WriteString(" SET ")
	for i, c := range cols[:len(cols)-1] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString("=:")
		b.WriteString(c)
	}
	b.WriteString(" WHERE (")
	b.WriteString(cols[len(cols)-1])
	b.WriteString("=:")
	b.WriteString(t.KeyParamName())
	b.WriteString(")")
	return b.String()
}

func deleteText(t Table) string {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(t.TableName())
	b.WriteString(" WHERE (")
	b.WriteString(t.KeyColumn().Field)
	b.WriteString("=:")
	b.WriteString(t.KeyParamName())
	b.WriteString(")")
	return b.String()
}
