package schema

import "strings"

// Format renders the snapshot as compact prompt text, one block per table in
// name order, blocks separated by a blank line.
func Format(snapshot Snapshot) string {
	blocks := make([]string, 0, snapshot.Len())
	for _, table := range snapshot.Tables() {
		blocks = append(blocks, formatTable(table))
	}
	return strings.Join(blocks, "\n\n")
}

func formatTable(table Table) string {
	var b strings.Builder
	b.WriteString("Table: ")
	b.WriteString(table.Name)

	columns := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		attrs := column.Type
		if attrs == "" {
			attrs = "UNKNOWN"
		}
		if column.Nullable {
			attrs += ", nullable"
		}
		columns = append(columns, column.Name+" ("+attrs+")")
	}
	b.WriteString("\n  Columns: ")
	b.WriteString(strings.Join(columns, ", "))

	if len(table.PrimaryKey) > 0 {
		b.WriteString("\n  Primary key: ")
		b.WriteString(strings.Join(table.PrimaryKey, ", "))
	}
	if len(table.ForeignKeys) > 0 {
		refs := make([]string, 0, len(table.ForeignKeys))
		for _, fk := range table.ForeignKeys {
			refs = append(refs, strings.Join(fk.Columns, ", ")+" -> "+fk.RefTable+"("+strings.Join(fk.RefColumns, ", ")+")")
		}
		b.WriteString("\n  Foreign keys: ")
		b.WriteString(strings.Join(refs, "; "))
	}
	return b.String()
}
