// Package schema holds the immutable description of the target database that
// the agent embeds in its generation prompts.
package schema

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type ForeignKey struct {
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Snapshot is a read-only view of the tables present when it was built.
// Accessors hand out copies so callers cannot mutate shared state.
type Snapshot struct {
	tables map[string]Table
}

func NewSnapshot(tables []Table) Snapshot {
	byName := make(map[string]Table, len(tables))
	for _, table := range tables {
		byName[table.Name] = cloneTable(table)
	}
	return Snapshot{tables: byName}
}

func (s Snapshot) Len() int {
	return len(s.tables)
}

func (s Snapshot) Table(name string) (Table, bool) {
	table, ok := s.tables[name]
	if !ok {
		return Table{}, false
	}
	return cloneTable(table), true
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tables returns every table ordered by name.
func (s Snapshot) Tables() []Table {
	names := s.TableNames()
	out := make([]Table, 0, len(names))
	for _, name := range names {
		out = append(out, cloneTable(s.tables[name]))
	}
	return out
}

type Introspector interface {
	Introspect(ctx context.Context) (Snapshot, error)
}

// IntrospectionError reports that the target schema could not be read.
type IntrospectionError struct {
	Err error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("schema introspection failed: %v", e.Err)
}

func (e *IntrospectionError) Unwrap() error {
	return e.Err
}

func Fetch(ctx context.Context, introspector Introspector) (Snapshot, error) {
	if introspector == nil {
		return Snapshot{}, &IntrospectionError{Err: fmt.Errorf("introspector is required")}
	}
	snapshot, err := introspector.Introspect(ctx)
	if err != nil {
		return Snapshot{}, &IntrospectionError{Err: err}
	}
	return snapshot, nil
}

func cloneTable(table Table) Table {
	out := Table{
		Name:       table.Name,
		Columns:    slices.Clone(table.Columns),
		PrimaryKey: slices.Clone(table.PrimaryKey),
	}
	if len(table.ForeignKeys) > 0 {
		out.ForeignKeys = make([]ForeignKey, 0, len(table.ForeignKeys))
		for _, fk := range table.ForeignKeys {
			out.ForeignKeys = append(out.ForeignKeys, ForeignKey{
				Columns:    slices.Clone(fk.Columns),
				RefTable:   fk.RefTable,
				RefColumns: slices.Clone(fk.RefColumns),
			})
		}
	}
	return out
}
