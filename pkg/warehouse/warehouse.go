// Package warehouse defines the gateway the linkage pipeline drives. All heavy
// lifting (joins, aggregation, distinct) happens inside the engine behind it.
package warehouse

import (
	"context"
	"errors"
	"strings"

	"github.com/synaptica-ai/fdm/pkg/query"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type TableRef = query.TableRef

// RowSet is a fully-read query result.
type RowSet struct {
	Columns []query.Column
	Rows    [][]any
}

// Index returns the position of the named column or -1.
func (r *RowSet) Index(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Maps returns each row keyed by column name.
func (r *RowSet) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, c := range r.Columns {
			if i < len(row) {
				m[c.Name] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

type Gateway interface {
	// Query runs q and returns every row.
	Query(ctx context.Context, q query.Query) (*RowSet, error)
	// Materialize writes the result of q to dest, replacing any existing table.
	// q may read dest.
	Materialize(ctx context.Context, q query.Query, dest TableRef) (int64, error)
	// LoadRows replaces dest with the given client-side rows.
	LoadRows(ctx context.Context, dest TableRef, columns []query.Column, rows [][]any) error

	TableExists(ctx context.Context, ref TableRef) (bool, error)
	GetSchema(ctx context.Context, ref TableRef) ([]query.Column, error)
	RenameColumns(ctx context.Context, ref TableRef, mapping map[string]string) error
	DropColumn(ctx context.Context, ref TableRef, column string) error
	DeleteTable(ctx context.Context, ref TableRef) error
	RowCount(ctx context.Context, ref TableRef) (int64, error)

	NamespaceExists(ctx context.Context, project, namespace string) (bool, error)
	CreateNamespace(ctx context.Context, project, namespace string) error
}

// ColumnNames lists the names of cols in order.
func ColumnNames(cols []query.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports an exact (case-sensitive) match.
func HasColumn(cols []query.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// FindColumn returns the first column matching name case-insensitively.
func FindColumn(cols []query.Column, name string) (query.Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return query.Column{}, false
}
