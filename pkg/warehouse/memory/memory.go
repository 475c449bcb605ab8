// Package memory is an in-process warehouse that evaluates query trees
// directly. It backs tests and dry runs; tables are keyed by namespace and
// name, projects are ignored.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

type Warehouse struct {
	mu         sync.RWMutex
	namespaces map[string]struct{}
	tables     map[string]*relation
}

var _ warehouse.Gateway = (*Warehouse)(nil)

func New() *Warehouse {
	return &Warehouse{
		namespaces: make(map[string]struct{}),
		tables:     make(map[string]*relation),
	}
}

func tableKey(ref warehouse.TableRef) string {
	return ref.Namespace + "." + ref.Name
}

// Seed creates or replaces a table, creating its namespace when needed.
func (w *Warehouse) Seed(ref warehouse.TableRef, columns []query.Column, rows ...[]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.namespaces[ref.Namespace] = struct{}{}
	w.tables[tableKey(ref)] = newRelation(columns, rows)
}

func newRelation(columns []query.Column, rows [][]any) *relation {
	rel := &relation{columns: append([]query.Column(nil), columns...)}
	for _, row := range rows {
		copied := make([]any, len(columns))
		for i := range copied {
			if i < len(row) {
				copied[i] = normalize(row[i])
			}
		}
		rel.rows = append(rel.rows, copied)
	}
	return rel
}

func (w *Warehouse) lookupLocked(ref query.TableRef) (*relation, error) {
	rel, ok := w.tables[tableKey(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", warehouse.ErrNotFound, ref)
	}
	return rel, nil
}

func (w *Warehouse) Query(ctx context.Context, q query.Query) (*warehouse.RowSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	ev := &evaluator{lookup: w.lookupLocked}
	rel, err := ev.run(q)
	if err != nil {
		return nil, err
	}
	rs := &warehouse.RowSet{Columns: append([]query.Column(nil), rel.columns...)}
	for _, row := range rel.rows {
		rs.Rows = append(rs.Rows, append([]any(nil), row...))
	}
	return rs, nil
}

func (w *Warehouse) Materialize(ctx context.Context, q query.Query, dest warehouse.TableRef) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.namespaces[dest.Namespace]; !ok {
		return 0, fmt.Errorf("%w: namespace %s", warehouse.ErrNotFound, dest.Namespace)
	}
	ev := &evaluator{lookup: w.lookupLocked}
	rel, err := ev.run(q)
	if err != nil {
		return 0, err
	}
	if err := checkDistinctNames(rel.columns); err != nil {
		return 0, err
	}
	w.tables[tableKey(dest)] = rel
	return int64(len(rel.rows)), nil
}

func (w *Warehouse) LoadRows(ctx context.Context, dest warehouse.TableRef, columns []query.Column, rows [][]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkDistinctNames(columns); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(columns))
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.namespaces[dest.Namespace]; !ok {
		return fmt.Errorf("%w: namespace %s", warehouse.ErrNotFound, dest.Namespace)
	}
	w.tables[tableKey(dest)] = newRelation(columns, rows)
	return nil
}

func (w *Warehouse) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tables[tableKey(ref)]
	return ok, nil
}

func (w *Warehouse) GetSchema(ctx context.Context, ref warehouse.TableRef) ([]query.Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	rel, err := w.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	return append([]query.Column(nil), rel.columns...), nil
}

func (w *Warehouse) RenameColumns(ctx context.Context, ref warehouse.TableRef, mapping map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rel, err := w.lookupLocked(ref)
	if err != nil {
		return err
	}
	columns := append([]query.Column(nil), rel.columns...)
	for from, to := range mapping {
		idx := -1
		for i, c := range columns {
			if c.Name == from {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: column %q in %s", warehouse.ErrNotFound, from, ref)
		}
		for i, c := range columns {
			if i != idx && strings.EqualFold(c.Name, to) {
				return fmt.Errorf("%w: column %q in %s", warehouse.ErrAlreadyExists, to, ref)
			}
		}
		columns[idx].Name = to
	}
	rel.columns = columns
	return nil
}

func (w *Warehouse) DropColumn(ctx context.Context, ref warehouse.TableRef, column string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rel, err := w.lookupLocked(ref)
	if err != nil {
		return err
	}
	idx := -1
	for i, c := range rel.columns {
		if c.Name == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: column %q in %s", warehouse.ErrNotFound, column, ref)
	}
	next := &relation{columns: append(append([]query.Column(nil), rel.columns[:idx]...), rel.columns[idx+1:]...)}
	for _, row := range rel.rows {
		trimmed := make([]any, 0, len(row)-1)
		trimmed = append(trimmed, row[:idx]...)
		next.rows = append(next.rows, append(trimmed, row[idx+1:]...))
	}
	w.tables[tableKey(ref)] = next
	return nil
}

func (w *Warehouse) DeleteTable(ctx context.Context, ref warehouse.TableRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.lookupLocked(ref); err != nil {
		return err
	}
	delete(w.tables, tableKey(ref))
	return nil
}

func (w *Warehouse) RowCount(ctx context.Context, ref warehouse.TableRef) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	rel, err := w.lookupLocked(ref)
	if err != nil {
		return 0, err
	}
	return int64(len(rel.rows)), nil
}

func (w *Warehouse) NamespaceExists(ctx context.Context, _ string, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.namespaces[namespace]
	return ok, nil
}

func (w *Warehouse) CreateNamespace(ctx context.Context, _ string, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.namespaces[namespace]; ok {
		return fmt.Errorf("%w: namespace %s", warehouse.ErrAlreadyExists, namespace)
	}
	w.namespaces[namespace] = struct{}{}
	return nil
}

func checkDistinctNames(cols []query.Column) error {
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		k := strings.ToLower(c.Name)
		if _, ok := seen[k]; ok {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[k] = struct{}{}
	}
	return nil
}
