package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

var errAggregateContext = errors.New("aggregate used outside of a grouped select")

type relation struct {
	columns []query.Column
	rows    [][]any
}

type binding struct {
	alias   string
	columns []query.Column
	offset  int
}

type scope struct {
	bindings []binding
}

func (s scope) width() int {
	if len(s.bindings) == 0 {
		return 0
	}
	last := s.bindings[len(s.bindings)-1]
	return last.offset + len(last.columns)
}

func (s scope) with(b binding) scope {
	b.offset = s.width()
	next := make([]binding, 0, len(s.bindings)+1)
	next = append(next, s.bindings...)
	return scope{bindings: append(next, b)}
}

// resolve finds a column, preferring an exact match over a case-insensitive one.
func (s scope) resolve(ref query.ColumnRef) (int, query.Column, error) {
	candidates := s.bindings
	if ref.Table != "" {
		candidates = nil
		for _, b := range s.bindings {
			if b.alias == ref.Table {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			return -1, query.Column{}, fmt.Errorf("unknown table alias %q", ref.Table)
		}
	}
	for _, exact := range []bool{true, false} {
		found := -1
		var col query.Column
		for _, b := range candidates {
			for i, c := range b.columns {
				if exact && c.Name != ref.Name || !exact && !strings.EqualFold(c.Name, ref.Name) {
					continue
				}
				if found >= 0 {
					return -1, query.Column{}, fmt.Errorf("column %q is ambiguous", ref.Name)
				}
				found, col = b.offset+i, c
			}
		}
		if found >= 0 {
			return found, col, nil
		}
	}
	return -1, query.Column{}, fmt.Errorf("%w: column %q", warehouse.ErrNotFound, ref.Name)
}

type evaluator struct {
	lookup func(ref query.TableRef) (*relation, error)
}

func (e *evaluator) run(q query.Query) (*relation, error) {
	switch v := q.(type) {
	case *query.Select:
		return e.selectStmt(v)
	case *query.Union:
		return e.union(v)
	default:
		return nil, fmt.Errorf("%w: %T", query.ErrUnsupported, q)
	}
}

func (e *evaluator) union(u *query.Union) (*relation, error) {
	if len(u.Queries) == 0 {
		return nil, fmt.Errorf("%w: empty union", query.ErrUnsupported)
	}
	var out *relation
	for i, q := range u.Queries {
		rel, err := e.run(q)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			out = &relation{columns: append([]query.Column(nil), rel.columns...)}
		} else {
			if len(rel.columns) != len(out.columns) {
				return nil, fmt.Errorf("union branch %d has %d columns, expected %d", i, len(rel.columns), len(out.columns))
			}
			for c := range out.columns {
				if out.columns[c].Type == query.TypeUnknown {
					out.columns[c].Type = rel.columns[c].Type
				}
			}
		}
		out.rows = append(out.rows, rel.rows...)
	}
	if !u.All {
		out.rows = distinctRows(out.rows)
	}
	return out, nil
}

func (e *evaluator) source(src query.Source) (*relation, error) {
	switch v := src.(type) {
	case query.TableSource:
		return e.lookup(v.Ref)
	case query.SubquerySource:
		return e.run(v.Query)
	default:
		return nil, fmt.Errorf("%w: %T", query.ErrUnsupported, src)
	}
}

func (e *evaluator) selectStmt(s *query.Select) (*relation, error) {
	if s.From == nil {
		return nil, fmt.Errorf("%w: select without FROM", query.ErrUnsupported)
	}
	base, err := e.source(s.From)
	if err != nil {
		return nil, err
	}
	sc := scope{}.with(binding{alias: s.From.SourceAlias(), columns: base.columns})
	rows := base.rows

	for _, j := range s.Joins {
		right, err := e.source(j.Source)
		if err != nil {
			return nil, err
		}
		joined := sc.with(binding{alias: j.Source.SourceAlias(), columns: right.columns})
		var out [][]any
		for _, l := range rows {
			matched := false
			for _, r := range right.rows {
				row := concatRow(l, r)
				ok, err := e.truth(joined, j.On, row)
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, row)
					matched = true
				}
			}
			if !matched && j.Kind == query.LeftJoin {
				out = append(out, concatRow(l, make([]any, len(right.columns))))
			}
		}
		sc, rows = joined, out
	}

	if s.Where != nil {
		var kept [][]any
		for _, row := range rows {
			ok, err := e.truth(sc, s.Where, row)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	columns, err := e.outputColumns(sc, s.Items)
	if err != nil {
		return nil, err
	}
	out := &relation{columns: columns}

	if len(s.GroupBy) > 0 || hasAggregate(s.Items) {
		groups, err := e.group(sc, s.GroupBy, rows)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			first := make([]any, sc.width())
			if len(g) > 0 {
				first = g[0]
			} else {
				g = [][]any{}
			}
			row, err := e.project(sc, s.Items, first, g)
			if err != nil {
				return nil, err
			}
			out.rows = append(out.rows, row)
		}
	} else {
		for _, r := range rows {
			row, err := e.project(sc, s.Items, r, nil)
			if err != nil {
				return nil, err
			}
			out.rows = append(out.rows, row)
		}
	}

	if s.Distinct {
		out.rows = distinctRows(out.rows)
	}
	if s.Limit > 0 && len(out.rows) > s.Limit {
		out.rows = out.rows[:s.Limit]
	}
	return out, nil
}

// group keeps groups in order of first appearance. Without keys every row
// forms one group, which exists even when rows is empty.
func (e *evaluator) group(sc scope, keys []query.Expr, rows [][]any) ([][][]any, error) {
	if len(keys) == 0 {
		return [][][]any{rows}, nil
	}
	index := make(map[string]int)
	var groups [][][]any
	for _, row := range rows {
		vals := make([]any, len(keys))
		for i, k := range keys {
			v, err := e.eval(sc, k, row, nil)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		k := rowKey(vals)
		pos, ok := index[k]
		if !ok {
			pos = len(groups)
			index[k] = pos
			groups = append(groups, nil)
		}
		groups[pos] = append(groups[pos], row)
	}
	return groups, nil
}

func (e *evaluator) outputColumns(sc scope, items []query.Item) ([]query.Column, error) {
	var cols []query.Column
	for i, it := range items {
		if it.Star {
			found := false
			for _, b := range sc.bindings {
				if it.Table == "" || b.alias == it.Table {
					cols = append(cols, b.columns...)
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("unknown table alias %q", it.Table)
			}
			continue
		}
		name := it.Alias
		if name == "" {
			if ref, ok := it.Expr.(query.ColumnRef); ok {
				name = ref.Name
			} else {
				name = fmt.Sprintf("f%d_", i)
			}
		}
		cols = append(cols, query.Column{Name: name, Type: e.typeOf(sc, it.Expr)})
	}
	return cols, nil
}

func (e *evaluator) project(sc scope, items []query.Item, row []any, group [][]any) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, it := range items {
		if it.Star {
			for _, b := range sc.bindings {
				if it.Table == "" || b.alias == it.Table {
					out = append(out, row[b.offset:b.offset+len(b.columns)]...)
				}
			}
			continue
		}
		v, err := e.eval(sc, it.Expr, row, group)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *evaluator) truth(sc scope, x query.Expr, row []any) (bool, error) {
	v, err := e.eval(sc, x, row, nil)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	default:
		return false, fmt.Errorf("condition evaluated to %s, expected BOOL", valueType(v))
	}
}

func (e *evaluator) eval(sc scope, x query.Expr, row []any, group [][]any) (any, error) {
	switch v := x.(type) {
	case query.ColumnRef:
		idx, _, err := sc.resolve(v)
		if err != nil {
			return nil, err
		}
		return row[idx], nil
	case query.Literal:
		return normalize(v.Value), nil
	case query.Concat:
		var b strings.Builder
		for _, p := range v.Parts {
			pv, err := e.eval(sc, p, row, group)
			if err != nil {
				return nil, err
			}
			if pv == nil {
				return nil, nil
			}
			s, ok := pv.(string)
			if !ok {
				return nil, fmt.Errorf("CONCAT expects STRING, got %s", valueType(pv))
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case query.CastString:
		xv, err := e.eval(sc, v.X, row, group)
		if err != nil {
			return nil, err
		}
		return castString(xv)
	case query.ToDate:
		xv, err := e.eval(sc, v.X, row, group)
		if err != nil {
			return nil, err
		}
		return toDate(xv)
	case query.AddDays:
		xv, err := e.eval(sc, v.X, row, group)
		if err != nil || xv == nil {
			return nil, err
		}
		t, ok := xv.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot add days to %s", valueType(xv))
		}
		return t.AddDate(0, 0, v.Days), nil
	case query.Coalesce:
		for _, a := range v.Args {
			av, err := e.eval(sc, a, row, group)
			if err != nil {
				return nil, err
			}
			if av != nil {
				return av, nil
			}
		}
		return nil, nil
	case query.Compare:
		l, err := e.eval(sc, v.L, row, group)
		if err != nil {
			return nil, err
		}
		r, err := e.eval(sc, v.R, row, group)
		if err != nil {
			return nil, err
		}
		if l == nil || r == nil {
			return nil, nil
		}
		c, err := compareValues(l, r)
		if err != nil {
			return nil, err
		}
		return applyCompare(v.Op, c)
	case query.And:
		return e.junction(sc, v.Terms, row, group, false)
	case query.Or:
		return e.junction(sc, v.Terms, row, group, true)
	case query.Not:
		xv, err := e.eval(sc, v.X, row, group)
		if err != nil || xv == nil {
			return nil, err
		}
		b, ok := xv.(bool)
		if !ok {
			return nil, fmt.Errorf("NOT expects BOOL, got %s", valueType(xv))
		}
		return !b, nil
	case query.IsNull:
		xv, err := e.eval(sc, v.X, row, group)
		if err != nil {
			return nil, err
		}
		return (xv == nil) != v.Negate, nil
	case query.Aggregate:
		if group == nil {
			return nil, errAggregateContext
		}
		return e.aggregate(sc, v, group)
	case query.GenerateID:
		return uuid.NewString(), nil
	default:
		return nil, fmt.Errorf("%w: %T", query.ErrUnsupported, x)
	}
}

// junction applies three-valued AND (short on false) or OR (short on true).
func (e *evaluator) junction(sc scope, terms []query.Expr, row []any, group [][]any, isOr bool) (any, error) {
	unknown := false
	for _, t := range terms {
		tv, err := e.eval(sc, t, row, group)
		if err != nil {
			return nil, err
		}
		if tv == nil {
			unknown = true
			continue
		}
		b, ok := tv.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean operator expects BOOL, got %s", valueType(tv))
		}
		if b == isOr {
			return b, nil
		}
	}
	if unknown {
		return nil, nil
	}
	return !isOr, nil
}

func (e *evaluator) aggregate(sc scope, a query.Aggregate, group [][]any) (any, error) {
	if a.X == nil {
		if a.Func != query.AggCount {
			return nil, fmt.Errorf("%w: %s without argument", query.ErrUnsupported, a.Func)
		}
		return int64(len(group)), nil
	}
	var (
		best  any
		count int64
	)
	for _, row := range group {
		v, err := e.eval(sc, a.X, row, nil)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		count++
		if best == nil {
			best = v
			continue
		}
		c, err := compareValues(v, best)
		if err != nil {
			return nil, err
		}
		if a.Func == query.AggMin && c < 0 || a.Func == query.AggMax && c > 0 {
			best = v
		}
	}
	if a.Func == query.AggCount {
		return count, nil
	}
	return best, nil
}

func (e *evaluator) typeOf(sc scope, x query.Expr) query.Type {
	switch v := x.(type) {
	case query.ColumnRef:
		if _, col, err := sc.resolve(v); err == nil {
			return col.Type
		}
		return query.TypeUnknown
	case query.Literal:
		return valueType(normalize(v.Value))
	case query.Concat, query.CastString, query.GenerateID:
		return query.TypeString
	case query.ToDate:
		return query.TypeDate
	case query.AddDays:
		return e.typeOf(sc, v.X)
	case query.Coalesce:
		for _, a := range v.Args {
			if t := e.typeOf(sc, a); t != query.TypeUnknown {
				return t
			}
		}
		return query.TypeUnknown
	case query.Compare, query.And, query.Or, query.Not, query.IsNull:
		return query.TypeBool
	case query.Aggregate:
		if v.Func == query.AggCount {
			return query.TypeInt
		}
		return e.typeOf(sc, v.X)
	default:
		return query.TypeUnknown
	}
}

func applyCompare(op query.CompareOp, c int) (any, error) {
	switch op {
	case query.Eq:
		return c == 0, nil
	case query.Neq:
		return c != 0, nil
	case query.Lt:
		return c < 0, nil
	case query.Lte:
		return c <= 0, nil
	case query.Gt:
		return c > 0, nil
	case query.Gte:
		return c >= 0, nil
	default:
		return nil, fmt.Errorf("%w: operator %q", query.ErrUnsupported, op)
	}
}

func hasAggregate(items []query.Item) bool {
	for _, it := range items {
		if !it.Star && containsAggregate(it.Expr) {
			return true
		}
	}
	return false
}

func containsAggregate(x query.Expr) bool {
	switch v := x.(type) {
	case query.Aggregate:
		return true
	case query.Concat:
		return anyAggregate(v.Parts)
	case query.CastString:
		return containsAggregate(v.X)
	case query.ToDate:
		return containsAggregate(v.X)
	case query.AddDays:
		return containsAggregate(v.X)
	case query.Coalesce:
		return anyAggregate(v.Args)
	case query.Compare:
		return containsAggregate(v.L) || containsAggregate(v.R)
	case query.And:
		return anyAggregate(v.Terms)
	case query.Or:
		return anyAggregate(v.Terms)
	case query.Not:
		return containsAggregate(v.X)
	case query.IsNull:
		return containsAggregate(v.X)
	default:
		return false
	}
}

func anyAggregate(list []query.Expr) bool {
	for _, x := range list {
		if containsAggregate(x) {
			return true
		}
	}
	return false
}

func concatRow(l, r []any) []any {
	row := make([]any, 0, len(l)+len(r))
	row = append(row, l...)
	return append(row, r...)
}
