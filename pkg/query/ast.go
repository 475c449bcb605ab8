// Package query is a small typed query-expression builder. Queries are trees of
// Select/Union nodes over tables and sub-queries; a Dialect turns them into SQL
// for a remote engine, and the in-memory warehouse evaluates them directly.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Type is a warehouse-neutral column type.
type Type string

const (
	TypeString   Type = "STRING"
	TypeInt      Type = "INT64"
	TypeFloat    Type = "FLOAT64"
	TypeBool     Type = "BOOL"
	TypeDate     Type = "DATE"
	TypeDateTime Type = "DATETIME"
	TypeUnknown  Type = "UNKNOWN"
)

type Column struct {
	Name string
	Type Type
}

// TableRef identifies a table. Project is optional and only meaningful for
// engines with a three-part naming scheme.
type TableRef struct {
	Project   string
	Namespace string
	Name      string
}

// ParseTableRef accepts "table", "namespace.table" or "project.namespace.table".
func ParseTableRef(s string) (TableRef, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "`"), ".")
	for _, p := range parts {
		if p == "" {
			return TableRef{}, fmt.Errorf("invalid table reference %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return TableRef{Name: parts[0]}, nil
	case 2:
		return TableRef{Namespace: parts[0], Name: parts[1]}, nil
	case 3:
		return TableRef{Project: parts[0], Namespace: parts[1], Name: parts[2]}, nil
	default:
		return TableRef{}, fmt.Errorf("invalid table reference %q", s)
	}
}

func (r TableRef) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Project, r.Namespace, r.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Sibling returns a table in the same namespace.
func (r TableRef) Sibling(name string) TableRef {
	return TableRef{Project: r.Project, Namespace: r.Namespace, Name: name}
}

// Query is either a *Select or a *Union.
type Query interface {
	isQuery()
}

type Select struct {
	Distinct bool
	Items    []Item
	From     Source
	Joins    []Join
	Where    Expr
	GroupBy  []Expr
	// Limit caps the row count when positive.
	Limit int
}

type Union struct {
	All     bool
	Queries []Query
}

func (*Select) isQuery() {}
func (*Union) isQuery()  {}

// Item is a projected expression or a star. A Star with an empty Table expands
// every source in order.
type Item struct {
	Expr  Expr
	Alias string
	Star  bool
	Table string
}

func As(e Expr, alias string) Item { return Item{Expr: e, Alias: alias} }

func AllColumns() Item { return Item{Star: true} }

func AllOf(table string) Item { return Item{Star: true, Table: table} }

type Source interface {
	isSource()
	SourceAlias() string
}

type TableSource struct {
	Ref   TableRef
	Alias string
}

type SubquerySource struct {
	Query Query
	Alias string
}

func (TableSource) isSource()             {}
func (SubquerySource) isSource()          {}
func (s TableSource) SourceAlias() string { return s.Alias }

func (s SubquerySource) SourceAlias() string { return s.Alias }

func From(ref TableRef, alias string) TableSource { return TableSource{Ref: ref, Alias: alias} }

func FromQuery(q Query, alias string) SubquerySource { return SubquerySource{Query: q, Alias: alias} }

type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

type Join struct {
	Kind   JoinKind
	Source Source
	On     Expr
}

// Expr is a scalar or aggregate expression.
type Expr interface {
	isExpr()
}

type ColumnRef struct {
	Table string
	Name  string
}

// Literal holds nil, string, int64, float64, bool or a time.Time date.
type Literal struct {
	Value any
}

type Concat struct {
	Parts []Expr
}

type CastString struct {
	X Expr
}

type ToDate struct {
	X Expr
}

type AddDays struct {
	X    Expr
	Days int
}

type Coalesce struct {
	Args []Expr
}

type CompareOp string

const (
	Eq  CompareOp = "="
	Neq CompareOp = "<>"
	Lt  CompareOp = "<"
	Lte CompareOp = "<="
	Gt  CompareOp = ">"
	Gte CompareOp = ">="
)

type Compare struct {
	Op   CompareOp
	L, R Expr
}

type And struct {
	Terms []Expr
}

type Or struct {
	Terms []Expr
}

type Not struct {
	X Expr
}

type IsNull struct {
	X      Expr
	Negate bool
}

type AggFunc string

const (
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
	AggCount AggFunc = "COUNT"
)

// Aggregate with a nil X and AggCount is COUNT(*).
type Aggregate struct {
	Func AggFunc
	X    Expr
}

// GenerateID yields a fresh unique string per row.
type GenerateID struct{}

func (ColumnRef) isExpr()  {}
func (Literal) isExpr()    {}
func (Concat) isExpr()     {}
func (CastString) isExpr() {}
func (ToDate) isExpr()     {}
func (AddDays) isExpr()    {}
func (Coalesce) isExpr()   {}
func (Compare) isExpr()    {}
func (And) isExpr()        {}
func (Or) isExpr()         {}
func (Not) isExpr()        {}
func (IsNull) isExpr()     {}
func (Aggregate) isExpr()  {}
func (GenerateID) isExpr() {}

func Col(table, name string) ColumnRef { return ColumnRef{Table: table, Name: name} }

func Lit(v any) Literal { return Literal{Value: v} }

// DateLit builds a date literal at UTC midnight.
func DateLit(year int, month time.Month, day int) Literal {
	return Literal{Value: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func Cmp(op CompareOp, l, r Expr) Compare { return Compare{Op: op, L: l, R: r} }

func AllOfThese(terms ...Expr) And { return And{Terms: terms} }

func AnyOf(terms ...Expr) Or { return Or{Terms: terms} }

func Min(x Expr) Aggregate { return Aggregate{Func: AggMin, X: x} }

func Max(x Expr) Aggregate { return Aggregate{Func: AggMax, X: x} }

func CountAll() Aggregate { return Aggregate{Func: AggCount} }

func Null(x Expr) IsNull { return IsNull{X: x} }

func NotNull(x Expr) IsNull { return IsNull{X: x, Negate: true} }
