package query

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnsupported       = errors.New("unsupported query node")
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect renders the engine-specific pieces of a query.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	Table(ref TableRef) string
	StringLiteral(s string) string
	DateTimeLiteral(t time.Time) string
	CastString(x string) string
	ToDate(x string) string
	AddDays(x string, days int) string
	Concat(parts []string) string
	GenerateID() string
}

// ValidateIdentifier rejects names that could escape quoting.
func ValidateIdentifier(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if strings.ContainsAny(name, "`\"'\\;\n\r\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// Render turns q into SQL text for d.
func Render(q Query, d Dialect) (string, error) {
	r := renderer{d: d}
	return r.query(q)
}

type renderer struct {
	d Dialect
}

func (r renderer) query(q Query) (string, error) {
	switch v := q.(type) {
	case *Select:
		return r.selectStmt(v)
	case *Union:
		return r.union(v)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, q)
	}
}

func (r renderer) union(u *Union) (string, error) {
	if len(u.Queries) == 0 {
		return "", fmt.Errorf("%w: empty union", ErrUnsupported)
	}
	op := " UNION DISTINCT "
	if u.All {
		op = " UNION ALL "
	}
	parts := make([]string, 0, len(u.Queries))
	for _, q := range u.Queries {
		s, err := r.query(q)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, op), nil
}

func (r renderer) selectStmt(s *Select) (string, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(s.Items) == 0 {
		return "", fmt.Errorf("%w: select without items", ErrUnsupported)
	}
	items := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		str, err := r.item(it)
		if err != nil {
			return "", err
		}
		items = append(items, str)
	}
	b.WriteString(strings.Join(items, ", "))

	if s.From == nil {
		return "", fmt.Errorf("%w: select without FROM", ErrUnsupported)
	}
	from, err := r.source(s.From)
	if err != nil {
		return "", err
	}
	b.WriteString(" FROM ")
	b.WriteString(from)

	for _, j := range s.Joins {
		src, err := r.source(j.Source)
		if err != nil {
			return "", err
		}
		on, err := r.expr(j.On)
		if err != nil {
			return "", err
		}
		switch j.Kind {
		case LeftJoin:
			b.WriteString(" LEFT JOIN ")
		default:
			b.WriteString(" INNER JOIN ")
		}
		b.WriteString(src)
		b.WriteString(" ON ")
		b.WriteString(on)
	}

	if s.Where != nil {
		where, err := r.expr(s.Where)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(s.GroupBy) > 0 {
		groups := make([]string, 0, len(s.GroupBy))
		for _, g := range s.GroupBy {
			str, err := r.expr(g)
			if err != nil {
				return "", err
			}
			groups = append(groups, str)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}
	if s.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(s.Limit))
	}
	return b.String(), nil
}

func (r renderer) item(it Item) (string, error) {
	if it.Star {
		if it.Table == "" {
			return "*", nil
		}
		if !aliasPattern.MatchString(it.Table) {
			return "", fmt.Errorf("%w: alias %q", ErrInvalidIdentifier, it.Table)
		}
		return it.Table + ".*", nil
	}
	e, err := r.expr(it.Expr)
	if err != nil {
		return "", err
	}
	if it.Alias == "" {
		return e, nil
	}
	if err := ValidateIdentifier(it.Alias); err != nil {
		return "", err
	}
	return e + " AS " + r.d.QuoteIdent(it.Alias), nil
}

func (r renderer) source(src Source) (string, error) {
	var out string
	switch v := src.(type) {
	case TableSource:
		for _, p := range []string{v.Ref.Project, v.Ref.Namespace, v.Ref.Name} {
			if p == "" {
				continue
			}
			if err := ValidateIdentifier(p); err != nil {
				return "", err
			}
		}
		out = r.d.Table(v.Ref)
	case SubquerySource:
		inner, err := r.query(v.Query)
		if err != nil {
			return "", err
		}
		out = "(" + inner + ")"
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, src)
	}
	if alias := src.SourceAlias(); alias != "" {
		if !aliasPattern.MatchString(alias) {
			return "", fmt.Errorf("%w: alias %q", ErrInvalidIdentifier, alias)
		}
		out += " AS " + alias
	}
	return out, nil
}

func (r renderer) exprs(list []Expr) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, err := r.expr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r renderer) expr(e Expr) (string, error) {
	switch v := e.(type) {
	case ColumnRef:
		if err := ValidateIdentifier(v.Name); err != nil {
			return "", err
		}
		if v.Table == "" {
			return r.d.QuoteIdent(v.Name), nil
		}
		if !aliasPattern.MatchString(v.Table) {
			return "", fmt.Errorf("%w: alias %q", ErrInvalidIdentifier, v.Table)
		}
		return v.Table + "." + r.d.QuoteIdent(v.Name), nil
	case Literal:
		return r.literal(v.Value)
	case Concat:
		parts, err := r.exprs(v.Parts)
		if err != nil {
			return "", err
		}
		return r.d.Concat(parts), nil
	case CastString:
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		return r.d.CastString(x), nil
	case ToDate:
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		return r.d.ToDate(x), nil
	case AddDays:
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		return r.d.AddDays(x, v.Days), nil
	case Coalesce:
		args, err := r.exprs(v.Args)
		if err != nil {
			return "", err
		}
		return "COALESCE(" + strings.Join(args, ", ") + ")", nil
	case Compare:
		l, err := r.expr(v.L)
		if err != nil {
			return "", err
		}
		rr, err := r.expr(v.R)
		if err != nil {
			return "", err
		}
		return "(" + l + " " + string(v.Op) + " " + rr + ")", nil
	case And:
		return r.junction(v.Terms, " AND ")
	case Or:
		return r.junction(v.Terms, " OR ")
	case Not:
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		return "NOT (" + x + ")", nil
	case IsNull:
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		if v.Negate {
			return x + " IS NOT NULL", nil
		}
		return x + " IS NULL", nil
	case Aggregate:
		if v.X == nil {
			if v.Func != AggCount {
				return "", fmt.Errorf("%w: %s without argument", ErrUnsupported, v.Func)
			}
			return "COUNT(*)", nil
		}
		x, err := r.expr(v.X)
		if err != nil {
			return "", err
		}
		return string(v.Func) + "(" + x + ")", nil
	case GenerateID:
		return r.d.GenerateID(), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, e)
	}
}

func (r renderer) junction(terms []Expr, op string) (string, error) {
	if len(terms) == 0 {
		return "", fmt.Errorf("%w: empty boolean junction", ErrUnsupported)
	}
	parts, err := r.exprs(terms)
	if err != nil {
		return "", err
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

func (r renderer) literal(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return r.d.StringLiteral(val), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		if IsMidnight(val) {
			return "DATE '" + val.Format(DateLayout) + "'", nil
		}
		return r.d.DateTimeLiteral(val), nil
	default:
		return "", fmt.Errorf("%w: literal of type %T", ErrUnsupported, v)
	}
}

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05"
)

// IsMidnight reports whether t carries no time-of-day component.
func IsMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}
