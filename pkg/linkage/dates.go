package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/dates"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

const (
	EventStartDate    = "event_start_date"
	EventEndDate      = "event_end_date"
	CorrelationColumn = "fdm_correlation_id"

	scratchSuffix = "_fdm_dates"
	rawDateColumn = "raw_date"
	dateSeparator = "-"
)

// DatePart is a column reference or a literal constant standing in for a
// component the source never varies.
type DatePart struct {
	Column    string
	Literal   string
	IsLiteral bool
}

func ColumnPart(name string) DatePart { return DatePart{Column: name} }

func LiteralPart(value string) DatePart { return DatePart{Literal: value, IsLiteral: true} }

// ParseDatePart reads a configured part; a value wrapped in single quotes is
// a literal.
func ParseDatePart(s string) DatePart {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return LiteralPart(s[1 : len(s)-1])
	}
	return ColumnPart(s)
}

func (p DatePart) String() string {
	if p.IsLiteral {
		return "'" + p.Literal + "'"
	}
	return p.Column
}

// DateSpec locates a date either in one column or in year, month and day
// parts given in that order.
type DateSpec struct {
	Parts []DatePart
	Order dates.Order
}

func SingleColumn(column string, order dates.Order) *DateSpec {
	return &DateSpec{Parts: []DatePart{ColumnPart(column)}, Order: order}
}

func ThreeParts(year, month, day DatePart, order dates.Order) *DateSpec {
	return &DateSpec{Parts: []DatePart{year, month, day}, Order: order}
}

func (s DateSpec) Validate() error {
	switch len(s.Parts) {
	case 1:
		if s.Parts[0].IsLiteral || s.Parts[0].Column == "" {
			return fmt.Errorf("%w: a single part must name a column", ErrInvalidDateSpec)
		}
	case 3:
		for _, p := range s.Parts {
			if !p.IsLiteral && p.Column == "" {
				return fmt.Errorf("%w: empty column name", ErrInvalidDateSpec)
			}
		}
	default:
		return fmt.Errorf("%w: expected 1 or 3 parts, got %d", ErrInvalidDateSpec, len(s.Parts))
	}
	if _, err := dates.ParseOrder(string(s.Order)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDateSpec, err)
	}
	return nil
}

// rawExpr builds the per-row date string. Three parts are joined in the
// layout Order describes so one parser policy fits both forms.
func (s DateSpec) rawExpr(cols []query.Column, alias string) (query.Expr, error) {
	exprs := make([]query.Expr, len(s.Parts))
	for i, p := range s.Parts {
		if p.IsLiteral {
			exprs[i] = query.Lit(p.Literal)
			continue
		}
		col, ok := warehouse.FindColumn(cols, p.Column)
		if !ok {
			return nil, fmt.Errorf("%w: column %q not found", ErrInvalidDateSpec, p.Column)
		}
		var e query.Expr = query.Col(alias, col.Name)
		if col.Type != query.TypeString {
			e = query.CastString{X: e}
		}
		exprs[i] = e
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	order, _ := dates.ParseOrder(string(s.Order))
	byComponent := map[dates.Component]query.Expr{
		dates.Year:  exprs[0],
		dates.Month: exprs[1],
		dates.Day:   exprs[2],
	}
	comps := order.Components()
	return query.Concat{Parts: []query.Expr{
		byComponent[comps[0]], query.Lit(dateSeparator),
		byComponent[comps[1]], query.Lit(dateSeparator),
		byComponent[comps[2]],
	}}, nil
}

// normalizeDate parses the raw dates client-side and joins them back onto
// the table by correlation id. The correlation column is kept when another
// normalization follows.
func (t *Table) normalizeDate(ctx context.Context, stage Stage, target string, spec DateSpec, keepCorrelation bool, report *Report) error {
	log := t.log.WithFields(logrus.Fields{"table": t.ref.String(), "stage": stage})
	if err := spec.Validate(); err != nil {
		return t.stageError(stage, err)
	}
	cols, err := t.gw.GetSchema(ctx, t.ref)
	if err != nil {
		return t.stageError(stage, err)
	}
	raw, err := spec.rawExpr(cols, "t")
	if err != nil {
		return t.stageError(stage, err)
	}

	if !warehouse.HasColumn(cols, CorrelationColumn) {
		withID := &query.Select{
			Items: []query.Item{query.AllOf("t"), query.As(query.GenerateID{}, CorrelationColumn)},
			From:  query.From(t.ref, "t"),
		}
		if _, err := t.gw.Materialize(ctx, withID, t.ref); err != nil {
			return t.stageError(stage, err)
		}
	}

	rs, err := t.gw.Query(ctx, &query.Select{
		Items: []query.Item{
			query.As(query.Col("t", CorrelationColumn), CorrelationColumn),
			query.As(raw, rawDateColumn),
		},
		From: query.From(t.ref, "t"),
	})
	if err != nil {
		return t.stageError(stage, err)
	}

	var present []string
	for _, row := range rs.Rows {
		if s, ok := row[1].(string); ok {
			present = append(present, s)
		}
	}
	if dates.AmbiguousYears(present) {
		report.warn(log, Warning{
			Kind:    WarnTwoDigitYear,
			Table:   t.ref.String(),
			Message: fmt.Sprintf("every %s value is 8 characters or shorter; two-digit years resolve within 50 years of %d", target, t.referenceYear),
		})
	}

	parser := dates.NewParser(spec.Order, dates.WithReferenceYear(t.referenceYear))
	cache := make(map[string]any)
	parsed := make([][]any, 0, len(rs.Rows))
	var unparsed int64
	for _, row := range rs.Rows {
		var value any
		if s, ok := row[1].(string); ok {
			v, seen := cache[s]
			if !seen {
				if d, err := parser.Parse(s); err == nil {
					v = d
				}
				cache[s] = v
			}
			if v == nil {
				unparsed++
			}
			value = v
		}
		parsed = append(parsed, []any{row[0], value})
	}
	if unparsed > 0 {
		report.UnparsedDates += unparsed
		report.warn(log, Warning{
			Kind:    WarnUnparsedDates,
			Table:   t.ref.String(),
			Message: fmt.Sprintf("%d %s values could not be parsed and were left null", unparsed, target),
		})
	}

	scratch := t.ref.Sibling(t.ref.Name + scratchSuffix)
	scratchCols := []query.Column{
		{Name: CorrelationColumn, Type: query.TypeString},
		{Name: target, Type: query.TypeDate},
	}
	if err := t.gw.LoadRows(ctx, scratch, scratchCols, parsed); err != nil {
		return t.stageError(stage, err)
	}

	joined := &query.Select{
		Items: []query.Item{query.AllOf("t"), query.As(query.Col("d", target), target)},
		From:  query.From(t.ref, "t"),
		Joins: []query.Join{{
			Kind:   query.LeftJoin,
			Source: query.From(scratch, "d"),
			On:     query.Cmp(query.Eq, query.Col("t", CorrelationColumn), query.Col("d", CorrelationColumn)),
		}},
	}
	_, joinErr := t.gw.Materialize(ctx, joined, t.ref)
	deleteErr := t.gw.DeleteTable(ctx, scratch)
	if joinErr != nil {
		return t.stageError(stage, joinErr)
	}
	if deleteErr != nil {
		return t.stageError(stage, deleteErr)
	}

	if !keepCorrelation {
		if err := t.gw.DropColumn(ctx, t.ref, CorrelationColumn); err != nil {
			return t.stageError(stage, err)
		}
	}
	log.WithFields(logrus.Fields{"rows": len(parsed), "unparsed": unparsed}).Info("normalized date column")
	return nil
}
