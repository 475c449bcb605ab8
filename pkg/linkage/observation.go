package linkage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

const (
	candidateStart = "candidate_start"
	candidateEnd   = "candidate_end"
)

// openEndDate stands in for a missing death date.
var openEndDate = query.DateLit(9999, time.January, 1)

// eventEnd is a member's per-row end date, falling back to the start date.
func eventEnd(alias string, hasEnd bool) query.Expr {
	start := query.Col(alias, EventStartDate)
	if !hasEnd {
		return query.ToDate{X: start}
	}
	return query.ToDate{X: query.Coalesce{Args: []query.Expr{query.Col(alias, EventEndDate), start}}}
}

// BuildObservationPeriod computes one window per person: the latest of the
// candidate starts and the earliest of the candidate ends, where the
// candidates are the person's event span and their birth to death plus
// DeathGraceDays.
func (d *Dataset) BuildObservationPeriod(ctx context.Context) (StepResult, error) {
	dest := d.table(ObservationPeriodTable)
	person := d.table(PersonTable)
	personCols, err := d.gw.GetSchema(ctx, person)
	if err != nil {
		return StepResult{}, d.stageError(StageObservationPeriod, person, err)
	}
	if !warehouse.HasColumn(personCols, BirthColumn) {
		return StepResult{}, d.stageError(StageObservationPeriod, person, fmt.Errorf("person table has no %s column", BirthColumn))
	}

	events := &query.Union{All: true}
	for _, m := range d.members {
		cols, err := m.Columns(ctx)
		if err != nil {
			return StepResult{}, d.stageError(StageObservationPeriod, m.Ref(), err)
		}
		events.Queries = append(events.Queries, &query.Select{
			Items: []query.Item{
				query.As(query.Col("t", PersonIDColumn), PersonIDColumn),
				query.As(query.ToDate{X: query.Col("t", EventStartDate)}, candidateStart),
				query.As(eventEnd("t", warehouse.HasColumn(cols, EventEndDate)), candidateEnd),
			},
			From: query.From(m.Ref(), "t"),
			Joins: []query.Join{{
				Kind:   query.InnerJoin,
				Source: query.From(person, "p"),
				On:     query.Cmp(query.Eq, query.Col("t", PersonIDColumn), query.Col("p", PersonIDColumn)),
			}},
		})
	}
	eventSpan := query.MinMaxGroup(query.FromQuery(events, "e"), PersonIDColumn,
		query.As(query.Min(query.Col("e", candidateStart)), candidateStart),
		query.As(query.Max(query.Col("e", candidateEnd)), candidateEnd),
	)

	var death query.Expr = openEndDate
	if warehouse.HasColumn(personCols, DeathColumn) {
		death = query.Coalesce{Args: []query.Expr{query.ToDate{X: query.Col("p", DeathColumn)}, openEndDate}}
	}
	lifespan := &query.Select{
		Items: []query.Item{
			query.As(query.Col("p", PersonIDColumn), PersonIDColumn),
			query.As(query.ToDate{X: query.Col("p", BirthColumn)}, candidateStart),
			query.As(query.AddDays{X: death, Days: DeathGraceDays}, candidateEnd),
		},
		From: query.From(person, "p"),
	}

	candidates := &query.Union{All: true, Queries: []query.Query{eventSpan, lifespan}}
	q := query.MinMaxGroup(query.FromQuery(candidates, "c"), PersonIDColumn,
		query.As(query.Max(query.Col("c", candidateStart)), ObservationStart),
		query.As(query.Min(query.Col("c", candidateEnd)), ObservationEnd),
	)
	n, err := d.gw.Materialize(ctx, q, dest)
	if err != nil {
		return StepResult{}, d.stageError(StageObservationPeriod, dest, err)
	}

	inverted, err := d.countWhere(ctx, dest, query.Cmp(query.Gt, query.Col("t", ObservationStart), query.Col("t", ObservationEnd)))
	if err != nil {
		return StepResult{}, d.stageError(StageObservationPeriod, dest, err)
	}
	log := d.logger(StageObservationPeriod)
	res := StepResult{Stage: StageObservationPeriod, Table: dest.String(), Rows: n, Inverted: inverted}
	if inverted > 0 {
		w := Warning{
			Kind:    WarnInvertedWindow,
			Table:   dest.String(),
			Message: fmt.Sprintf("%d persons have an observation period that starts after it ends; their rows fall outside", inverted),
		}
		res.Warnings = append(res.Warnings, w)
		log.WithField("kind", w.Kind).Warn(w.Message)
	}
	log.WithFields(logrus.Fields{"rows": n, "inverted": inverted}).Info("built observation period table")
	return res, nil
}

// outsideWindow is true for a row starting before its person's window, or
// starting or ending after it.
func outsideWindow(hasEnd bool) query.Expr {
	start := query.ToDate{X: query.Col("t", EventStartDate)}
	return query.AnyOf(
		query.Cmp(query.Lt, start, query.Col("w", ObservationStart)),
		query.Cmp(query.Gt, start, query.Col("w", ObservationEnd)),
		query.Cmp(query.Gt, eventEnd("t", hasEnd), query.Col("w", ObservationEnd)),
	)
}

// PartitionOutsideObservation moves every member row outside its person's
// observation period to <member>_outside_obs, appending to rows moved by
// earlier builds, and replaces the member with the remaining rows. Rows
// without an observation period stay in the member.
func (d *Dataset) PartitionOutsideObservation(ctx context.Context) ([]PartitionResult, []Warning, error) {
	window := d.table(ObservationPeriodTable)
	log := d.logger(StagePartition)
	var (
		results  []PartitionResult
		warnings []Warning
	)
	for _, m := range d.members {
		ref := m.Ref()
		outsideRef := ref.Sibling(ref.Name + OutsideObservationSuffix)
		cols, err := m.Columns(ctx)
		if err != nil {
			return results, warnings, d.stageError(StagePartition, ref, err)
		}
		hasEnd := warehouse.HasColumn(cols, EventEndDate)
		res := PartitionResult{Table: ref.String(), OutsideTable: outsideRef.String()}

		if res.Before, err = d.gw.RowCount(ctx, ref); err != nil {
			return results, warnings, d.stageError(StagePartition, ref, err)
		}
		if hasEnd {
			res.InvertedRows, err = d.countWhere(ctx, ref, query.Cmp(query.Gt,
				query.ToDate{X: query.Col("t", EventStartDate)},
				query.ToDate{X: query.Col("t", EventEndDate)},
			))
			if err != nil {
				return results, warnings, d.stageError(StagePartition, ref, err)
			}
			if res.InvertedRows > 0 {
				w := Warning{
					Kind:    WarnInvertedEventRange,
					Table:   ref.String(),
					Message: fmt.Sprintf("%d rows have event_start_date after event_end_date", res.InvertedRows),
				}
				warnings = append(warnings, w)
				log.WithFields(logrus.Fields{"table": ref.String(), "kind": w.Kind}).Warn(w.Message)
			}
		}

		pred := outsideWindow(hasEnd)
		var moved query.Query = query.PartitionFilter(ref, window, PersonIDColumn, pred, true)
		exists, err := d.gw.TableExists(ctx, outsideRef)
		if err != nil {
			return results, warnings, d.stageError(StagePartition, outsideRef, err)
		}
		if exists {
			moved = &query.Union{All: true, Queries: []query.Query{query.Copy(outsideRef), moved}}
		}
		if _, err := d.gw.Materialize(ctx, moved, outsideRef); err != nil {
			return results, warnings, d.stageError(StagePartition, outsideRef, err)
		}
		if res.Kept, err = d.gw.Materialize(ctx, query.PartitionFilter(ref, window, PersonIDColumn, pred, false), ref); err != nil {
			return results, warnings, d.stageError(StagePartition, ref, err)
		}
		res.Outside = res.Before - res.Kept
		results = append(results, res)
		log.WithFields(logrus.Fields{
			"table":   ref.String(),
			"before":  res.Before,
			"kept":    res.Kept,
			"outside": res.Outside,
		}).Info("partitioned rows outside observation period")
	}
	return results, warnings, nil
}
