package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

// resolvePersonID attaches person_id by looking the table's identifier up in
// the demographics registry. Unmatched rows are kept with a null person_id.
func (t *Table) resolvePersonID(ctx context.Context, cols []query.Column, report *Report) error {
	log := t.log.WithFields(logrus.Fields{"table": t.ref.String(), "stage": StagePersonID})
	ids := IdentifierColumns(cols)

	if contains(ids, PersonIDColumn) {
		report.skip(StagePersonID)
		if len(ids) > 1 {
			report.warn(log, Warning{
				Kind:    WarnExtraIdentifiers,
				Table:   t.ref.String(),
				Message: fmt.Sprintf("person_id present; %s ignored unless person_id is dropped and the build re-run", strings.Join(ids[1:], ", ")),
			})
		}
		return nil
	}

	key, ambiguous := chooseLookupIdentifier(ids)
	if key == "" {
		report.Halted = ErrMissingIdentifier
		return t.stageError(StagePersonID, ErrMissingIdentifier)
	}
	if ambiguous {
		report.warn(log, Warning{
			Kind:    WarnAmbiguousIdentifier,
			Table:   t.ref.String(),
			Message: "both digest and EDRN present; linking on digest",
		})
	}

	lookup := query.LeftJoinLookup(t.ref, t.registries.Demographics, key, PersonIDColumn)
	n, err := t.gw.Materialize(ctx, lookup, t.ref)
	if err != nil {
		return t.stageError(StagePersonID, err)
	}
	report.LinkedBy = key

	unlinked, err := t.countNull(ctx, PersonIDColumn)
	if err != nil {
		return t.stageError(StagePersonID, err)
	}
	report.UnlinkedRows = unlinked
	if unlinked > 0 {
		report.warn(log, Warning{
			Kind:    WarnMissingPersonIDs,
			Table:   t.ref.String(),
			Message: fmt.Sprintf("%d of %d rows have no %s match in %s", unlinked, n, key, t.registries.Demographics),
		})
	}
	log.WithFields(logrus.Fields{"identifier": key, "rows": n, "unlinked": unlinked}).Info("resolved person_id")
	return nil
}

func (t *Table) countNull(ctx context.Context, column string) (int64, error) {
	rs, err := t.gw.Query(ctx, &query.Select{
		Items: []query.Item{query.As(query.CountAll(), "n")},
		From:  query.From(t.ref, "t"),
		Where: query.Null(query.Col("t", column)),
	})
	if err != nil {
		return 0, err
	}
	return scalarInt(rs)
}

// scalarInt reads the single value of a one-row, one-column result.
func scalarInt(rs *warehouse.RowSet) (int64, error) {
	if rs == nil || len(rs.Rows) != 1 || len(rs.Rows[0]) != 1 {
		return 0, fmt.Errorf("expected a single scalar row")
	}
	switch v := rs.Rows[0][0].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected scalar type %T", v)
	}
}
