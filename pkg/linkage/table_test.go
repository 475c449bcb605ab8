package linkage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/dates"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"github.com/synaptica-ai/fdm/pkg/warehouse/memory"
)

const targetNamespace = "fdm"

var (
	demographics = query.TableRef{Namespace: "registry", Name: "demographics"}
	masterPerson = query.TableRef{Namespace: "registry", Name: "master_person"}
	registries   = Registries{Demographics: demographics, MasterPerson: masterPerson}
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func str(names ...string) []query.Column {
	cols := make([]query.Column, len(names))
	for i, n := range names {
		cols[i] = query.Column{Name: n, Type: query.TypeString}
	}
	return cols
}

func source(name string) query.TableRef { return query.TableRef{Namespace: "src", Name: name} }

func target(name string) query.TableRef {
	return query.TableRef{Namespace: targetNamespace, Name: name}
}

type fixture struct {
	wh   *memory.Warehouse
	hook *test.Hook
	log  *logrus.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wh := memory.New()
	wh.Seed(demographics, str("person_id", "digest", "EDRN"),
		[]any{"p1", "d1", "e1"},
		[]any{"p2", "d2", "e2"},
		[]any{"q1", "dq", "eq"},
	)
	wh.Seed(masterPerson,
		[]query.Column{
			{Name: "person_id", Type: query.TypeString},
			{Name: "gender", Type: query.TypeString},
			{Name: BirthColumn, Type: query.TypeDateTime},
			{Name: DeathColumn, Type: query.TypeDateTime},
		},
		[]any{"p1", "F", day(1960, 5, 5), nil},
		[]any{"p2", "M", day(1970, 7, 7), nil},
		[]any{"q1", "F", day(1950, 1, 1), day(2000, 1, 1)},
		[]any{"p", "M", day(1990, 1, 1), nil},
	)
	require.NoError(t, wh.CreateNamespace(context.Background(), "", targetNamespace))
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return &fixture{wh: wh, hook: hook, log: logrus.NewEntry(l)}
}

func (f *fixture) table(name string) *Table {
	return NewTable(f.wh, source(name), target(name), registries, WithLogger(f.log), WithReferenceYear(2021))
}

func (f *fixture) rows(t *testing.T, ref query.TableRef) []map[string]any {
	t.Helper()
	rs, err := f.wh.Query(context.Background(), query.Copy(ref))
	require.NoError(t, err)
	return rs.Maps()
}

func (f *fixture) columns(t *testing.T, ref query.TableRef) []string {
	t.Helper()
	cols, err := f.wh.GetSchema(context.Background(), ref)
	require.NoError(t, err)
	return warehouse.ColumnNames(cols)
}

func warningKinds(ws []Warning) []WarningKind {
	var kinds []WarningKind
	for _, w := range ws {
		kinds = append(kinds, w.Kind)
	}
	return kinds
}

func ymd() *DateSpec {
	return ThreeParts(ColumnPart("year"), ColumnPart("month"), ColumnPart("day"), dates.YMD)
}

func TestBuildLinksByEDRNAndParsesThreePartDates(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("visits"), str("edrn", "year", "month", "day"),
		[]any{"e1", "1980", "01", "15"},
		[]any{"e9", "1981", "02", "03"},
	)
	tbl := f.table("visits")

	report, err := tbl.Build(context.Background(), BuildOptions{StartDate: ymd()})
	require.NoError(t, err)
	require.NoError(t, report.Halted)
	assert.True(t, report.Complete())
	assert.Equal(t, EDRNColumn, report.LinkedBy)
	assert.EqualValues(t, 1, report.UnlinkedRows)
	assert.EqualValues(t, 2, report.Rows)
	assert.Contains(t, warningKinds(report.Warnings), WarnNoEndDate)
	assert.Contains(t, warningKinds(report.Warnings), WarnMissingPersonIDs)

	assert.Equal(t, []string{"person_id", "EDRN", "year", "month", "day", "event_start_date"}, f.columns(t, tbl.Ref()))
	rows := f.rows(t, tbl.Ref())
	require.Len(t, rows, 2)
	for _, row := range rows {
		switch row["EDRN"] {
		case "e1":
			assert.Equal(t, "p1", row["person_id"])
			assert.Equal(t, day(1980, 1, 15), row["event_start_date"])
		case "e9":
			assert.Nil(t, row["person_id"])
			assert.Equal(t, day(1981, 2, 3), row["event_start_date"])
		default:
			t.Fatalf("unexpected row %v", row)
		}
	}

	state, err := tbl.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Complete, state)
	complete, err := tbl.IsBuildComplete(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestRebuildIsNoop(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("visits"), str("EDRN", "year", "month", "day"),
		[]any{"e1", "1980", "01", "15"},
		[]any{"e2", "1990", "12", "31"},
	)
	tbl := f.table("visits")
	ctx := context.Background()

	_, err := tbl.Build(ctx, BuildOptions{StartDate: ymd()})
	require.NoError(t, err)
	before := f.rows(t, tbl.Ref())
	cols := f.columns(t, tbl.Ref())

	report, err := tbl.Build(ctx, BuildOptions{StartDate: ymd()})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, []Stage{StageCopy, StageIdentifiers, StagePersonID, StageStartDate, StageEndDate}, report.Skipped)
	assert.Equal(t, cols, f.columns(t, tbl.Ref()))
	assert.Equal(t, before, f.rows(t, tbl.Ref()))
}

func TestSingleAndThreePartDatesAgree(t *testing.T) {
	for _, order := range []dates.Order{dates.YMD, dates.DMY, dates.MDY} {
		t.Run(string(order), func(t *testing.T) {
			f := newFixture(t)
			var single string
			switch order {
			case dates.YMD:
				single = "1980/01/15"
			case dates.DMY:
				single = "15/01/1980"
			case dates.MDY:
				single = "01/15/1980"
			}
			f.wh.Seed(source("single"), str("EDRN", "when"), []any{"e1", single})
			f.wh.Seed(source("split"),
				[]query.Column{
					{Name: "EDRN", Type: query.TypeString},
					{Name: "year", Type: query.TypeInt},
					{Name: "month", Type: query.TypeString},
					{Name: "day", Type: query.TypeInt},
				},
				[]any{"e1", 1980, "01", 15},
			)
			ctx := context.Background()

			_, err := f.table("single").Build(ctx, BuildOptions{StartDate: SingleColumn("when", order)})
			require.NoError(t, err)
			_, err = f.table("split").Build(ctx, BuildOptions{
				StartDate: ThreeParts(ColumnPart("year"), ColumnPart("month"), ColumnPart("day"), order),
			})
			require.NoError(t, err)

			a := f.rows(t, target("single"))
			b := f.rows(t, target("split"))
			require.Len(t, a, 1)
			require.Len(t, b, 1)
			assert.Equal(t, day(1980, 1, 15), a[0][EventStartDate])
			assert.Equal(t, a[0][EventStartDate], b[0][EventStartDate])
		})
	}
}

func TestLiteralDatePart(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("yearly"), str("EDRN", "yr"), []any{"e1", "1980"})

	spec := ThreeParts(ColumnPart("yr"), ParseDatePart("'Jan'"), LiteralPart("15"), dates.YMD)
	_, err := f.table("yearly").Build(context.Background(), BuildOptions{StartDate: spec})
	require.NoError(t, err)

	rows := f.rows(t, target("yearly"))
	require.Len(t, rows, 1)
	assert.Equal(t, day(1980, 1, 15), rows[0][EventStartDate])
}

func TestDigestPreferredOverEDRN(t *testing.T) {
	f := newFixture(t)
	// d2 and e1 belong to different people; digest must win.
	f.wh.Seed(source("labs"), str("Digest", "edrn", "taken"), []any{"d2", "e1", "2001-03-04"})
	tbl := f.table("labs")

	report, err := tbl.Build(context.Background(), BuildOptions{StartDate: SingleColumn("taken", dates.YMD)})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, DigestColumn, report.LinkedBy)
	assert.Contains(t, warningKinds(report.Warnings), WarnAmbiguousIdentifier)

	rows := f.rows(t, tbl.Ref())
	require.Len(t, rows, 1)
	assert.Equal(t, "p2", rows[0][PersonIDColumn])

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["kind"] == WarnAmbiguousIdentifier {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestExistingPersonIDSkipsLookup(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("claims"), str("PERSON_ID", "EDRN", "claim_date"), []any{"p9", "e1", "2010-10-10"})
	tbl := f.table("claims")

	report, err := tbl.Build(context.Background(), BuildOptions{StartDate: SingleColumn("claim_date", dates.YMD)})
	require.NoError(t, err)
	assert.Contains(t, report.Skipped, StagePersonID)
	assert.Empty(t, report.LinkedBy)
	assert.Contains(t, warningKinds(report.Warnings), WarnExtraIdentifiers)

	rows := f.rows(t, tbl.Ref())
	require.Len(t, rows, 1)
	assert.Equal(t, "p9", rows[0][PersonIDColumn])
}

func TestMissingIdentifierIsFatal(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("anon"), str("mrn", "seen"), []any{"x", "2000-01-01"})

	report, err := f.table("anon").Build(context.Background(), BuildOptions{StartDate: SingleColumn("seen", dates.YMD)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingIdentifier)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageIdentifiers, stageErr.Stage)
	assert.Equal(t, Copied, report.State)
}

func TestBuildHaltsWithoutStartDateAndResumes(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("visits"), str("EDRN", "year", "month", "day"), []any{"e1", "1980", "01", "15"})
	tbl := f.table("visits")
	ctx := context.Background()

	report, err := tbl.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, report.Halted, ErrStartDateRequired)
	assert.Equal(t, PersonIDPresent, report.State)
	assert.False(t, report.Complete())

	state, err := tbl.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, PersonIDPresent, state)

	report, err = tbl.Build(ctx, BuildOptions{StartDate: ymd()})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, []Stage{StageCopy, StageIdentifiers, StagePersonID, StageEndDate}, report.Skipped)
}

func TestStartAndEndDatesShareCorrelation(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("stays"), str("EDRN", "admitted", "discharged"),
		[]any{"e1", "2001-02-03", "2001-02-10"},
		[]any{"e2", "2002-05-06", "garbage"},
	)
	tbl := f.table("stays")

	report, err := tbl.Build(context.Background(), BuildOptions{
		StartDate: SingleColumn("admitted", dates.YMD),
		EndDate:   SingleColumn("discharged", dates.YMD),
	})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.EqualValues(t, 1, report.UnparsedDates)
	assert.Contains(t, warningKinds(report.Warnings), WarnUnparsedDates)
	assert.NotContains(t, warningKinds(report.Warnings), WarnNoEndDate)

	cols := f.columns(t, tbl.Ref())
	assert.NotContains(t, cols, CorrelationColumn)
	assert.Contains(t, cols, EventStartDate)
	assert.Contains(t, cols, EventEndDate)

	exists, err := f.wh.TableExists(context.Background(), target("stays"+scratchSuffix))
	require.NoError(t, err)
	assert.False(t, exists)

	for _, row := range f.rows(t, tbl.Ref()) {
		switch row["EDRN"] {
		case "e1":
			assert.Equal(t, day(2001, 2, 3), row[EventStartDate])
			assert.Equal(t, day(2001, 2, 10), row[EventEndDate])
		case "e2":
			assert.Equal(t, day(2002, 5, 6), row[EventStartDate])
			assert.Nil(t, row[EventEndDate])
		}
	}
}

func TestShortDatesWarnAboutTwoDigitYears(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("old"), str("EDRN", "d"), []any{"e1", "80-01-15"}, []any{"e2", nil})

	report, err := f.table("old").Build(context.Background(), BuildOptions{StartDate: SingleColumn("d", dates.YMD)})
	require.NoError(t, err)
	assert.Contains(t, warningKinds(report.Warnings), WarnTwoDigitYear)
	assert.Zero(t, report.UnparsedDates)

	for _, row := range f.rows(t, target("old")) {
		if row["EDRN"] == "e1" {
			assert.Equal(t, day(1980, 1, 15), row[EventStartDate])
		}
	}
}

func TestCopyFailureCarriesStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.table("absent").Build(context.Background(), BuildOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageCopy, stageErr.Stage)
	assert.Equal(t, "fdm.absent", stageErr.Table)
}

func TestHeadAndColumnHelpers(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("visits"), str("EDRN", "year", "month", "day"),
		[]any{"e1", "1980", "01", "15"},
		[]any{"e2", "1981", "01", "15"},
		[]any{"eq", "1982", "01", "15"},
	)
	tbl := f.table("visits")
	ctx := context.Background()
	_, err := tbl.Build(ctx, BuildOptions{StartDate: ymd()})
	require.NoError(t, err)

	head, err := tbl.Head(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, head.Rows, 2)

	require.NoError(t, tbl.RenameColumns(ctx, map[string]string{"year": "source_year"}))
	require.NoError(t, tbl.DropColumn(ctx, "month"))
	assert.Equal(t, []string{"person_id", "EDRN", "source_year", "day", "event_start_date"}, f.columns(t, tbl.Ref()))

	n, err := tbl.RowCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

type recordingStore struct {
	saved []TableState
}

func (s *recordingStore) SaveState(_ context.Context, _ query.TableRef, state TableState) error {
	s.saved = append(s.saved, state)
	return nil
}

func (s *recordingStore) LoadState(context.Context, query.TableRef) (TableState, bool, error) {
	if len(s.saved) == 0 {
		return Uncopied, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}

func TestBuildRecordsEveryState(t *testing.T) {
	f := newFixture(t)
	f.wh.Seed(source("visits"), str("EDRN", "year", "month", "day"), []any{"e1", "1980", "01", "15"})
	store := &recordingStore{}
	tbl := NewTable(f.wh, source("visits"), target("visits"), registries, WithLogger(f.log), WithStateStore(store))

	_, err := tbl.Build(context.Background(), BuildOptions{StartDate: ymd()})
	require.NoError(t, err)
	assert.Equal(t, []TableState{Copied, IdentifiersNormalized, PersonIDPresent, StartDatePresent, Complete}, store.saved)
}
