package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/common/models"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/manifest"
	"github.com/synaptica-ai/fdm/pkg/observability/metrics"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"github.com/synaptica-ai/fdm/pkg/warehouse/memory"
)

const manifestDoc = `
namespace: fdm
registries:
  demographics: registry.demographics
  master_person: registry.master_person
tables:
  - alias: visits
    source: src.visits
    event_start_date:
      columns: [seen]
      order: ymd
  - alias: labs
    source: src.labs
    event_start_date:
      columns: [year, month, day]
      order: YMD
`

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

type published struct {
	eventType string
	source    string
	data      map[string]interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) PublishEvent(_ context.Context, eventType, source string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{eventType, source, data})
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakeRunLog struct {
	mu       sync.Mutex
	started  int
	tables   []*runlog.TableRun
	status   string
	stats    map[string]interface{}
	finalErr error
}

func (l *fakeRunLog) Start(_ context.Context, project, namespace, requestedBy string) (*runlog.BuildRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return &runlog.BuildRun{ID: "run-1", Namespace: namespace, RequestedBy: requestedBy, Status: runlog.StatusRunning}, nil
}

func (l *fakeRunLog) RecordTable(_ context.Context, table *runlog.TableRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tables = append(l.tables, table)
	return nil
}

func (l *fakeRunLog) Finish(_ context.Context, _ string, status string, _ any, stats map[string]interface{}, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status, l.stats, l.finalErr = status, stats, runErr
	return nil
}

type fixture struct {
	wh        *memory.Warehouse
	manifest  *manifest.Manifest
	publisher *fakePublisher
	runs      *fakeRunLog
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := manifest.Parse([]byte(manifestDoc))
	require.NoError(t, err)

	wh := memory.New()
	wh.Seed(query.TableRef{Namespace: "registry", Name: "demographics"}, str("person_id", "digest", "EDRN"),
		[]any{"p1", "d1", "e1"},
		[]any{"p2", "d2", "e2"},
	)
	wh.Seed(query.TableRef{Namespace: "registry", Name: "master_person"},
		[]query.Column{
			{Name: "person_id", Type: query.TypeString},
			{Name: linkage.BirthColumn, Type: query.TypeDateTime},
			{Name: linkage.DeathColumn, Type: query.TypeDateTime},
		},
		[]any{"p1", day(1960, 5, 5), nil},
		[]any{"p2", day(1970, 7, 7), nil},
	)
	wh.Seed(query.TableRef{Namespace: "src", Name: "visits"}, str("digest", "seen"),
		[]any{"d1", "1950-02-01"},
		[]any{"d1", "2001-03-04"},
		[]any{"d2", "2005-06-07"},
	)
	wh.Seed(query.TableRef{Namespace: "src", Name: "labs"}, str("digest", "year", "month", "day"),
		[]any{"d2", "2010", "01", "02"},
	)

	l, _ := test.NewNullLogger()
	return &fixture{
		wh:        wh,
		manifest:  m,
		publisher: &fakePublisher{},
		runs:      &fakeRunLog{},
		metrics:   metrics.NewWithRegistry(prometheus.NewRegistry()),
		log:       logrus.NewEntry(l),
	}
}

func (f *fixture) runner(opts ...Option) *Runner {
	base := []Option{
		WithLogger(f.log),
		WithPublisher(f.publisher),
		WithRunLog(f.runs),
		WithMetrics(f.metrics),
		WithReferenceYear(2021),
	}
	return NewRunner(f.wh, f.manifest, append(base, opts...)...)
}

func TestRunBuildsTablesAndDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.runner().Run(ctx, Request{RequestedBy: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, runlog.StatusCompleted, res.Status)

	require.Len(t, res.Tables, 2)
	assert.Equal(t, "fdm.visits", res.Tables[0].Table)
	assert.Equal(t, "fdm.labs", res.Tables[1].Table)
	for _, rep := range res.Tables {
		assert.True(t, rep.Complete(), rep.Table)
	}

	require.NotNil(t, res.Dataset)
	require.Len(t, res.Dataset.Partitions, 2)
	outside := map[string]int64{}
	for _, p := range res.Dataset.Partitions {
		outside[p.Table] = p.Outside
		assert.Equal(t, p.Before, p.Kept+p.Outside)
	}
	assert.Equal(t, map[string]int64{"fdm.visits": 1, "fdm.labs": 0}, outside)

	n, err := f.wh.RowCount(ctx, query.TableRef{Namespace: "fdm", Name: "visits_outside_obs"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.Equal(t, 1, f.runs.started)
	assert.Len(t, f.runs.tables, 2)
	assert.Equal(t, runlog.StatusCompleted, f.runs.status)
	assert.NoError(t, f.runs.finalErr)
	assert.Equal(t, 2, f.runs.stats["tables"])

	assert.ElementsMatch(t,
		[]string{models.EventTableBuilt, models.EventTableBuilt, models.EventDatasetBuilt},
		f.publisher.types())
	for _, e := range f.publisher.events {
		assert.Equal(t, "fdm", e.source)
		assert.Equal(t, "run-1", e.data["run_id"])
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RowsOutside.WithLabelValues("fdm.visits")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.StageOutcome.WithLabelValues("table", "complete")))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.RunDuration))
}

func TestRunCreatesMissingNamespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exists, err := f.wh.NamespaceExists(ctx, "", "fdm")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = f.runner().Run(ctx, Request{})
	require.NoError(t, err)

	created, err := EnsureNamespace(ctx, f.wh, "", "fdm", f.log)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEnsureNamespaceRejectsBadName(t *testing.T) {
	f := newFixture(t)
	_, err := EnsureNamespace(context.Background(), f.wh, "", "bad name;", f.log)
	assert.ErrorIs(t, err, query.ErrInvalidIdentifier)
}

func TestRunIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.runner()

	_, err := r.Run(ctx, Request{})
	require.NoError(t, err)
	res, err := r.Run(ctx, Request{})
	require.NoError(t, err)

	for _, rep := range res.Tables {
		assert.Contains(t, rep.Skipped, linkage.StageCopy, rep.Table)
	}
	for _, p := range res.Dataset.Partitions {
		assert.Zero(t, p.Outside, p.Table)
	}
}

func TestRunSkipsDatasetWhenTableHalts(t *testing.T) {
	f := newFixture(t)
	f.manifest.Tables[1].StartDate = nil

	res, err := f.runner().Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusHalted, res.Status)
	assert.Nil(t, res.Dataset)
	assert.True(t, res.Tables[0].Complete())
	assert.ErrorIs(t, res.Tables[1].Halted, linkage.ErrStartDateRequired)

	assert.ElementsMatch(t, []string{models.EventTableBuilt, models.EventTableHalted}, f.publisher.types())
	assert.Equal(t, runlog.StatusHalted, f.runs.status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageOutcome.WithLabelValues("table", "halted")))

	var halted *runlog.TableRun
	for _, rec := range f.runs.tables {
		if rec.Table == "fdm.labs" {
			halted = rec
		}
	}
	require.NotNil(t, halted)
	assert.Equal(t, linkage.PersonIDPresent.String(), halted.State)
	assert.Equal(t, linkage.ErrStartDateRequired.Error(), halted.Attributes["halted"])
}

func TestRunFailsOnMissingSource(t *testing.T) {
	f := newFixture(t)
	f.manifest.Tables[0].Source = "src.absent"

	res, err := f.runner().Run(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
	var stageErr *linkage.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, linkage.StageCopy, stageErr.Stage)

	assert.Equal(t, runlog.StatusFailed, res.Status)
	assert.Nil(t, res.Dataset)
	assert.True(t, res.Tables[1].Complete(), "other tables still build")
	assert.Equal(t, runlog.StatusFailed, f.runs.status)
	assert.Error(t, f.runs.finalErr)
	assert.Contains(t, f.publisher.types(), models.EventBuildFailed)
}

func TestRunSelectedTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.runner().Run(ctx, Request{Tables: []string{"labs"}})
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, res.Status)
	require.Len(t, res.Tables, 1)
	assert.Nil(t, res.Dataset, "dataset needs every table")

	exists, err := f.wh.TableExists(ctx, query.TableRef{Namespace: "fdm", Name: "visits"})
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.runner().Run(ctx, Request{Tables: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestRunSkipDataset(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner().Run(context.Background(), RequestFrom(models.BuildRequest{SkipDataset: true}))
	require.NoError(t, err)
	assert.Len(t, res.Tables, 2)
	assert.Nil(t, res.Dataset)
	assert.NotContains(t, f.publisher.types(), models.EventDatasetBuilt)
}

func TestRunConcurrentKeepsManifestOrder(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner(WithConcurrency(4)).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, res.Tables, 2)
	assert.Equal(t, "fdm.visits", res.Tables[0].Table)
	assert.Equal(t, "fdm.labs", res.Tables[1].Table)
	assert.NotNil(t, res.Dataset)
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	res, err := f.runner().Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, res.Status)
}

func TestRunWithoutOptionalCollaborators(t *testing.T) {
	f := newFixture(t)
	res, err := NewRunner(f.wh, f.manifest, WithLogger(f.log), WithReferenceYear(2021)).Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, runlog.StatusCompleted, res.Status)
}

type memoryStates struct {
	mu     sync.Mutex
	states map[string]linkage.TableState
}

func (s *memoryStates) SaveState(_ context.Context, ref query.TableRef, state linkage.TableState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[ref.String()] = state
	return nil
}

func (s *memoryStates) LoadState(_ context.Context, ref query.TableRef) (linkage.TableState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[ref.String()]
	return state, ok, nil
}

func TestTableStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	states := &memoryStates{states: map[string]linkage.TableState{}}
	r := f.runner(WithStateStore(states), WithMetrics(nil))

	status, err := r.TableStatus(ctx, "visits")
	require.NoError(t, err)
	assert.Equal(t, linkage.Uncopied.String(), status.State)
	assert.Empty(t, status.Cached)
	assert.Zero(t, status.Rows)

	_, err = r.Run(ctx, Request{SkipDataset: true})
	require.NoError(t, err)

	status, err = r.TableStatus(ctx, "visits")
	require.NoError(t, err)
	assert.Equal(t, "fdm.visits", status.Table)
	assert.Equal(t, linkage.Complete.String(), status.State)
	assert.Equal(t, linkage.Complete.String(), status.Cached)
	assert.EqualValues(t, 3, status.Rows)

	_, err = r.TableStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownTable)
}
