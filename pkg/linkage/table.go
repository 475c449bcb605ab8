package linkage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

// Registries locates the external, read-only person registries.
type Registries struct {
	Demographics query.TableRef
	MasterPerson query.TableRef
}

type settings struct {
	log           *logrus.Entry
	states        StateStore
	referenceYear int
}

type Option func(*settings)

func WithLogger(entry *logrus.Entry) Option {
	return func(s *settings) {
		if entry != nil {
			s.log = entry
		}
	}
}

// WithStateStore caches table states after every stage.
func WithStateStore(store StateStore) Option {
	return func(s *settings) { s.states = store }
}

// WithReferenceYear pins the year two-digit dates are resolved against.
func WithReferenceYear(year int) Option {
	return func(s *settings) {
		if year > 0 {
			s.referenceYear = year
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{log: logger.Entry(), referenceYear: time.Now().Year()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Table drives one source table through copy, identifier normalization,
// person-id resolution and date normalization inside the target namespace.
// Concurrent builds of the same table are not supported.
type Table struct {
	gw         warehouse.Gateway
	source     query.TableRef
	ref        query.TableRef
	registries Registries
	settings
}

func NewTable(gw warehouse.Gateway, source, target query.TableRef, registries Registries, opts ...Option) *Table {
	return &Table{
		gw:         gw,
		source:     source,
		ref:        target,
		registries: registries,
		settings:   newSettings(opts),
	}
}

type BuildOptions struct {
	StartDate *DateSpec
	EndDate   *DateSpec
}

type Report struct {
	Table         string     `json:"table"`
	State         TableState `json:"state"`
	Skipped       []Stage    `json:"skipped,omitempty"`
	LinkedBy      string     `json:"linked_by,omitempty"`
	UnlinkedRows  int64      `json:"unlinked_rows"`
	UnparsedDates int64      `json:"unparsed_dates"`
	Rows          int64      `json:"rows"`
	Warnings      []Warning  `json:"warnings,omitempty"`
	// Halted is set when the build stopped before Complete.
	Halted error `json:"-"`
}

func (r *Report) Complete() bool { return r.State == Complete }

func (r *Report) skip(s Stage) { r.Skipped = append(r.Skipped, s) }

func (r *Report) warn(log *logrus.Entry, w Warning) {
	r.Warnings = append(r.Warnings, w)
	if w.Kind == WarnExtraIdentifiers {
		log.WithField("kind", w.Kind).Info(w.Message)
		return
	}
	log.WithField("kind", w.Kind).Warn(w.Message)
}

func (t *Table) Ref() query.TableRef { return t.ref }

func (t *Table) Source() query.TableRef { return t.source }

func (t *Table) Alias() string { return t.ref.Name }

func (t *Table) stageError(stage Stage, err error) error {
	return &StageError{Stage: stage, Table: t.ref.String(), Err: err}
}

// Build runs every stage that is not yet satisfied. It halts without an
// error when no start date can be produced; Report.Halted says why. Calling
// it again resumes from the first incomplete stage.
func (t *Table) Build(ctx context.Context, opts BuildOptions) (*Report, error) {
	report := &Report{Table: t.ref.String()}
	log := t.log.WithField("table", t.ref.String())
	if t.states != nil {
		if cached, ok, err := t.states.LoadState(ctx, t.ref); err == nil && ok {
			log.WithField("cached_state", cached.String()).Debug("resuming build")
		}
	}

	if err := t.copy(ctx, report); err != nil {
		return report, err
	}
	t.advance(ctx, report, Copied)

	cols, err := t.normalizeIdentifiers(ctx, report)
	if err != nil {
		return report, err
	}
	t.advance(ctx, report, IdentifiersNormalized)

	if err := t.resolvePersonID(ctx, cols, report); err != nil {
		return report, err
	}
	t.advance(ctx, report, PersonIDPresent)

	if cols, err = t.Columns(ctx); err != nil {
		return report, t.stageError(StageStartDate, err)
	}
	hasEnd := warehouse.HasColumn(cols, EventEndDate)
	switch {
	case warehouse.HasColumn(cols, EventStartDate):
		report.skip(StageStartDate)
	case opts.StartDate == nil:
		report.Halted = ErrStartDateRequired
		log.WithField("stage", StageStartDate).Warn(ErrStartDateRequired.Error())
		return report, nil
	default:
		keep := opts.EndDate != nil && !hasEnd
		if err := t.normalizeDate(ctx, StageStartDate, EventStartDate, *opts.StartDate, keep, report); err != nil {
			return report, err
		}
	}
	t.advance(ctx, report, StartDatePresent)

	switch {
	case hasEnd:
		report.skip(StageEndDate)
	case opts.EndDate == nil:
		report.skip(StageEndDate)
		report.warn(log, Warning{
			Kind:    WarnNoEndDate,
			Table:   t.ref.String(),
			Message: "no event_end_date specification; event_start_date stands in for the end date downstream",
		})
	default:
		if err := t.normalizeDate(ctx, StageEndDate, EventEndDate, *opts.EndDate, false, report); err != nil {
			return report, err
		}
	}
	if err := t.dropPendingCorrelation(ctx); err != nil {
		return report, err
	}

	rows, err := t.gw.RowCount(ctx, t.ref)
	if err != nil {
		return report, t.stageError(StageEndDate, err)
	}
	report.Rows = rows
	t.advance(ctx, report, Complete)
	log.WithFields(logrus.Fields{"rows": rows, "skipped": report.Skipped}).Info("table build complete")
	return report, nil
}

func (t *Table) advance(ctx context.Context, report *Report, state TableState) {
	report.State = state
	if t.states == nil {
		return
	}
	if err := t.states.SaveState(ctx, t.ref, state); err != nil {
		t.log.WithError(err).WithField("table", t.ref.String()).Warn("failed to cache table state")
	}
}

func (t *Table) copy(ctx context.Context, report *Report) error {
	exists, err := t.gw.TableExists(ctx, t.ref)
	if err != nil {
		return t.stageError(StageCopy, err)
	}
	if exists {
		report.skip(StageCopy)
		return nil
	}
	n, err := t.gw.Materialize(ctx, query.Copy(t.source), t.ref)
	if err != nil {
		return t.stageError(StageCopy, err)
	}
	t.log.WithFields(logrus.Fields{"table": t.ref.String(), "source": t.source.String(), "rows": n}).Info("copied source table")
	return nil
}

func (t *Table) normalizeIdentifiers(ctx context.Context, report *Report) ([]query.Column, error) {
	cols, err := t.gw.GetSchema(ctx, t.ref)
	if err != nil {
		return nil, t.stageError(StageIdentifiers, err)
	}
	if len(IdentifierColumns(cols)) == 0 {
		report.Halted = ErrMissingIdentifier
		return nil, t.stageError(StageIdentifiers, ErrMissingIdentifier)
	}
	renames := identifierRenames(cols)
	if len(renames) == 0 {
		report.skip(StageIdentifiers)
		return cols, nil
	}
	if err := t.gw.RenameColumns(ctx, t.ref, renames); err != nil {
		return nil, t.stageError(StageIdentifiers, err)
	}
	t.log.WithFields(logrus.Fields{"table": t.ref.String(), "renamed": renames}).Info("normalized identifier columns")
	if cols, err = t.gw.GetSchema(ctx, t.ref); err != nil {
		return nil, t.stageError(StageIdentifiers, err)
	}
	return cols, nil
}

// dropPendingCorrelation removes a correlation column left by an interrupted
// build once no date normalization still needs it.
func (t *Table) dropPendingCorrelation(ctx context.Context) error {
	cols, err := t.gw.GetSchema(ctx, t.ref)
	if err != nil {
		return t.stageError(StageEndDate, err)
	}
	if !warehouse.HasColumn(cols, CorrelationColumn) {
		return nil
	}
	if err := t.gw.DropColumn(ctx, t.ref, CorrelationColumn); err != nil {
		return t.stageError(StageEndDate, err)
	}
	return nil
}

func (t *Table) Columns(ctx context.Context) ([]query.Column, error) {
	return t.gw.GetSchema(ctx, t.ref)
}

func (t *Table) IdentifierColumns(ctx context.Context) ([]string, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return nil, err
	}
	return IdentifierColumns(cols), nil
}

// IsBuildComplete reports whether person_id and event_start_date exist.
func (t *Table) IsBuildComplete(ctx context.Context) (bool, error) {
	exists, err := t.gw.TableExists(ctx, t.ref)
	if err != nil || !exists {
		return false, err
	}
	cols, err := t.Columns(ctx)
	if err != nil {
		return false, err
	}
	return warehouse.HasColumn(cols, PersonIDColumn) && warehouse.HasColumn(cols, EventStartDate), nil
}

// State inspects the schema; it never trusts the state cache.
func (t *Table) State(ctx context.Context) (TableState, error) {
	exists, err := t.gw.TableExists(ctx, t.ref)
	if err != nil {
		return Uncopied, err
	}
	if !exists {
		return Uncopied, nil
	}
	cols, err := t.Columns(ctx)
	if err != nil {
		return Uncopied, err
	}
	return InspectState(true, cols), nil
}

func (t *Table) RowCount(ctx context.Context) (int64, error) {
	return t.gw.RowCount(ctx, t.ref)
}

// Head returns up to n rows of the built table.
func (t *Table) Head(ctx context.Context, n int) (*warehouse.RowSet, error) {
	if n <= 0 {
		n = 5
	}
	return t.gw.Query(ctx, &query.Select{
		Items: []query.Item{query.AllColumns()},
		From:  query.From(t.ref, ""),
		Limit: n,
	})
}

func (t *Table) RenameColumns(ctx context.Context, mapping map[string]string) error {
	return t.gw.RenameColumns(ctx, t.ref, mapping)
}

func (t *Table) DropColumn(ctx context.Context, column string) error {
	return t.gw.DropColumn(ctx, t.ref, column)
}
