package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

const (
	PersonTable              = "person"
	MissingPersonIDTable     = "individuals_missing_person_id"
	OrphanPersonIDTable      = "person_ids_missing_from_master"
	ObservationPeriodTable   = "observation_period"
	OutsideObservationSuffix = "_outside_obs"

	ObservationStart = "observation_period_start_date"
	ObservationEnd   = "observation_period_end_date"
	BirthColumn      = "birth_datetime"
	DeathColumn      = "death_datetime"

	// DeathGraceDays extends the observation window past a recorded death.
	DeathGraceDays = 42

	identifierKindColumn  = "identifier"
	identifierValueColumn = "value"
)

// CheckTableName rejects names the dataset build writes itself: the person
// level tables, partition targets and date scratch tables. A member with such
// a name would be overwritten.
func CheckTableName(name string) error {
	for _, reserved := range []string{PersonTable, MissingPersonIDTable, OrphanPersonIDTable, ObservationPeriodTable} {
		if strings.EqualFold(name, reserved) {
			return fmt.Errorf("%w: %q is a dataset output table", ErrReservedName, name)
		}
	}
	for _, suffix := range []string{OutsideObservationSuffix, scratchSuffix} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			return fmt.Errorf("%w: suffix %q is used for derived tables", ErrReservedName, suffix)
		}
	}
	return nil
}

// Member is what the dataset linker needs from a built table. *Table
// satisfies it.
type Member interface {
	Ref() query.TableRef
	Columns(ctx context.Context) ([]query.Column, error)
	IdentifierColumns(ctx context.Context) ([]string, error)
	IsBuildComplete(ctx context.Context) (bool, error)
}

var _ Member = (*Table)(nil)

// Dataset builds the person-level tables over a set of built member tables
// sharing one namespace.
type Dataset struct {
	gw         warehouse.Gateway
	project    string
	namespace  string
	registries Registries
	members    []Member
	settings
}

func NewDataset(gw warehouse.Gateway, project, namespace string, registries Registries, members []Member, opts ...Option) *Dataset {
	return &Dataset{
		gw:         gw,
		project:    project,
		namespace:  namespace,
		registries: registries,
		members:    members,
		settings:   newSettings(opts),
	}
}

// StepResult describes one materialized dataset table.
type StepResult struct {
	Stage    Stage     `json:"stage"`
	Table    string    `json:"table"`
	Rows     int64     `json:"rows"`
	Inverted int64     `json:"inverted,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// PartitionResult accounts for every row of one member table:
// Before == Kept + Outside.
type PartitionResult struct {
	Table        string `json:"table"`
	OutsideTable string `json:"outside_table"`
	Before       int64  `json:"before"`
	Kept         int64  `json:"kept"`
	Outside      int64  `json:"outside"`
	InvertedRows int64  `json:"inverted_rows,omitempty"`
}

type DatasetReport struct {
	Namespace  string            `json:"namespace"`
	Steps      []StepResult      `json:"steps"`
	Partitions []PartitionResult `json:"partitions"`
	Warnings   []Warning         `json:"warnings,omitempty"`
}

// Step returns the most recent result for stage.
func (r *DatasetReport) Step(stage Stage) (StepResult, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Stage == stage {
			return r.Steps[i], true
		}
	}
	return StepResult{}, false
}

func (r *DatasetReport) add(step StepResult) {
	r.Steps = append(r.Steps, step)
	r.Warnings = append(r.Warnings, step.Warnings...)
}

func (d *Dataset) Namespace() string { return d.namespace }

func (d *Dataset) Members() []Member { return d.members }

func (d *Dataset) table(name string) query.TableRef {
	return query.TableRef{Project: d.project, Namespace: d.namespace, Name: name}
}

func (d *Dataset) memberRefs() []query.TableRef {
	refs := make([]query.TableRef, len(d.members))
	for i, m := range d.members {
		refs[i] = m.Ref()
	}
	return refs
}

// sameTable compares references, treating an empty project as matching any.
func sameTable(a, b query.TableRef) bool {
	if a.Namespace != b.Namespace || !strings.EqualFold(a.Name, b.Name) {
		return false
	}
	return a.Project == "" || b.Project == "" || a.Project == b.Project
}

func (d *Dataset) logger(stage Stage) *logrus.Entry {
	return d.log.WithFields(logrus.Fields{"namespace": d.namespace, "stage": stage})
}

func (d *Dataset) stageError(stage Stage, table query.TableRef, err error) error {
	return &StageError{Stage: stage, Table: table.String(), Err: err}
}

// Validate checks every member before anything is written.
func (d *Dataset) Validate(ctx context.Context) error {
	if len(d.members) == 0 {
		return &PreconditionError{Reason: "no member tables"}
	}
	if d.registries.MasterPerson.Name == "" {
		return &PreconditionError{Reason: "master person registry not configured"}
	}
	for _, name := range []string{PersonTable, MissingPersonIDTable, OrphanPersonIDTable, ObservationPeriodTable} {
		out := d.table(name)
		for _, reg := range []query.TableRef{d.registries.Demographics, d.registries.MasterPerson} {
			if sameTable(reg, out) {
				return &PreconditionError{Table: reg.String(), Reason: "registry would be overwritten by the " + name + " table"}
			}
		}
	}
	seen := make(map[string]bool, len(d.members))
	for i, m := range d.members {
		if m == nil {
			return &PreconditionError{Reason: fmt.Sprintf("member %d is nil", i)}
		}
		ref := m.Ref()
		if ref.Namespace != d.namespace {
			return &PreconditionError{Table: ref.String(), Reason: fmt.Sprintf("belongs to namespace %q, not %q", ref.Namespace, d.namespace)}
		}
		if ref.Project != "" && ref.Project != d.project {
			return &PreconditionError{Table: ref.String(), Reason: fmt.Sprintf("belongs to project %q, not %q", ref.Project, d.project)}
		}
		if err := CheckTableName(ref.Name); err != nil {
			return &PreconditionError{Table: ref.String(), Reason: err.Error()}
		}
		if seen[ref.Name] {
			return &PreconditionError{Table: ref.String(), Reason: "listed more than once"}
		}
		seen[ref.Name] = true
		complete, err := m.IsBuildComplete(ctx)
		if err != nil {
			return d.stageError(StagePrecondition, ref, err)
		}
		if !complete {
			return &PreconditionError{Table: ref.String(), Reason: "build incomplete: person_id and event_start_date are required"}
		}
	}
	return nil
}

// Build validates the members then runs the person, missing id, orphan id,
// observation period and partition steps, and finally rebuilds the person
// and observation period tables over the partitioned members. A failure
// during partitioning leaves already partitioned members replaced.
func (d *Dataset) Build(ctx context.Context) (*DatasetReport, error) {
	if err := d.Validate(ctx); err != nil {
		return nil, err
	}
	report := &DatasetReport{Namespace: d.namespace}

	steps := []func(context.Context) (StepResult, error){
		d.BuildPersonTable,
		d.BuildMissingPersonIDs,
		d.BuildOrphanPersonIDs,
		d.BuildObservationPeriod,
	}
	for _, step := range steps {
		res, err := step(ctx)
		if err != nil {
			return report, err
		}
		report.add(res)
	}

	parts, warnings, err := d.PartitionOutsideObservation(ctx)
	report.Partitions = parts
	report.Warnings = append(report.Warnings, warnings...)
	if err != nil {
		return report, err
	}

	for _, step := range []func(context.Context) (StepResult, error){d.BuildPersonTable, d.BuildObservationPeriod} {
		res, err := step(ctx)
		if err != nil {
			return report, err
		}
		report.add(res)
	}

	d.log.WithFields(logrus.Fields{"namespace": d.namespace, "members": len(d.members)}).Info("dataset build complete")
	return report, nil
}

// BuildPersonTable writes the distinct person ids of every member joined to
// the master registry. Ids without a master record are left out.
func (d *Dataset) BuildPersonTable(ctx context.Context) (StepResult, error) {
	dest := d.table(PersonTable)
	master, err := d.gw.GetSchema(ctx, d.registries.MasterPerson)
	if err != nil {
		return StepResult{}, d.stageError(StagePerson, d.registries.MasterPerson, err)
	}
	if !warehouse.HasColumn(master, PersonIDColumn) {
		return StepResult{}, d.stageError(StagePerson, d.registries.MasterPerson, fmt.Errorf("master registry has no %s column", PersonIDColumn))
	}

	items := []query.Item{query.As(query.Col("ids", PersonIDColumn), PersonIDColumn)}
	for _, c := range master {
		if c.Name == PersonIDColumn {
			continue
		}
		items = append(items, query.As(query.Col("m", c.Name), c.Name))
	}
	q := &query.Select{
		Items: items,
		From:  query.FromQuery(query.UnionDistinct(PersonIDColumn, d.memberRefs()), "ids"),
		Joins: []query.Join{{
			Kind:   query.InnerJoin,
			Source: query.From(d.registries.MasterPerson, "m"),
			On:     query.Cmp(query.Eq, query.Col("ids", PersonIDColumn), query.Col("m", PersonIDColumn)),
		}},
	}
	n, err := d.gw.Materialize(ctx, q, dest)
	if err != nil {
		return StepResult{}, d.stageError(StagePerson, dest, err)
	}
	d.logger(StagePerson).WithField("rows", n).Info("built person table")
	return StepResult{Stage: StagePerson, Table: dest.String(), Rows: n}, nil
}

// BuildMissingPersonIDs collects the distinct (identifier, value) pairs of
// rows that could not be linked to a person.
func (d *Dataset) BuildMissingPersonIDs(ctx context.Context) (StepResult, error) {
	dest := d.table(MissingPersonIDTable)
	union := &query.Union{All: true}
	for _, m := range d.members {
		ids, err := m.IdentifierColumns(ctx)
		if err != nil {
			return StepResult{}, d.stageError(StageMissingPersonIDs, m.Ref(), err)
		}
		for _, id := range ids {
			if id == PersonIDColumn {
				continue
			}
			union.Queries = append(union.Queries, &query.Select{
				Items: []query.Item{
					query.As(query.Lit(id), identifierKindColumn),
					query.As(query.CastString{X: query.Col("t", id)}, identifierValueColumn),
				},
				From:  query.From(m.Ref(), "t"),
				Where: query.Null(query.Col("t", PersonIDColumn)),
			})
		}
	}

	log := d.logger(StageMissingPersonIDs)
	res := StepResult{Stage: StageMissingPersonIDs, Table: dest.String()}
	if len(union.Queries) == 0 {
		cols := []query.Column{
			{Name: identifierKindColumn, Type: query.TypeString},
			{Name: identifierValueColumn, Type: query.TypeString},
		}
		if err := d.gw.LoadRows(ctx, dest, cols, nil); err != nil {
			return StepResult{}, d.stageError(StageMissingPersonIDs, dest, err)
		}
		log.Info("no lookup identifiers in any member; wrote empty table")
		return res, nil
	}

	q := &query.Select{
		Distinct: true,
		Items: []query.Item{
			query.As(query.Col("u", identifierKindColumn), identifierKindColumn),
			query.As(query.Col("u", identifierValueColumn), identifierValueColumn),
		},
		From: query.FromQuery(union, "u"),
	}
	n, err := d.gw.Materialize(ctx, q, dest)
	if err != nil {
		return StepResult{}, d.stageError(StageMissingPersonIDs, dest, err)
	}
	res.Rows = n
	if n > 0 {
		w := Warning{
			Kind:    WarnMissingPersonIDs,
			Table:   dest.String(),
			Message: fmt.Sprintf("%d identifier values have no person_id", n),
		}
		res.Warnings = append(res.Warnings, w)
		log.WithField("kind", w.Kind).Warn(w.Message)
	}
	log.WithField("rows", n).Info("built missing person id table")
	return res, nil
}

// BuildOrphanPersonIDs lists person ids used by members but absent from the
// person table, which means absent from the master registry.
func (d *Dataset) BuildOrphanPersonIDs(ctx context.Context) (StepResult, error) {
	dest := d.table(OrphanPersonIDTable)
	q := &query.Select{
		Items: []query.Item{query.As(query.Col("ids", PersonIDColumn), PersonIDColumn)},
		From:  query.FromQuery(query.UnionDistinct(PersonIDColumn, d.memberRefs()), "ids"),
		Joins: []query.Join{{
			Kind:   query.LeftJoin,
			Source: query.From(d.table(PersonTable), "p"),
			On:     query.Cmp(query.Eq, query.Col("ids", PersonIDColumn), query.Col("p", PersonIDColumn)),
		}},
		Where: query.AllOfThese(
			query.Null(query.Col("p", PersonIDColumn)),
			query.NotNull(query.Col("ids", PersonIDColumn)),
		),
	}
	n, err := d.gw.Materialize(ctx, q, dest)
	if err != nil {
		return StepResult{}, d.stageError(StageOrphanPersonIDs, dest, err)
	}
	log := d.logger(StageOrphanPersonIDs)
	res := StepResult{Stage: StageOrphanPersonIDs, Table: dest.String(), Rows: n}
	if n > 0 {
		w := Warning{
			Kind:    WarnOrphanPersonIDs,
			Table:   dest.String(),
			Message: fmt.Sprintf("%d person ids are missing from %s and get no observation period", n, d.registries.MasterPerson),
		}
		res.Warnings = append(res.Warnings, w)
		log.WithField("kind", w.Kind).Warn(w.Message)
	}
	log.WithField("rows", n).Info("built orphan person id table")
	return res, nil
}

func (d *Dataset) countWhere(ctx context.Context, ref query.TableRef, where query.Expr) (int64, error) {
	rs, err := d.gw.Query(ctx, &query.Select{
		Items: []query.Item{query.As(query.CountAll(), "n")},
		From:  query.From(ref, "t"),
		Where: where,
	})
	if err != nil {
		return 0, err
	}
	return scalarInt(rs)
}
