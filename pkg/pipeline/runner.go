// Package pipeline drives a manifest end to end: it prepares the target
// namespace, builds every table and, once all of them are complete, the
// person-level dataset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/common/models"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/manifest"
	"github.com/synaptica-ai/fdm/pkg/observability/metrics"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownTable = errors.New("table not in manifest")

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// RunLog is satisfied by *runlog.Repository.
type RunLog interface {
	Start(ctx context.Context, project, namespace, requestedBy string) (*runlog.BuildRun, error)
	RecordTable(ctx context.Context, table *runlog.TableRun) error
	Finish(ctx context.Context, runID, status string, dataset any, stats map[string]interface{}, runErr error) error
}

type Runner struct {
	gw            warehouse.Gateway
	manifest      *manifest.Manifest
	log           *logrus.Entry
	publisher     Publisher
	runs          RunLog
	states        linkage.StateStore
	metrics       *metrics.Metrics
	concurrency   int
	referenceYear int
}

type Option func(*Runner)

func WithLogger(entry *logrus.Entry) Option {
	return func(r *Runner) {
		if entry != nil {
			r.log = entry
		}
	}
}

func WithPublisher(p Publisher) Option { return func(r *Runner) { r.publisher = p } }

func WithRunLog(l RunLog) Option { return func(r *Runner) { r.runs = l } }

func WithStateStore(s linkage.StateStore) Option { return func(r *Runner) { r.states = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithConcurrency bounds how many tables build at once. Values below one
// build sequentially.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithReferenceYear(year int) Option { return func(r *Runner) { r.referenceYear = year } }

func NewRunner(gw warehouse.Gateway, m *manifest.Manifest, opts ...Option) *Runner {
	r := &Runner{
		gw:          gw,
		manifest:    m,
		log:         logger.Entry(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithFields(logrus.Fields{"namespace": m.Namespace})
	return r
}

type Request struct {
	Tables      []string
	SkipDataset bool
	RequestedBy string
}

// RequestFrom maps a bus or HTTP build request.
func RequestFrom(req models.BuildRequest) Request {
	return Request{Tables: req.Tables, SkipDataset: req.SkipDataset, RequestedBy: req.RequestedBy}
}

type Result struct {
	RunID    string                 `json:"run_id"`
	Status   string                 `json:"status"`
	Tables   []*linkage.Report      `json:"tables"`
	Dataset  *linkage.DatasetReport `json:"dataset,omitempty"`
	Duration time.Duration          `json:"duration"`
}

func (r *Runner) linkageOptions() []linkage.Option {
	opts := []linkage.Option{linkage.WithLogger(r.log)}
	if r.states != nil {
		opts = append(opts, linkage.WithStateStore(r.states))
	}
	if r.referenceYear > 0 {
		opts = append(opts, linkage.WithReferenceYear(r.referenceYear))
	}
	return opts
}

// Table returns the build handle for a manifest alias.
func (r *Runner) Table(alias string) (*linkage.Table, error) {
	spec, ok := r.manifest.Table(alias)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, alias)
	}
	return linkage.NewTable(r.gw, r.manifest.SourceRef(spec), r.manifest.TargetRef(alias),
		r.manifest.LinkageRegistries(), r.linkageOptions()...), nil
}

func (r *Runner) selectTables(aliases []string) ([]manifest.Table, error) {
	if len(aliases) == 0 {
		return r.manifest.Tables, nil
	}
	out := make([]manifest.Table, 0, len(aliases))
	for _, alias := range aliases {
		spec, ok := r.manifest.Table(alias)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, alias)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Run builds the selected tables and then the dataset. A table that halts
// or fails does not stop the others, but it does skip the dataset.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	specs, err := r.selectTables(req.Tables)
	if err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.New().String(), Status: runlog.StatusRunning}
	if r.runs != nil {
		run, err := r.runs.Start(ctx, r.manifest.Project, r.manifest.Namespace, req.RequestedBy)
		if err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
		res.RunID = run.ID
	}
	log := r.log.WithField("run_id", res.RunID)
	log.WithField("tables", len(specs)).Info("build run started")

	runErr := r.run(ctx, log, specs, req, res)
	res.Duration = time.Since(started)
	r.metrics.ObserveRun(res.Duration)

	switch {
	case runErr != nil:
		res.Status = runlog.StatusFailed
	case res.Status == runlog.StatusRunning:
		res.Status = runlog.StatusCompleted
	}
	if r.runs != nil {
		stats := map[string]interface{}{
			"tables":      len(res.Tables),
			"duration_ms": res.Duration.Milliseconds(),
		}
		if err := r.runs.Finish(context.WithoutCancel(ctx), res.RunID, res.Status, res.Dataset, stats, runErr); err != nil {
			log.WithError(err).Warn("failed to record run completion")
		}
	}
	if runErr != nil {
		r.publish(ctx, log, models.EventBuildFailed, map[string]interface{}{"run_id": res.RunID, "error": runErr.Error()})
		log.WithError(runErr).Error("build run failed")
		return res, runErr
	}
	log.WithFields(logrus.Fields{"status": res.Status, "duration": res.Duration.String()}).Info("build run finished")
	return res, nil
}

func (r *Runner) run(ctx context.Context, log *logrus.Entry, specs []manifest.Table, req Request, res *Result) error {
	if _, err := EnsureNamespace(ctx, r.gw, r.manifest.Project, r.manifest.Namespace, log); err != nil {
		return err
	}

	reports, err := r.buildTables(ctx, log, res.RunID, specs)
	res.Tables = reports
	if err != nil {
		return err
	}
	for _, rep := range reports {
		if !rep.Complete() {
			res.Status = runlog.StatusHalted
			log.WithField("table", rep.Table).Warn("table build halted; skipping dataset build")
			return nil
		}
	}
	if req.SkipDataset || r.manifest.SkipDataset {
		return nil
	}
	if len(specs) != len(r.manifest.Tables) {
		log.Info("partial table selection; skipping dataset build")
		return nil
	}

	members := make([]linkage.Member, 0, len(specs))
	for _, spec := range specs {
		t, err := r.Table(spec.Alias)
		if err != nil {
			return err
		}
		members = append(members, t)
	}
	ds := linkage.NewDataset(r.gw, r.manifest.Project, r.manifest.Namespace, r.manifest.LinkageRegistries(), members, r.linkageOptions()...)
	report, err := ds.Build(ctx)
	res.Dataset = report
	if err != nil {
		r.metrics.IncStage("dataset", "failed")
		return err
	}
	r.observeDataset(report)
	r.publish(ctx, log, models.EventDatasetBuilt, datasetEvent(res.RunID, report))
	return nil
}

// buildTables returns one report per spec, in manifest order.
func (r *Runner) buildTables(ctx context.Context, log *logrus.Entry, runID string, specs []manifest.Table) ([]*linkage.Report, error) {
	reports := make([]*linkage.Report, len(specs))
	errs := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			reports[i], errs[i] = r.buildTable(ctx, log, runID, spec)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func (r *Runner) buildTable(ctx context.Context, log *logrus.Entry, runID string, spec manifest.Table) (*linkage.Report, error) {
	started := time.Now()
	t, err := r.Table(spec.Alias)
	if err != nil {
		return nil, err
	}
	report, err := t.Build(ctx, spec.BuildOptions())
	if report == nil {
		report = &linkage.Report{Table: t.Ref().String()}
	}

	outcome := "complete"
	eventType := models.EventTableBuilt
	switch {
	case err != nil:
		outcome = "failed"
		eventType = models.EventBuildFailed
	case !report.Complete():
		outcome = "halted"
		eventType = models.EventTableHalted
	}
	r.metrics.ObserveTable(outcome, time.Since(started))
	r.metrics.IncStage("table", outcome)
	for _, s := range report.Skipped {
		r.metrics.IncStage(string(s), "skipped")
	}
	for _, w := range report.Warnings {
		r.metrics.IncWarning(string(w.Kind))
	}

	if r.runs != nil {
		rec := tableRun(runID, report, err)
		if recErr := r.runs.RecordTable(context.WithoutCancel(ctx), rec); recErr != nil {
			log.WithError(recErr).WithField("table", report.Table).Warn("failed to record table run")
		}
	}
	data := tableEvent(runID, report)
	if err != nil {
		data["error"] = err.Error()
	}
	r.publish(ctx, log, eventType, data)
	return report, err
}

func (r *Runner) observeDataset(report *linkage.DatasetReport) {
	for _, step := range report.Steps {
		r.metrics.IncStage(string(step.Stage), "ok")
	}
	for _, p := range report.Partitions {
		r.metrics.AddOutside(p.Table, p.Outside)
	}
	for _, w := range report.Warnings {
		r.metrics.IncWarning(string(w.Kind))
	}
}

// publish never fails the run; the event bus is advisory.
func (r *Runner) publish(ctx context.Context, log *logrus.Entry, eventType string, data map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishEvent(ctx, eventType, r.manifest.Namespace, data); err != nil {
		log.WithError(err).WithField("event_type", eventType).Warn("failed to publish build event")
	}
}
