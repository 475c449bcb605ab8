package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/common/models"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

// EnsureNamespace creates project.namespace when it is missing and reports
// whether it did.
func EnsureNamespace(ctx context.Context, gw warehouse.Gateway, project, namespace string, log *logrus.Entry) (bool, error) {
	if err := query.ValidateIdentifier(namespace); err != nil {
		return false, err
	}
	exists, err := gw.NamespaceExists(ctx, project, namespace)
	if err != nil {
		return false, fmt.Errorf("check namespace %s: %w", namespace, err)
	}
	if exists {
		return false, nil
	}
	if err := gw.CreateNamespace(ctx, project, namespace); err != nil {
		return false, fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	if log != nil {
		log.WithField("namespace", namespace).Info("namespace created")
	}
	return true, nil
}

func tableRun(runID string, report *linkage.Report, buildErr error) *runlog.TableRun {
	rec := &runlog.TableRun{
		ID:            uuid.New().String(),
		RunID:         runID,
		Table:         report.Table,
		State:         report.State.String(),
		LinkedBy:      report.LinkedBy,
		Rows:          report.Rows,
		UnlinkedRows:  report.UnlinkedRows,
		UnparsedDates: report.UnparsedDates,
		CreatedAt:     time.Now().UTC(),
	}
	if len(report.Warnings) > 0 {
		if b, err := json.Marshal(report.Warnings); err == nil {
			rec.Warnings = b
		}
	}
	attrs := map[string]interface{}{}
	if len(report.Skipped) > 0 {
		skipped := make([]string, len(report.Skipped))
		for i, s := range report.Skipped {
			skipped[i] = string(s)
		}
		attrs["skipped"] = skipped
	}
	if report.Halted != nil {
		attrs["halted"] = report.Halted.Error()
	}
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}
	if buildErr != nil {
		rec.Error = buildErr.Error()
	}
	return rec
}

func tableEvent(runID string, report *linkage.Report) map[string]interface{} {
	data := map[string]interface{}{
		"run_id":        runID,
		"table":         report.Table,
		"state":         report.State.String(),
		"rows":          report.Rows,
		"unlinked_rows": report.UnlinkedRows,
		"warnings":      len(report.Warnings),
	}
	if report.LinkedBy != "" {
		data["linked_by"] = report.LinkedBy
	}
	if report.Halted != nil {
		data["halted"] = report.Halted.Error()
	}
	return data
}

func datasetEvent(runID string, report *linkage.DatasetReport) map[string]interface{} {
	outside := map[string]interface{}{}
	for _, p := range report.Partitions {
		outside[p.Table] = p.Outside
	}
	data := map[string]interface{}{
		"run_id":    runID,
		"namespace": report.Namespace,
		"steps":     len(report.Steps),
		"outside":   outside,
		"warnings":  len(report.Warnings),
	}
	if step, ok := report.Step(linkage.StageObservationPeriod); ok {
		data["persons"] = step.Rows
	}
	return data
}

// TableStatus reports the schema-derived state of alias, alongside the
// cached state when a state store is configured.
func (r *Runner) TableStatus(ctx context.Context, alias string) (*models.TableStatus, error) {
	t, err := r.Table(alias)
	if err != nil {
		return nil, err
	}
	state, err := t.State(ctx)
	if err != nil {
		return nil, err
	}
	status := &models.TableStatus{
		Table:     t.Ref().String(),
		State:     state.String(),
		CheckedAt: time.Now().UTC(),
	}
	if r.states != nil {
		if cached, ok, err := r.states.LoadState(ctx, t.Ref()); err == nil && ok {
			status.Cached = cached.String()
		}
	}
	if state != linkage.Uncopied {
		if status.Rows, err = t.RowCount(ctx); err != nil {
			return nil, err
		}
	}
	return status, nil
}
