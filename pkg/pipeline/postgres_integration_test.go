//go:build integration

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/testutil/containers"
	"github.com/synaptica-ai/fdm/pkg/warehouse/postgres"
)

// The same manifest as the in-memory tests, driven through PostgreSQL.
func TestRunOnPostgres(t *testing.T) {
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()
	require.NoError(t, pg.Reset(ctx))

	f := newFixture(t)
	wh := postgres.New(pg.DB)
	for _, ns := range []string{"registry", "src"} {
		require.NoError(t, wh.CreateNamespace(ctx, "", ns))
	}
	for _, ref := range []query.TableRef{
		{Namespace: "registry", Name: "demographics"},
		{Namespace: "registry", Name: "master_person"},
		{Namespace: "src", Name: "visits"},
		{Namespace: "src", Name: "labs"},
	} {
		cols, err := f.wh.GetSchema(ctx, ref)
		require.NoError(t, err)
		rs, err := f.wh.Query(ctx, query.Copy(ref))
		require.NoError(t, err)
		require.NoError(t, wh.LoadRows(ctx, ref, cols, rs.Rows))
	}

	runs := runlog.NewRepository(pg.DB)
	require.NoError(t, runs.AutoMigrate())

	r := NewRunner(wh, f.manifest, WithLogger(f.log), WithRunLog(runs), WithReferenceYear(2021))
	res, err := r.Run(ctx, Request{RequestedBy: "integration"})
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, res.Status)
	require.NotNil(t, res.Dataset)

	outside := map[string]int64{}
	for _, p := range res.Dataset.Partitions {
		outside[p.Table] = p.Outside
	}
	assert.Equal(t, map[string]int64{"fdm.visits": 1, "fdm.labs": 0}, outside)

	step, ok := res.Dataset.Step(linkage.StageObservationPeriod)
	require.True(t, ok)
	assert.EqualValues(t, 2, step.Rows)

	run, tables, err := runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, run.Status)
	assert.Len(t, tables, 2)
}
