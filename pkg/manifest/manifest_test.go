package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/dates"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/query"
)

const sample = `
project: research-prj
namespace: fdm_study
registries:
  demographics: registry.demographics
  master_person: other-prj.registry.master_person
tables:
  - alias: visits
    source: raw.visits
    event_start_date:
      columns: [year, "'Jan'", day]
      order: ymd
  - alias: stays
    source: raw.stays
    event_start_date:
      columns: [admitted]
      order: DMY
    event_end_date:
      columns: [discharged]
      order: DMY
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, linkage.Registries{
		Demographics: query.TableRef{Project: "research-prj", Namespace: "registry", Name: "demographics"},
		MasterPerson: query.TableRef{Project: "other-prj", Namespace: "registry", Name: "master_person"},
	}, m.LinkageRegistries())
	require.Len(t, m.Tables, 2)
	assert.Equal(t, query.TableRef{Project: "research-prj", Namespace: "raw", Name: "visits"}, m.SourceRef(m.Tables[0]))
	assert.Equal(t, query.TableRef{Project: "research-prj", Namespace: "fdm_study", Name: "visits"}, m.TargetRef("visits"))

	opts := m.Tables[0].BuildOptions()
	require.NotNil(t, opts.StartDate)
	assert.Nil(t, opts.EndDate)
	assert.Equal(t, dates.YMD, opts.StartDate.Order)
	assert.Equal(t, []linkage.DatePart{
		linkage.ColumnPart("year"),
		linkage.LiteralPart("Jan"),
		linkage.ColumnPart("day"),
	}, opts.StartDate.Parts)

	stays, ok := m.Table("stays")
	require.True(t, ok)
	opts = stays.BuildOptions()
	require.NotNil(t, opts.EndDate)
	assert.Equal(t, dates.DMY, opts.EndDate.Order)
}

func TestParseJSON(t *testing.T) {
	doc := `{"namespace": "fdm", "registries": {"demographics": "r.d", "master_person": "r.m"}, "tables": [{"alias": "t", "source": "raw.t"}]}`
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Nil(t, m.Tables[0].BuildOptions().StartDate)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	doc := `
namespace: ""
registries:
  demographics: demographics
tables:
  - alias: visits
    source: raw.visits
    event_start_date:
      columns: [y, m]
  - alias: visits
    source: raw.visits2
  - alias: visits_outside_obs
    source: raw.x
    event_end_date:
      columns: [d]
      order: YDM
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"namespace",
		"registries.demographics",
		"registries.master_person",
		"tables[0].event_start_date",
		`duplicate "visits"`,
		`suffix "_outside_obs" is used for derived tables`,
		"tables[2].event_end_date",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRejectsDatasetOutputNames(t *testing.T) {
	for _, alias := range []string{"person", "observation_period", "Individuals_Missing_Person_ID", "person_ids_missing_from_master", "visits_fdm_dates"} {
		doc := `
namespace: fdm
registries:
  demographics: registry.demographics
  master_person: registry.master_person
tables:
  - alias: ` + alias + `
    source: raw.visits
`
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalid, alias)
		assert.ErrorIs(t, err, linkage.ErrReservedName, alias)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fdm_study", m.Namespace)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
