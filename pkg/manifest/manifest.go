// Package manifest loads the YAML description of one FDM build: the target
// namespace, the person registries and the source tables with their date
// columns.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/synaptica-ai/fdm/pkg/dates"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/query"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid manifest")

type Manifest struct {
	Project     string     `yaml:"project" json:"project"`
	Namespace   string     `yaml:"namespace" json:"namespace"`
	Registries  Registries `yaml:"registries" json:"registries"`
	Tables      []Table    `yaml:"tables" json:"tables"`
	SkipDataset bool       `yaml:"skip_dataset" json:"skip_dataset"`
}

type Registries struct {
	Demographics string `yaml:"demographics" json:"demographics"`
	MasterPerson string `yaml:"master_person" json:"master_person"`
}

type Table struct {
	Alias     string     `yaml:"alias" json:"alias"`
	Source    string     `yaml:"source" json:"source"`
	StartDate *DateField `yaml:"event_start_date,omitempty" json:"event_start_date,omitempty"`
	EndDate   *DateField `yaml:"event_end_date,omitempty" json:"event_end_date,omitempty"`
}

// DateField lists one column, or year, month and day parts. A part wrapped
// in single quotes is a literal.
type DateField struct {
	Columns []string `yaml:"columns" json:"columns"`
	Order   string   `yaml:"order" json:"order"`
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest. JSON documents are accepted too.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	var errs []error
	if err := query.ValidateIdentifier(m.Namespace); err != nil {
		errs = append(errs, fmt.Errorf("namespace: %w", err))
	}
	if _, err := m.refOf(m.Registries.Demographics); err != nil {
		errs = append(errs, fmt.Errorf("registries.demographics: %w", err))
	}
	if _, err := m.refOf(m.Registries.MasterPerson); err != nil {
		errs = append(errs, fmt.Errorf("registries.master_person: %w", err))
	}
	if len(m.Tables) == 0 {
		errs = append(errs, errors.New("tables: at least one table is required"))
	}
	seen := make(map[string]bool, len(m.Tables))
	for i, t := range m.Tables {
		if err := query.ValidateIdentifier(t.Alias); err != nil {
			errs = append(errs, fmt.Errorf("tables[%d].alias: %w", i, err))
		} else if seen[t.Alias] {
			errs = append(errs, fmt.Errorf("tables[%d].alias: duplicate %q", i, t.Alias))
		}
		seen[t.Alias] = true
		if err := linkage.CheckTableName(t.Alias); err != nil {
			errs = append(errs, fmt.Errorf("tables[%d].alias: %w", i, err))
		}
		if _, err := m.refOf(t.Source); err != nil {
			errs = append(errs, fmt.Errorf("tables[%d].source: %w", i, err))
		}
		for name, f := range map[string]*DateField{"event_start_date": t.StartDate, "event_end_date": t.EndDate} {
			if f == nil {
				continue
			}
			if err := f.spec().Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tables[%d].%s: %w", i, name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// refOf parses a table reference and fills in the manifest project.
func (m *Manifest) refOf(s string) (query.TableRef, error) {
	if strings.TrimSpace(s) == "" {
		return query.TableRef{}, errors.New("table reference is required")
	}
	ref, err := query.ParseTableRef(s)
	if err != nil {
		return query.TableRef{}, err
	}
	if ref.Namespace == "" {
		return query.TableRef{}, fmt.Errorf("table reference %q needs a namespace", s)
	}
	if ref.Project == "" {
		ref.Project = m.Project
	}
	return ref, nil
}

func (m *Manifest) LinkageRegistries() linkage.Registries {
	demo, _ := m.refOf(m.Registries.Demographics)
	master, _ := m.refOf(m.Registries.MasterPerson)
	return linkage.Registries{Demographics: demo, MasterPerson: master}
}

func (m *Manifest) SourceRef(t Table) query.TableRef {
	ref, _ := m.refOf(t.Source)
	return ref
}

func (m *Manifest) TargetRef(alias string) query.TableRef {
	return query.TableRef{Project: m.Project, Namespace: m.Namespace, Name: alias}
}

// Table finds a table by alias.
func (m *Manifest) Table(alias string) (Table, bool) {
	for _, t := range m.Tables {
		if t.Alias == alias {
			return t, true
		}
	}
	return Table{}, false
}

func (t Table) BuildOptions() linkage.BuildOptions {
	var opts linkage.BuildOptions
	if t.StartDate != nil {
		spec := t.StartDate.spec()
		opts.StartDate = &spec
	}
	if t.EndDate != nil {
		spec := t.EndDate.spec()
		opts.EndDate = &spec
	}
	return opts
}

func (f DateField) spec() linkage.DateSpec {
	parts := make([]linkage.DatePart, len(f.Columns))
	for i, c := range f.Columns {
		parts[i] = linkage.ParseDatePart(c)
	}
	return linkage.DateSpec{Parts: parts, Order: dates.Order(strings.ToUpper(f.Order))}
}
