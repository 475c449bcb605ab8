package linkage

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

type Stage string

const (
	StageCopy        Stage = "copy"
	StageIdentifiers Stage = "identifiers"
	StagePersonID    Stage = "person_id"
	StageStartDate   Stage = "event_start_date"
	StageEndDate     Stage = "event_end_date"

	StagePrecondition      Stage = "precondition"
	StagePerson            Stage = "person"
	StageMissingPersonIDs  Stage = "missing_person_ids"
	StageOrphanPersonIDs   Stage = "orphan_person_ids"
	StageObservationPeriod Stage = "observation_period"
	StagePartition         Stage = "partition"
)

// TableState is the forward-only progress of a built table.
type TableState int

const (
	Uncopied TableState = iota
	Copied
	IdentifiersNormalized
	PersonIDPresent
	StartDatePresent
	Complete
)

var stateNames = [...]string{"uncopied", "copied", "identifiers_normalized", "person_id_present", "start_date_present", "complete"}

func (s TableState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("TableState(%d)", int(s))
	}
	return stateNames[s]
}

func ParseTableState(s string) (TableState, error) {
	for i, name := range stateNames {
		if name == s {
			return TableState(i), nil
		}
	}
	return Uncopied, fmt.Errorf("unknown table state %q", s)
}

// InspectState derives a table's state from its schema alone, which keeps
// builds resumable after a restart. A table whose start date is present and
// that carries no pending correlation column has nothing left to do.
func InspectState(exists bool, cols []query.Column) TableState {
	switch {
	case !exists:
		return Uncopied
	case len(IdentifierColumns(cols)) == 0 || !hasCanonicalIdentifiers(cols):
		return Copied
	case !warehouse.HasColumn(cols, PersonIDColumn):
		return IdentifiersNormalized
	case !warehouse.HasColumn(cols, EventStartDate):
		return PersonIDPresent
	case warehouse.HasColumn(cols, EventEndDate), !warehouse.HasColumn(cols, CorrelationColumn):
		return Complete
	default:
		return StartDatePresent
	}
}

// StateStore caches the last observed state per table. It is a hint for
// status queries; the schema stays authoritative.
type StateStore interface {
	SaveState(ctx context.Context, ref query.TableRef, state TableState) error
	LoadState(ctx context.Context, ref query.TableRef) (TableState, bool, error)
}

func (s TableState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TableState) UnmarshalText(b []byte) error {
	parsed, err := ParseTableState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
