package linkage

import (
	"errors"
	"fmt"
)

var (
	ErrMissingIdentifier = errors.New("no identifier column (person_id, digest or EDRN)")
	ErrStartDateRequired = errors.New("event_start_date is missing and no date specification was supplied")
	ErrInvalidDateSpec   = errors.New("invalid date specification")
	ErrReservedName      = errors.New("table name is reserved")
)

// StageError attaches the failing stage and table to an underlying error,
// usually one returned by the warehouse.
type StageError struct {
	Stage Stage
	Table string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage on %s: %v", e.Stage, e.Table, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PreconditionError aborts a dataset build before anything is mutated.
type PreconditionError struct {
	Table  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Table == "" {
		return "dataset precondition failed: " + e.Reason
	}
	return fmt.Sprintf("dataset precondition failed for %s: %s", e.Table, e.Reason)
}

type WarningKind string

const (
	WarnTwoDigitYear        WarningKind = "ambiguous_two_digit_year"
	WarnAmbiguousIdentifier WarningKind = "ambiguous_identifier"
	WarnExtraIdentifiers    WarningKind = "extra_identifiers"
	WarnNoEndDate           WarningKind = "no_end_date"
	WarnUnparsedDates       WarningKind = "unparsed_dates"
	WarnInvertedEventRange  WarningKind = "inverted_event_range"
	WarnInvertedWindow      WarningKind = "inverted_observation_window"
	WarnMissingPersonIDs    WarningKind = "missing_person_ids"
	WarnOrphanPersonIDs     WarningKind = "orphan_person_ids"
)

// Warning is an advisory finding; it never stops a build.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Table   string      `json:"table,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.Table == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s (%s): %s", w.Kind, w.Table, w.Message)
}
