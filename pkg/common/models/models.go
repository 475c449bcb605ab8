package models

import (
	"encoding/json"
	"time"
)

// Event types published on the build event topic.
const (
	EventBuildRequested = "fdm.build.requested"
	EventTableBuilt     = "fdm.table.built"
	EventTableHalted    = "fdm.table.halted"
	EventDatasetBuilt   = "fdm.dataset.built"
	EventBuildFailed    = "fdm.build.failed"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// BuildRequest asks for a pipeline run. Manifest carries an inline manifest
// document (JSON or YAML); otherwise ManifestPath names a file inside the
// service's manifest directory.
type BuildRequest struct {
	Manifest     json.RawMessage `json:"manifest,omitempty"`
	ManifestPath string          `json:"manifest_path,omitempty"`
	// Tables restricts the run to these aliases; the dataset step is skipped
	// unless every manifest table is included.
	Tables      []string `json:"tables,omitempty"`
	SkipDataset bool     `json:"skip_dataset,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

type BuildResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TableStatus is the schema-derived state of one built table.
type TableStatus struct {
	Table     string    `json:"table"`
	State     string    `json:"state"`
	Cached    string    `json:"cached_state,omitempty"`
	Rows      int64     `json:"rows"`
	CheckedAt time.Time `json:"checked_at"`
}
