package runlog

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusHalted    = "halted"
	StatusFailed    = "failed"
)

// BuildRun is one pipeline run over a manifest.
type BuildRun struct {
	ID          string            `gorm:"primaryKey;column:id" json:"id"`
	Project     string            `gorm:"column:project" json:"project,omitempty"`
	Namespace   string            `gorm:"column:namespace;index" json:"namespace"`
	Status      string            `gorm:"column:status;index" json:"status"`
	RequestedBy string            `gorm:"column:requested_by" json:"requested_by,omitempty"`
	Tables      datatypes.JSON    `gorm:"column:tables" json:"tables,omitempty"`
	Dataset     datatypes.JSON    `gorm:"column:dataset" json:"dataset,omitempty"`
	Stats       datatypes.JSONMap `gorm:"column:stats" json:"stats,omitempty"`
	Error       string            `gorm:"column:error" json:"error,omitempty"`
	StartedAt   time.Time         `gorm:"column:started_at" json:"started_at"`
	CompletedAt *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableRun records the outcome of one table build within a run.
type TableRun struct {
	ID            string            `gorm:"primaryKey;column:id" json:"id"`
	RunID         string            `gorm:"column:run_id;index" json:"run_id"`
	Table         string            `gorm:"column:table_ref" json:"table"`
	State         string            `gorm:"column:state" json:"state"`
	LinkedBy      string            `gorm:"column:linked_by" json:"linked_by,omitempty"`
	Rows          int64             `gorm:"column:rows" json:"rows"`
	UnlinkedRows  int64             `gorm:"column:unlinked_rows" json:"unlinked_rows"`
	UnparsedDates int64             `gorm:"column:unparsed_dates" json:"unparsed_dates"`
	Warnings      datatypes.JSON    `gorm:"column:warnings" json:"warnings,omitempty"`
	Attributes    datatypes.JSONMap `gorm:"column:attributes" json:"attributes,omitempty"`
	Error         string            `gorm:"column:error" json:"error,omitempty"`
	CreatedAt     time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (BuildRun) TableName() string {
	return "fdm_build_runs"
}

func (TableRun) TableName() string {
	return "fdm_table_runs"
}
