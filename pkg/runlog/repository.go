// Package runlog keeps an audit trail of pipeline runs in Postgres.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("build run not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&BuildRun{}, &TableRun{})
}

// Start records a new running build and returns its id.
func (r *Repository) Start(ctx context.Context, project, namespace, requestedBy string) (*BuildRun, error) {
	run := &BuildRun{
		ID:          uuid.New().String(),
		Project:     project,
		Namespace:   namespace,
		Status:      StatusRunning,
		RequestedBy: requestedBy,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repository) RecordTable(ctx context.Context, table *TableRun) error {
	if table.ID == "" {
		table.ID = uuid.New().String()
	}
	table.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(table).Error
}

// Finish closes a run with its final status. dataset is stored as JSON.
func (r *Repository) Finish(ctx context.Context, runID, status string, dataset any, stats map[string]interface{}, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": &now,
		"stats":        datatypes.JSONMap(stats),
	}
	if dataset != nil {
		raw, err := json.Marshal(dataset)
		if err != nil {
			return fmt.Errorf("encode dataset report: %w", err)
		}
		updates["dataset"] = datatypes.JSON(raw)
	}
	if runErr != nil {
		updates["error"] = runErr.Error()
	}
	result := r.db.WithContext(ctx).Model(&BuildRun{}).Where("id = ?", runID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, runID string) (*BuildRun, []TableRun, error) {
	var run BuildRun
	result := r.db.WithContext(ctx).Where("id = ?", runID).First(&run)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil, ErrRunNotFound
	}
	if result.Error != nil {
		return nil, nil, result.Error
	}
	var tables []TableRun
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&tables).Error; err != nil {
		return nil, nil, err
	}
	return &run, tables, nil
}

func (r *Repository) Recent(ctx context.Context, namespace string, limit int) ([]BuildRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var runs []BuildRun
	return runs, q.Find(&runs).Error
}
