// Package driver opens the warehouse named by the configuration.
package driver

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/common/database"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"github.com/synaptica-ai/fdm/pkg/warehouse/bigquery"
	"github.com/synaptica-ai/fdm/pkg/warehouse/memory"
	"github.com/synaptica-ai/fdm/pkg/warehouse/postgres"
)

const (
	BigQuery = "bigquery"
	Postgres = "postgres"
	Memory   = "memory"
)

// Open returns the gateway and a func releasing it.
func Open(ctx context.Context, cfg *config.Config) (warehouse.Gateway, func() error, error) {
	switch cfg.WarehouseDriver {
	case BigQuery:
		wh, err := bigquery.New(ctx, bigquery.Config{
			Project:         cfg.BigQueryProject,
			Location:        cfg.BigQueryLocation,
			CredentialsFile: cfg.GoogleCredentials,
			AccessToken:     cfg.BigQueryAccessToken,
		})
		if err != nil {
			return nil, nil, err
		}
		return wh, wh.Close, nil
	case Postgres:
		db, err := database.GetPostgres()
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(db), database.ClosePostgres, nil
	case Memory:
		return memory.New(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown warehouse driver %q", cfg.WarehouseDriver)
	}
}
