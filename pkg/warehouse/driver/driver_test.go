package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/warehouse/memory"
)

func TestOpenMemory(t *testing.T) {
	gw, closeFn, err := Open(context.Background(), &config.Config{WarehouseDriver: Memory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Warehouse{}, gw)
	assert.NoError(t, closeFn())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{WarehouseDriver: "sqlite"})
	assert.ErrorContains(t, err, `unknown warehouse driver "sqlite"`)
}

func TestOpenBigQueryNeedsProject(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{WarehouseDriver: BigQuery})
	assert.ErrorContains(t, err, "project is required")
}
