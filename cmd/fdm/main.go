package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/fdm/pkg/checkpoint"
	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/common/database"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/manifest"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"github.com/synaptica-ai/fdm/pkg/warehouse/driver"
)

var (
	manifestPath string
	driverName   string
	cacheStates  bool
	verbose      bool
	concurrency  int
)

var rootCmd = &cobra.Command{
	Use:   "fdm",
	Short: "Build FDM linked tables and person datasets",
	Long: "fdm copies source tables into a dataset namespace, links every row to a person, normalizes " +
		"event dates and derives the person, observation period and outside-observation tables.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.InitCLI(verbose)
	},
}

// app bundles what every warehouse command needs.
type app struct {
	cfg      *config.Config
	manifest *manifest.Manifest
	gw       warehouse.Gateway
	runner   *pipeline.Runner
	runs     *runlog.Repository
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Entry().WithError(err).Warn("cleanup failed")
		}
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if driverName != "" {
		cfg.WarehouseDriver = driverName
	}
	path := manifestPath
	if path == "" {
		path = cfg.ManifestPath
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}

	gw, closeWarehouse, err := driver.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, manifest: m, gw: gw, closers: []func() error{closeWarehouse}}

	workers := cfg.BuildConcurrency
	if concurrency > 0 {
		workers = concurrency
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(logger.WithField("command", "fdm")),
		pipeline.WithConcurrency(workers),
		pipeline.WithReferenceYear(cfg.DateReferenceYear),
	}
	if cacheStates {
		rdb, err := database.NewRedis(ctx, cfg)
		if err != nil {
			rdb.Close()
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		opts = append(opts, pipeline.WithStateStore(checkpoint.NewRedisStore(rdb, checkpoint.WithTTL(cfg.StateCacheTTL))))
	}
	if cfg.RunLogEnabled {
		db, err := database.GetPostgres()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, database.ClosePostgres)
		a.runs = runlog.NewRepository(db)
		if err := a.runs.AutoMigrate(); err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, pipeline.WithRunLog(a.runs))
	}
	a.runner = pipeline.NewRunner(gw, m, opts...)
	return a, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "Path to the build manifest (default $FDM_MANIFEST or fdm.yaml)")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "", "Warehouse driver: bigquery, postgres or memory (default $WAREHOUSE_DRIVER)")
	rootCmd.PersistentFlags().BoolVar(&cacheStates, "cache-states", false, "Cache table states in Redis")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(validateCmd, runCmd, tableCmd, statusCmd, headCmd, namespaceCmd, runsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
