// Package main provides the CAMS weed location assignment pipeline CLI.
//
// One invocation performs one run: change detection against the last
// successful run's baseline, spatial assignment of region and district codes,
// batched write-back with rollback protection, and gated metadata recording.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/assignment"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/pipeline"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/runmeta"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "assigner"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting weed location assigner",
		slog.String("service", name),
		slog.String("version", version),
	)

	options, err := config.LoadOptionsFromEnv()
	if err != nil {
		logger.Error("Invalid options", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded pipeline options",
		slog.Int("batch_size", options.BatchSize),
		slog.Float64("full_reprocess_percentage", options.FullReprocessPercentage),
		slog.Float64("incremental_threshold_percentage", options.IncrementalThresholdPercentage),
		slog.Int("max_incremental_records", options.MaxIncrementalRecords),
		slog.Bool("rollback_on_partial_failure", options.RollbackOnPartialFailure),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close() // Ensure connection closes on normal shutdown
	}()

	report, err := run(conn, options, logger)
	if err != nil {
		logger.Error("Pipeline run failed", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	printSummary(report)
}

// run wires the stores, recorder, and pipeline, then executes one run under
// signal-aware cancellation.
func run(conn *storage.Connection, options *config.Options, logger *slog.Logger) (*pipeline.RunReport, error) {
	weedStore, err := storage.NewWeedStore(conn)
	if err != nil {
		return nil, fmt.Errorf("build weed store: %w", err)
	}

	metadataStore, err := storage.NewMetadataStore(conn)
	if err != nil {
		return nil, fmt.Errorf("build metadata store: %w", err)
	}

	limiter := rate.NewLimiter(
		rate.Limit(config.GetEnvFloat64("CAMS_STORE_RATE_LIMIT", 20)),
		config.GetEnvInt("CAMS_STORE_RATE_BURST", 40),
	)

	client, err := featurestore.NewResilientClient(weedStore, featurestore.DefaultRetryPolicy(), limiter)
	if err != nil {
		return nil, fmt.Errorf("build store client: %w", err)
	}

	processName := config.GetEnvStr("CAMS_PROCESS_NAME", "weed-location-assignment")
	environment := config.GetEnvStr("CAMS_ENVIRONMENT", "production")

	recorder, err := runmeta.NewRecorder(metadataStore, processName, environment, options.SuccessThreshold)
	if err != nil {
		return nil, fmt.Errorf("build recorder: %w", err)
	}

	datasets := pipeline.Datasets{
		Target: config.GetEnvStr("CAMS_TARGET_DATASET", "weed_locations"),
		Regions: assignment.BoundaryHandle{
			Dataset:   config.GetEnvStr("CAMS_REGION_DATASET", "region_boundaries"),
			CodeField: config.GetEnvStr("CAMS_REGION_CODE_FIELD", "region_code"),
		},
		Districts: assignment.BoundaryHandle{
			Dataset:   config.GetEnvStr("CAMS_DISTRICT_DATASET", "district_boundaries"),
			CodeField: config.GetEnvStr("CAMS_DISTRICT_CODE_FIELD", "district_code"),
		},
	}

	publisher := pipeline.NewPublisherFromEnv()

	defer func() {
		_ = publisher.Close()
	}()

	if publisher != nil {
		logger.Info("Run summary publishing enabled")
	}

	runner, err := pipeline.New(client, recorder, options, datasets, pipeline.WithPublisher(publisher))
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx)
}

// printSummary writes the operator-facing console summary.
func printSummary(report *pipeline.RunReport) {
	fmt.Printf("Run %s: %s\n", report.RunID, report.Decision.ProcessingType)
	fmt.Printf("  records processed: %d\n", report.Update.TotalAttempted)
	fmt.Printf("  records updated:   %d\n", report.Update.TotalUpdated)
	fmt.Printf("  records failed:    %d\n", report.Update.TotalFailed)
	fmt.Printf("  duration:          %s\n", report.Duration)

	if report.Update.RollbackOccurred {
		fmt.Println("  NOTE: one or more batches were rolled back (success rate below threshold)")
	}

	if !report.MetadataWritten {
		fmt.Println("  NOTE: run metadata not recorded; next run keeps the previous baseline")
	}
}
