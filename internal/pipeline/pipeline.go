// Package pipeline orchestrates one end-to-end assignment run: change
// detection, spatial assignment, batched write-back, and gated metadata
// recording, with an optional Kafka run summary for downstream dashboards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/assignment"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/detection"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/runmeta"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/updater"
)

// Sentinel errors for pipeline construction.
var (
	// ErrNilStoreClient is returned when the pipeline is built without a store client.
	ErrNilStoreClient = errors.New("store client cannot be nil")

	// ErrNilRecorder is returned when the pipeline is built without a metadata recorder.
	ErrNilRecorder = errors.New("metadata recorder cannot be nil")

	// ErrDatasetEmpty is returned when a dataset name is missing.
	ErrDatasetEmpty = errors.New("dataset names cannot be empty")
)

type (
	// Datasets names the three datasets one run operates on.
	Datasets struct {
		// Target is the weed location dataset being assigned.
		Target string

		// Regions and Districts are the boundary lookups with their code
		// fields.
		Regions   assignment.BoundaryHandle
		Districts assignment.BoundaryHandle
	}

	// RunReport is the outcome of one pipeline run, returned to the CLI for
	// the console summary.
	RunReport struct {
		// RunID is the run's UUID.
		RunID string

		// Decision is the change detector's verdict.
		Decision detection.ProcessingDecision

		// Assignments is the number of assignments computed.
		Assignments int

		// Update aggregates the write-back outcome.
		Update updater.SpatialUpdateResult

		// Metrics is a snapshot of the run's assignment metrics.
		Metrics assignment.Metrics

		// MetadataWritten is true when the run passed the fail-safe gate and
		// its metadata became the next baseline.
		MetadataWritten bool

		// Status is the run's terminal status.
		Status runmeta.ProcessStatus

		// Duration is total wall time for the run.
		Duration time.Duration
	}

	// Pipeline wires the four stages together over one store client.
	Pipeline struct {
		client    featurestore.Client
		recorder  *runmeta.Recorder
		opts      *config.Options
		datasets  Datasets
		publisher *Publisher
		logger    *slog.Logger
	}

	// Option configures optional Pipeline behavior.
	Option func(*Pipeline)
)

// WithPublisher attaches a run summary publisher. A nil publisher is allowed
// and disables publishing.
func WithPublisher(p *Publisher) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

// New creates a pipeline. The recorder doubles as the change-detection
// baseline source, closing the loop between consecutive runs.
func New(
	client featurestore.Client,
	recorder *runmeta.Recorder,
	opts *config.Options,
	datasets Datasets,
	pipelineOpts ...Option,
) (*Pipeline, error) {
	if client == nil {
		return nil, ErrNilStoreClient
	}

	if recorder == nil {
		return nil, ErrNilRecorder
	}

	if datasets.Target == "" || datasets.Regions.Dataset == "" || datasets.Districts.Dataset == "" {
		return nil, ErrDatasetEmpty
	}

	if opts == nil {
		opts = config.DefaultOptions()
	}

	pipeline := &Pipeline{
		client:   client,
		recorder: recorder,
		opts:     opts,
		datasets: datasets,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range pipelineOpts {
		opt(pipeline)
	}

	return pipeline, nil
}

// Run executes one full pipeline run. The returned error covers construction
// and cancellation failures only; data-level failures (lookup errors, write
// failures, rollbacks) are reported inside the RunReport and through logs.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	started := time.Now()
	runCtx := assignment.NewRunContext(p.datasets.Regions, p.datasets.Districts)

	p.logger.Info("Pipeline run starting",
		slog.String("run_id", runCtx.RunID),
		slog.String("target_dataset", p.datasets.Target),
	)

	detector, err := detection.NewDetector(p.client, p.recorder, p.datasets.Target, p.opts)
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}

	decision := detector.Decide(ctx)

	report := &RunReport{
		RunID:    runCtx.RunID,
		Decision: decision,
		Status:   runmeta.StatusSuccess,
	}

	if !decision.ProcessingType.RequiresProcessing() {
		// No metadata is written for a no-op run: records sitting below the
		// incremental threshold must stay visible to the next run's baseline
		// until a run actually processes them.
		report.Duration = time.Since(started)

		p.logger.Info("No processing needed",
			slog.String("run_id", runCtx.RunID),
			slog.String("reasoning", decision.Reasoning),
		)

		p.publishSummary(ctx, report, started)

		return report, nil
	}

	engine, err := assignment.NewEngine(p.client, p.datasets.Target, p.opts)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	assignments, metrics, batches, engineErr := engine.Process(ctx, runCtx, decision)

	if engineErr != nil {
		report.Status = runmeta.StatusError
	}

	report.Assignments = len(assignments)

	if len(assignments) > 0 && engineErr == nil {
		coordinator, err := updater.NewCoordinator(
			p.client, p.datasets.Target, p.opts,
			updater.WithMetrics(metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("build coordinator: %w", err)
		}

		report.Update = coordinator.Apply(ctx, assignments)
	}

	report.Metrics = metrics.Snapshot()
	report.Duration = time.Since(started)

	p.recordMetadata(ctx, report, runCtx.RunID, started, decision, batches, engineErr)
	p.logRunSummary(report)
	p.publishSummary(ctx, report, started)

	return report, engineErr
}

// recordMetadata assembles and conditionally persists the run's metadata.
func (p *Pipeline) recordMetadata(
	ctx context.Context,
	report *RunReport,
	runID string,
	started time.Time,
	decision detection.ProcessingDecision,
	batches []assignment.BatchResult,
	engineErr error,
) {
	errorMessage := ""
	if engineErr != nil {
		errorMessage = engineErr.Error()
	}

	details := map[string]interface{}{
		"processing_type":    decision.ProcessingType.String(),
		"reasoning":          decision.Reasoning,
		"assignment_batches": len(batches),
		"cache_hit_rate":     report.Metrics.CacheHitRate(),
		"rollback_occurred":  report.Update.RollbackOccurred,
		"records_failed":     report.Update.TotalFailed,
	}

	metadata := p.recorder.Create(
		runID,
		started,
		report.Status,
		report.Update.TotalAttempted,
		report.Update.TotalUpdated,
		errorMessage,
		details,
	)
	metadata.RegionDataset = p.datasets.Regions.Dataset
	metadata.DistrictDataset = p.datasets.Districts.Dataset
	metadata.RegionDatasetModified = p.datasetModified(ctx, p.datasets.Regions.Dataset)
	metadata.DistrictDatasetModified = p.datasetModified(ctx, p.datasets.Districts.Dataset)

	written, err := p.recorder.WriteOnSuccess(ctx, metadata)
	if err != nil {
		p.logger.Error("Metadata write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	report.MetadataWritten = written
}

// datasetModified reads a boundary dataset's modification stamp for the
// metadata audit trail. Best effort: a failed read leaves the stamp nil
// rather than failing the run.
func (p *Pipeline) datasetModified(ctx context.Context, dataset string) *time.Time {
	stamp, err := p.client.LastModified(ctx, dataset)
	if err != nil {
		p.logger.Warn("Boundary dataset modification stamp unavailable",
			slog.String("dataset", dataset),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return stamp
}

// logRunSummary emits the operator-facing end-of-run summary.
func (p *Pipeline) logRunSummary(report *RunReport) {
	attrs := []interface{}{
		slog.String("run_id", report.RunID),
		slog.String("processing_type", report.Decision.ProcessingType.String()),
		slog.Int("records_processed", report.Update.TotalAttempted),
		slog.Int("records_updated", report.Update.TotalUpdated),
		slog.Int("records_failed", report.Update.TotalFailed),
		slog.Float64("cache_hit_rate", report.Metrics.CacheHitRate()),
		slog.Bool("metadata_written", report.MetadataWritten),
		slog.Duration("duration", report.Duration),
	}

	if report.Update.RollbackOccurred {
		rolledBack := 0

		for _, batch := range report.Update.Batches {
			if batch.State == updater.BatchRolledBack {
				rolledBack++
			}
		}

		attrs = append(attrs, slog.Int("batches_rolled_back", rolledBack))

		p.logger.Warn("Pipeline run finished with rollback", attrs...)

		return
	}

	p.logger.Info("Pipeline run finished", attrs...)
}

// publishSummary emits the Kafka run summary. Failures are logged, never fatal.
func (p *Pipeline) publishSummary(ctx context.Context, report *RunReport, started time.Time) {
	if p.publisher == nil {
		return
	}

	summary := &RunSummary{
		RunID:            report.RunID,
		ProcessName:      p.recorder.ProcessName(),
		Environment:      p.recorder.Environment(),
		ProcessingType:   report.Decision.ProcessingType.String(),
		Status:           report.Status.String(),
		RecordsProcessed: report.Update.TotalAttempted,
		RecordsUpdated:   report.Update.TotalUpdated,
		RecordsFailed:    report.Update.TotalFailed,
		RollbackOccurred: report.Update.RollbackOccurred,
		CacheHitRate:     report.Metrics.CacheHitRate(),
		MetadataWritten:  report.MetadataWritten,
		DurationMillis:   report.Duration.Milliseconds(),
		Timestamp:        started.UTC().Format(time.RFC3339),
	}

	if err := p.publisher.Publish(ctx, summary); err != nil {
		p.logger.Warn("Run summary publish failed",
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
	}
}
