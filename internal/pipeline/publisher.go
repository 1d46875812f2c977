package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
)

const (
	// BrokersEnvVar lists the Kafka brokers the run summary publisher uses.
	// Publishing is disabled when unset.
	BrokersEnvVar = "CAMS_KAFKA_BROKERS"

	// TopicEnvVar overrides the run summary topic.
	TopicEnvVar = "CAMS_KAFKA_TOPIC"

	// DefaultSummaryTopic receives one JSON summary event per pipeline run.
	DefaultSummaryTopic = "cams.weed-assignment.runs"

	publishTimeout = 10 * time.Second
)

// ErrNilSummary is returned when a nil summary is published.
var ErrNilSummary = errors.New("run summary cannot be nil")

type (
	// RunSummary is the JSON event published after each run for downstream
	// dashboards.
	RunSummary struct {
		RunID            string  `json:"run_id"`
		ProcessName      string  `json:"process_name"`
		Environment      string  `json:"environment"`
		ProcessingType   string  `json:"processing_type"`
		Status           string  `json:"status"`
		RecordsProcessed int     `json:"records_processed"`
		RecordsUpdated   int     `json:"records_updated"`
		RecordsFailed    int     `json:"records_failed"`
		RollbackOccurred bool    `json:"rollback_occurred"`
		CacheHitRate     float64 `json:"cache_hit_rate"`
		MetadataWritten  bool    `json:"metadata_written"`
		DurationMillis   int64   `json:"duration_ms"`
		Timestamp        string  `json:"timestamp"`
	}

	// SummaryWriter is the slice of kafka.Writer the publisher needs,
	// extracted so unit tests can substitute an in-memory writer.
	SummaryWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Publisher emits run summaries to Kafka. A nil Publisher is valid and
	// publishes nothing, so callers never branch on configuration.
	Publisher struct {
		writer SummaryWriter
		logger *slog.Logger
	}
)

// NewPublisher creates a publisher over the given writer.
func NewPublisher(writer SummaryWriter) *Publisher {
	if writer == nil {
		return nil
	}

	return &Publisher{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// NewPublisherFromEnv builds a Kafka-backed publisher from CAMS_KAFKA_BROKERS,
// or nil when publishing is not configured.
func NewPublisherFromEnv() *Publisher {
	brokers := config.GetEnvStr(BrokersEnvVar, "")
	if brokers == "" {
		return nil
	}

	topic := config.GetEnvStr(TopicEnvVar, DefaultSummaryTopic)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return NewPublisher(writer)
}

// Publish sends one run summary, keyed by run id. Failures are returned for
// logging but must never fail the run.
func (p *Publisher) Publish(ctx context.Context, summary *RunSummary) error {
	if p == nil {
		return nil
	}

	if summary == nil {
		return ErrNilSummary
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.RunID),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish run summary: %w", err)
	}

	p.logger.Debug("run summary published", slog.String("run_id", summary.RunID))

	return nil
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}

	return p.writer.Close()
}
