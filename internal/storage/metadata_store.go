package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/runmeta"
)

// ErrMetadataStoreFailed wraps process metadata persistence failures.
var ErrMetadataStoreFailed = errors.New("metadata store operation failed")

// MetadataStore implements runmeta.Store against the process_metadata table.
type MetadataStore struct {
	conn   *Connection
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ runmeta.Store = (*MetadataStore)(nil)

// NewMetadataStore creates a Postgres-backed process metadata store.
func NewMetadataStore(conn *Connection) (*MetadataStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &MetadataStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Save implements runmeta.Store.
func (s *MetadataStore) Save(ctx context.Context, metadata *runmeta.ProcessMetadata) error {
	if metadata == nil {
		return runmeta.ErrNilMetadata
	}

	details, err := json.Marshal(metadata.Details)
	if err != nil {
		return fmt.Errorf("%w: marshal details: %w", ErrMetadataStoreFailed, err)
	}

	query := `
		INSERT INTO process_metadata (
			process_name, environment, run_id, process_timestamp,
			region_dataset, region_dataset_modified,
			district_dataset, district_dataset_modified,
			process_status, records_processed, records_updated,
			processing_duration_ms, error_message, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.conn.ExecContext(ctx, query,
		metadata.ProcessName,
		metadata.Environment,
		metadata.RunID,
		metadata.ProcessTimestamp.UTC(),
		metadata.RegionDataset,
		nullableTime(metadata.RegionDatasetModified),
		metadata.DistrictDataset,
		nullableTime(metadata.DistrictDatasetModified),
		metadata.ProcessStatus.String(),
		metadata.RecordsProcessed,
		metadata.RecordsUpdated,
		metadata.ProcessingDuration.Milliseconds(),
		nullableString(metadata.ErrorMessage),
		details,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %w", ErrMetadataStoreFailed, err)
	}

	s.logger.Debug("process metadata saved",
		slog.String("process", metadata.ProcessName),
		slog.String("run_id", metadata.RunID),
	)

	return nil
}

// Latest implements runmeta.Store: the most recent Success-status record for
// the process/environment series.
func (s *MetadataStore) Latest(
	ctx context.Context,
	processName, environment string,
) (*runmeta.ProcessMetadata, bool, error) {
	query := `
		SELECT process_name, environment, run_id, process_timestamp,
		       region_dataset, region_dataset_modified,
		       district_dataset, district_dataset_modified,
		       process_status, records_processed, records_updated,
		       processing_duration_ms, COALESCE(error_message, ''), details
		FROM process_metadata
		WHERE process_name = $1 AND environment = $2 AND process_status = $3
		ORDER BY process_timestamp DESC
		LIMIT 1`

	row := s.conn.QueryRowContext(ctx, query, processName, environment, runmeta.StatusSuccess.String())

	var (
		metadata         runmeta.ProcessMetadata
		status           string
		regionModified   sql.NullTime
		districtModified sql.NullTime
		durationMillis   int64
		rawDetails       []byte
	)

	err := row.Scan(
		&metadata.ProcessName,
		&metadata.Environment,
		&metadata.RunID,
		&metadata.ProcessTimestamp,
		&metadata.RegionDataset,
		&regionModified,
		&metadata.DistrictDataset,
		&districtModified,
		&status,
		&metadata.RecordsProcessed,
		&metadata.RecordsUpdated,
		&durationMillis,
		&metadata.ErrorMessage,
		&rawDetails,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: latest: %w", ErrMetadataStoreFailed, err)
	}

	metadata.ProcessStatus = runmeta.ProcessStatus(status)
	metadata.ProcessTimestamp = metadata.ProcessTimestamp.UTC()
	metadata.ProcessingDuration = time.Duration(durationMillis) * time.Millisecond

	if regionModified.Valid {
		ts := regionModified.Time.UTC()
		metadata.RegionDatasetModified = &ts
	}

	if districtModified.Valid {
		ts := districtModified.Time.UTC()
		metadata.DistrictDatasetModified = &ts
	}

	if len(rawDetails) > 0 {
		if err := json.Unmarshal(rawDetails, &metadata.Details); err != nil {
			// Details are diagnostic only; a corrupt blob does not block the
			// baseline lookup.
			s.logger.Warn("process metadata details unreadable",
				slog.String("run_id", metadata.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	return &metadata, true, nil
}

// Prune implements runmeta.Store, deleting all but the newest keep rows.
func (s *MetadataStore) Prune(ctx context.Context, processName, environment string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM process_metadata
		WHERE process_name = $1 AND environment = $2
		  AND id NOT IN (
			SELECT id FROM process_metadata
			WHERE process_name = $1 AND environment = $2
			ORDER BY process_timestamp DESC
			LIMIT $3
		  )`

	result, err := s.conn.ExecContext(ctx, query, processName, environment, keep)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", ErrMetadataStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", ErrMetadataStoreFailed, err)
	}

	return int(affected), nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}
