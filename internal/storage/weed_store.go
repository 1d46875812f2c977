package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/config"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
)

// Sentinel errors for weed store operations.
var (
	// ErrWeedStoreFailed wraps query and write failures against the weed store.
	ErrWeedStoreFailed = errors.New("weed store operation failed")

	// ErrIdentifierInvalid is returned when a dataset or field name is not a
	// safe SQL identifier. Dataset and code-field names come from
	// configuration, never user input, but they are interpolated into SQL and
	// validated accordingly.
	ErrIdentifierInvalid = errors.New("invalid dataset or field identifier")
)

// WeedStore implements featurestore.Client against PostGIS.
//
// Dataset names map directly to table names. Weed record tables carry
// objectid, global_id, region_code, district_code, edit_timestamp and geom
// columns; boundary tables carry a code column, name, last_modified and geom.
type WeedStore struct {
	conn   *Connection
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ featurestore.Client = (*WeedStore)(nil)

// identifierPattern accepts conventional lower-case PostgreSQL identifiers.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// NewWeedStore creates a PostGIS-backed weed record store.
func NewWeedStore(conn *Connection) (*WeedStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &WeedStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Count implements featurestore.Client.
func (s *WeedStore) Count(ctx context.Context, dataset string, predicate featurestore.Predicate) (int, error) {
	if err := validateIdentifier(dataset); err != nil {
		return 0, err
	}

	where, args := buildPredicate(predicate)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, dataset, where)

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrWeedStoreFailed, dataset, err)
	}

	return count, nil
}

// Query implements featurestore.Client. Results are ordered by objectid so
// offset paging is deterministic within a run.
func (s *WeedStore) Query(ctx context.Context, spec featurestore.QuerySpec) ([]cams.TargetRecord, error) {
	if err := validateIdentifier(spec.Dataset); err != nil {
		return nil, err
	}

	columns := "objectid, global_id, COALESCE(region_code, ''), COALESCE(district_code, ''), edit_timestamp"
	if spec.IncludeGeometry {
		columns += ", ST_AsGeoJSON(geom)"
	}

	where, args := buildPredicate(spec.Predicate)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY objectid`, columns, spec.Dataset, where)

	if spec.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", spec.Limit)
	}

	if spec.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", spec.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrWeedStoreFailed, spec.Dataset, err)
	}
	defer func() { _ = rows.Close() }()

	var records []cams.TargetRecord

	for rows.Next() {
		record, err := scanRecord(rows, spec.IncludeGeometry)
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrWeedStoreFailed, spec.Dataset, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrWeedStoreFailed, spec.Dataset, err)
	}

	return records, nil
}

// BatchWrite implements featurestore.Client. All updates run inside one
// transaction so a connection loss mid-batch leaves no partial writes; an
// update matching no row is reported per record, not as a batch failure.
func (s *WeedStore) BatchWrite(
	ctx context.Context,
	dataset string,
	updates []featurestore.FieldUpdate,
) ([]featurestore.WriteResult, error) {
	if err := validateIdentifier(dataset); err != nil {
		return nil, err
	}

	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrWeedStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	results := make([]featurestore.WriteResult, len(updates))

	for i, update := range updates {
		result, err := s.applyUpdate(ctx, tx, dataset, update)
		if err != nil {
			// A statement error aborts the Postgres transaction, so it cannot
			// stay a per-record outcome; the whole batch fails.
			return nil, fmt.Errorf("%w: object %d: %w", ErrWeedStoreFailed, update.ObjectID, err)
		}

		results[i] = result
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrWeedStoreFailed, err)
	}

	succeeded := 0

	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}

	s.logger.Debug("batch write committed",
		slog.String("dataset", dataset),
		slog.Int("updates", len(updates)),
		slog.Int("succeeded", succeeded),
	)

	return results, nil
}

// SpatialQuery implements featurestore.Client: boundary features whose polygon
// intersects the geometry, with the requested code column populated.
func (s *WeedStore) SpatialQuery(
	ctx context.Context,
	dataset string,
	geometry *cams.Geometry,
	codeField string,
) ([]featurestore.BoundaryFeature, error) {
	if err := validateIdentifier(dataset); err != nil {
		return nil, err
	}

	if err := validateIdentifier(codeField); err != nil {
		return nil, err
	}

	document, err := encodeGeometry(geometry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWeedStoreFailed, err)
	}

	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COALESCE(name, '')
		 FROM %s
		 WHERE ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($1), ST_SRID(geom)))`,
		codeField, dataset,
	)

	rows, err := s.conn.QueryContext(ctx, query, document)
	if err != nil {
		return nil, fmt.Errorf("%w: spatial query %s: %w", ErrWeedStoreFailed, dataset, err)
	}
	defer func() { _ = rows.Close() }()

	var features []featurestore.BoundaryFeature

	for rows.Next() {
		var feature featurestore.BoundaryFeature
		if err := rows.Scan(&feature.Code, &feature.Name); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrWeedStoreFailed, dataset, err)
		}

		features = append(features, feature)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrWeedStoreFailed, dataset, err)
	}

	return features, nil
}

// LastModified implements featurestore.Client against a boundary table's
// last_modified column. An empty table returns nil without error.
func (s *WeedStore) LastModified(ctx context.Context, dataset string) (*time.Time, error) {
	if err := validateIdentifier(dataset); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT MAX(last_modified) FROM %s`, dataset)

	var stamp sql.NullTime
	if err := s.conn.QueryRowContext(ctx, query).Scan(&stamp); err != nil {
		return nil, fmt.Errorf("%w: last modified %s: %w", ErrWeedStoreFailed, dataset, err)
	}

	if !stamp.Valid {
		return nil, nil
	}

	modified := stamp.Time.UTC()

	return &modified, nil
}

// applyUpdate executes one record's UPDATE. A returned error is a statement
// failure that aborts the transaction; a missing record is reported in the
// result only.
func (s *WeedStore) applyUpdate(
	ctx context.Context,
	tx *sql.Tx,
	dataset string,
	update featurestore.FieldUpdate,
) (featurestore.WriteResult, error) {
	result := featurestore.WriteResult{ObjectID: update.ObjectID}

	setClauses := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)

	if update.SetRegion {
		args = append(args, nullableCode(update.RegionCode))
		setClauses = append(setClauses, fmt.Sprintf("region_code = $%d", len(args)))
	}

	if update.SetDistrict {
		args = append(args, nullableCode(update.DistrictCode))
		setClauses = append(setClauses, fmt.Sprintf("district_code = $%d", len(args)))
	}

	if len(setClauses) == 0 {
		result.Success = true
		result.Message = "no fields to update"

		return result, nil
	}

	args = append(args, update.ObjectID)
	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE objectid = $%d",
		dataset, strings.Join(setClauses, ", "), len(args),
	)

	execResult, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return result, err
	}

	affected, err := execResult.RowsAffected()
	if err != nil {
		return result, err
	}

	if affected == 0 {
		result.Message = fmt.Sprintf("record %d not found", update.ObjectID)

		return result, nil
	}

	result.Success = true

	return result, nil
}

// buildPredicate renders a featurestore.Predicate as a WHERE clause with
// positional args. Empty predicate returns an empty clause.
func buildPredicate(predicate featurestore.Predicate) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)

	if predicate.EditedAfter != nil {
		args = append(args, *predicate.EditedAfter)
		clauses = append(clauses, fmt.Sprintf("edit_timestamp > $%d", len(args)))
	}

	if len(predicate.ObjectIDs) > 0 {
		args = append(args, pq.Array(predicate.ObjectIDs))
		clauses = append(clauses, fmt.Sprintf("objectid = ANY($%d)", len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanRecord reads one weed record row, with or without its geometry column.
func scanRecord(rows *sql.Rows, includeGeometry bool) (cams.TargetRecord, error) {
	var (
		record        cams.TargetRecord
		editTimestamp sql.NullTime
		geometryDoc   sql.NullString
	)

	dest := []interface{}{
		&record.ObjectID,
		&record.GlobalID,
		&record.RegionCode,
		&record.DistrictCode,
		&editTimestamp,
	}
	if includeGeometry {
		dest = append(dest, &geometryDoc)
	}

	if err := rows.Scan(dest...); err != nil {
		return cams.TargetRecord{}, err
	}

	if editTimestamp.Valid {
		ts := editTimestamp.Time.UTC()
		record.EditTimestamp = &ts
	}

	if includeGeometry && geometryDoc.Valid && geometryDoc.String != "" {
		geometry, err := decodeGeometry(geometryDoc.String)
		if err != nil {
			// A malformed geometry column is a data problem for one record,
			// not a query failure. The record flows on geometry-less and the
			// assignment engine routes it to geometry repair.
			record.Geometry = nil
		} else {
			record.Geometry = geometry
		}
	}

	return record, nil
}

// nullableCode maps an empty code to SQL NULL (the rollback path writes NULL).
func nullableCode(code string) interface{} {
	if code == "" {
		return nil
	}

	return code
}

// validateIdentifier rejects dataset and column names that cannot be safely
// interpolated into SQL text.
func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrIdentifierInvalid, name)
	}

	return nil
}

// WaitForHealthy polls the connection until it responds or the timeout lapses.
// Used at pipeline startup so a briefly-restarting database does not fail the
// whole run.
func (s *WeedStore) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		err := s.conn.HealthCheck(ctx)
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return err
		}

		s.logger.Warn("weed store not healthy yet, retrying", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
