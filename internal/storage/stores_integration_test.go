package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/featurestore"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/runmeta"
	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/migrations"
)

// setupTestDatabase creates a PostGIS testcontainer and runs migrations.
func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	postgresContainer, err := pgcontainer.Run(ctx,
		"postgis/postgis:16-3.4",
		pgcontainer.WithDatabase("cams_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second), // Extended timeout for dev containers
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	if postgresContainer == nil {
		t.Fatalf("postgres container is nil")
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := NewConnection(NewConfig(connStr)) //nolint:contextcheck
	if err != nil {
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := runTestMigrations(conn); err != nil {
		_ = conn.Close()
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to run migrations: %v", err)
	}

	return postgresContainer, conn
}

// runTestMigrations applies the embedded migration set to the test database.
func runTestMigrations(conn *Connection) error {
	set := migrations.New(nil)
	if err := set.Validate(); err != nil {
		return fmt.Errorf("validate migrations: %w", err)
	}

	source, err := iofs.New(set.FS(), ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(conn.DB(), &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// seedWeedLocation inserts one weed record with a point geometry.
func seedWeedLocation(ctx context.Context, t *testing.T, conn *Connection, objectID int64, x, y float64, edited time.Time) {
	t.Helper()

	_, err := conn.ExecContext(ctx,
		`INSERT INTO weed_locations (objectid, global_id, edit_timestamp, geom)
		 VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326))`,
		objectID, uuid.NewString(), edited, x, y,
	)
	require.NoError(t, err)
}

// seedBoundary inserts one rectangular boundary polygon.
func seedBoundary(ctx context.Context, t *testing.T, conn *Connection, table, codeColumn, code, name string, minX, minY, maxX, maxY float64) {
	t.Helper()

	wkt := fmt.Sprintf("POLYGON((%[1]f %[2]f, %[3]f %[2]f, %[3]f %[4]f, %[1]f %[4]f, %[1]f %[2]f))",
		minX, minY, maxX, maxY)

	query := fmt.Sprintf(
		`INSERT INTO %s (%s, name, geom) VALUES ($1, $2, ST_Multi(ST_GeomFromText($3, 4326)))`,
		table, codeColumn,
	)

	_, err := conn.ExecContext(ctx, query, code, name, wkt)
	require.NoError(t, err)
}

func TestWeedStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, conn := setupTestDatabase(ctx, t)
	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewWeedStore(conn)
	require.NoError(t, err)

	baseline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seedWeedLocation(ctx, t, conn, 1, 174.7633, -36.8485, baseline.Add(-time.Hour))
	seedWeedLocation(ctx, t, conn, 2, 174.7700, -36.8500, baseline.Add(time.Hour))
	seedWeedLocation(ctx, t, conn, 3, 170.5000, -45.8700, baseline.Add(2*time.Hour))

	seedBoundary(ctx, t, conn, "region_boundaries", "region_code",
		"AK", "Auckland", 174.0, -37.5, 175.5, -36.0)
	seedBoundary(ctx, t, conn, "district_boundaries", "district_code",
		"AKL01", "Auckland Central", 174.0, -37.5, 175.5, -36.0)

	t.Run("count with and without predicate", func(t *testing.T) {
		total, err := store.Count(ctx, "weed_locations", featurestore.Predicate{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)

		modified, err := store.Count(ctx, "weed_locations", featurestore.Predicate{EditedAfter: &baseline})
		require.NoError(t, err)
		assert.Equal(t, 2, modified)
	})

	t.Run("query orders by objectid and pages", func(t *testing.T) {
		records, err := store.Query(ctx, featurestore.QuerySpec{Dataset: "weed_locations"})
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, int64(1), records[0].ObjectID)
		assert.Nil(t, records[0].Geometry)

		page, err := store.Query(ctx, featurestore.QuerySpec{Dataset: "weed_locations", Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2), page[0].ObjectID)
	})

	t.Run("query returns geometry on request", func(t *testing.T) {
		records, err := store.Query(ctx, featurestore.QuerySpec{
			Dataset:         "weed_locations",
			Predicate:       featurestore.Predicate{ObjectIDs: []int64{1}},
			IncludeGeometry: true,
		})

		require.NoError(t, err)
		require.Len(t, records, 1)
		require.NotNil(t, records[0].Geometry)
		require.NotNil(t, records[0].Geometry.Point)
		assert.InDelta(t, 174.7633, records[0].Geometry.Point.X, 0.000001)
		assert.InDelta(t, -36.8485, records[0].Geometry.Point.Y, 0.000001)
	})

	t.Run("spatial query finds intersecting boundary", func(t *testing.T) {
		auckland := &cams.Geometry{
			Type:  cams.GeometryPoint,
			Point: &cams.Coordinate{X: 174.7633, Y: -36.8485},
		}

		features, err := store.SpatialQuery(ctx, "region_boundaries", auckland, "region_code")
		require.NoError(t, err)
		require.Len(t, features, 1)
		assert.Equal(t, "AK", features[0].Code)
		assert.Equal(t, "Auckland", features[0].Name)

		dunedin := &cams.Geometry{
			Type:  cams.GeometryPoint,
			Point: &cams.Coordinate{X: 170.5, Y: -45.87},
		}

		features, err = store.SpatialQuery(ctx, "region_boundaries", dunedin, "region_code")
		require.NoError(t, err)
		assert.Empty(t, features)
	})

	t.Run("last modified reflects boundary stamps", func(t *testing.T) {
		stamp := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
		_, err := conn.ExecContext(ctx, `UPDATE region_boundaries SET last_modified = $1`, stamp)
		require.NoError(t, err)

		modified, err := store.LastModified(ctx, "region_boundaries")
		require.NoError(t, err)
		require.NotNil(t, modified)
		assert.True(t, modified.Equal(stamp))

		_, err = store.LastModified(ctx, "region_boundaries; DROP TABLE region_boundaries")
		assert.ErrorIs(t, err, ErrIdentifierInvalid)
	})

	t.Run("batch write updates and reports missing records", func(t *testing.T) {
		results, err := store.BatchWrite(ctx, "weed_locations", []featurestore.FieldUpdate{
			{ObjectID: 1, SetRegion: true, RegionCode: "AK", SetDistrict: true, DistrictCode: "AKL01"},
			{ObjectID: 99, SetRegion: true, RegionCode: "AK"},
		})

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)

		records, err := store.Query(ctx, featurestore.QuerySpec{
			Dataset:   "weed_locations",
			Predicate: featurestore.Predicate{ObjectIDs: []int64{1}},
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "AK", records[0].RegionCode)
		assert.Equal(t, "AKL01", records[0].DistrictCode)
	})

	t.Run("batch write with empty code clears to null", func(t *testing.T) {
		_, err := store.BatchWrite(ctx, "weed_locations", []featurestore.FieldUpdate{
			{ObjectID: 1, SetRegion: true, SetDistrict: true},
		})
		require.NoError(t, err)

		records, err := store.Query(ctx, featurestore.QuerySpec{
			Dataset:   "weed_locations",
			Predicate: featurestore.Predicate{ObjectIDs: []int64{1}},
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Empty(t, records[0].RegionCode)
		assert.Empty(t, records[0].DistrictCode)
	})

	t.Run("rejects unsafe identifiers", func(t *testing.T) {
		_, err := store.Count(ctx, "weed_locations; DROP TABLE weed_locations", featurestore.Predicate{})
		assert.ErrorIs(t, err, ErrIdentifierInvalid)

		_, err = store.SpatialQuery(ctx, "region_boundaries", &cams.Geometry{
			Type:  cams.GeometryPoint,
			Point: &cams.Coordinate{X: 0, Y: 0},
		}, "region_code--")
		assert.ErrorIs(t, err, ErrIdentifierInvalid)
	})

	t.Run("health check and wait", func(t *testing.T) {
		require.NoError(t, conn.HealthCheck(ctx))
		require.NoError(t, store.WaitForHealthy(ctx, 5*time.Second))
	})
}

func TestMetadataStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, conn := setupTestDatabase(ctx, t)
	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewMetadataStore(conn)
	require.NoError(t, err)

	const (
		process     = "weed-location-assignment"
		environment = "test"
	)

	record := func(at time.Time, status runmeta.ProcessStatus) *runmeta.ProcessMetadata {
		errorMessage := ""
		if status == runmeta.StatusError {
			errorMessage = "simulated failure"
		}

		boundariesModified := at.Add(-72 * time.Hour)

		return &runmeta.ProcessMetadata{
			ProcessName:             process,
			Environment:             environment,
			RunID:                   uuid.NewString(),
			ProcessTimestamp:        at,
			RegionDataset:           "region_boundaries",
			RegionDatasetModified:   &boundariesModified,
			DistrictDataset:         "district_boundaries",
			DistrictDatasetModified: &boundariesModified,
			ProcessStatus:           status,
			RecordsProcessed:        100,
			RecordsUpdated:          98,
			ProcessingDuration:      90 * time.Second,
			ErrorMessage:            errorMessage,
			Details: map[string]interface{}{
				"processing_type": "FULL_REPROCESSING",
				"cache_hit_rate":  0.4,
			},
		}
	}

	base := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)

	t.Run("latest on empty series", func(t *testing.T) {
		_, found, err := store.Latest(ctx, process, environment)

		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("save and fetch latest successful", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, record(base, runmeta.StatusSuccess)))
		require.NoError(t, store.Save(ctx, record(base.Add(24*time.Hour), runmeta.StatusSuccess)))

		// A newer Error run never becomes the baseline.
		require.NoError(t, store.Save(ctx, record(base.Add(48*time.Hour), runmeta.StatusError)))

		latest, found, err := store.Latest(ctx, process, environment)

		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, latest.ProcessTimestamp.Equal(base.Add(24*time.Hour)))
		assert.Equal(t, runmeta.StatusSuccess, latest.ProcessStatus)
		assert.Equal(t, 98, latest.RecordsUpdated)
		assert.Equal(t, "region_boundaries", latest.RegionDataset)
		require.NotNil(t, latest.RegionDatasetModified)
		assert.True(t, latest.RegionDatasetModified.Equal(base.Add(-48*time.Hour)))
		assert.Equal(t, "FULL_REPROCESSING", latest.Details["processing_type"])
	})

	t.Run("series are isolated by environment", func(t *testing.T) {
		other := record(base.Add(72*time.Hour), runmeta.StatusSuccess)
		other.Environment = "staging"
		require.NoError(t, store.Save(ctx, other))

		latest, found, err := store.Latest(ctx, process, environment)

		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, latest.ProcessTimestamp.Equal(base.Add(24*time.Hour)))
	})

	t.Run("prune keeps the newest records", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Save(ctx, record(base.Add(time.Duration(i+100)*time.Hour), runmeta.StatusSuccess)))
		}

		removed, err := store.Prune(ctx, process, environment, 2)

		require.NoError(t, err)
		assert.Positive(t, removed)

		latest, found, err := store.Latest(ctx, process, environment)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, latest.ProcessTimestamp.Equal(base.Add(104*time.Hour)))
	})
}
