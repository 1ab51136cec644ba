package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"gopkg.in/guregu/null.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newFeatureStore(t *testing.T, ttl time.Duration) (*FeatureStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFeatureStore(client, ttl, time.Minute), mr
}

func featureTable() *models.Table {
	table := models.NewTable("index_date", "hypertension_flag", "age_at_index")
	table.Upsert("P1", map[string]interface{}{
		"index_date":        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"hypertension_flag": true,
		"age_at_index":      73.6,
	})
	table.Upsert("P2", map[string]interface{}{
		"index_date":        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"hypertension_flag": false,
	})
	return table
}

func TestFeatureStore_MaterializeAndGet(t *testing.T) {
	store, mr := newFeatureStore(t, 0)
	ctx := context.Background()

	written, err := store.MaterializeTable(ctx, "run-1", featureTable())
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.True(t, mr.Exists("features:P1"))

	set, err := store.GetFeatures(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", set.RunID)
	assert.Equal(t, "P1", set.PatientID)
	assert.Equal(t, true, set.Features["hypertension_flag"])
	assert.Equal(t, "2024-01-01", set.Features["index_date"])
	assert.Equal(t, 73.6, set.Features["age_at_index"])
	assert.NotContains(t, set.Features, "run_id")
	assert.NotContains(t, set.Features, "patient_id")

	set, err = store.GetFeatures(ctx, "P2")
	require.NoError(t, err)
	assert.NotContains(t, set.Features, "age_at_index")
}

func TestFeatureStore_LocalCache(t *testing.T) {
	store, mr := newFeatureStore(t, 0)
	ctx := context.Background()

	_, err := store.MaterializeTable(ctx, "run-1", featureTable())
	require.NoError(t, err)
	_, err = store.GetFeatures(ctx, "P1")
	require.NoError(t, err)

	mr.Del("features:P1")
	set, err := store.GetFeatures(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", set.RunID)

	// a new run invalidates the cached row
	_, err = store.MaterializeTable(ctx, "run-2", featureTable())
	require.NoError(t, err)
	set, err = store.GetFeatures(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", set.RunID)
}

func TestFeatureStore_NotFound(t *testing.T) {
	store, _ := newFeatureStore(t, 0)

	_, err := store.GetFeatures(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFeaturesNotFound)
}

func TestFeatureStore_TTL(t *testing.T) {
	store, mr := newFeatureStore(t, time.Hour)

	_, err := store.MaterializeTable(context.Background(), "run-1", featureTable())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("features:P1"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("features:P1"))
}

func TestFeatureStore_EmptyTable(t *testing.T) {
	store, _ := newFeatureStore(t, 0)

	written, err := store.MaterializeTable(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestRunRepository_GetRun(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db)

	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT \* FROM "curation_runs" WHERE id = \$1`).
		WithArgs("run-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pipeline", "status", "cohort", "failures", "summary", "started_at"}).
			AddRow("run-1", "diabetes-study", RunPartial, 2, 1, []byte(`{"run_id":"run-1"}`), started))

	run, err := repo.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "diabetes-study", run.Pipeline)
	assert.Equal(t, RunPartial, run.Status)
	assert.Equal(t, 2, run.Cohort)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepository_GetRunNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "curation_runs" WHERE id = \$1`).
		WithArgs("nope", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunRepository_ListRuns(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "curation_runs" WHERE pipeline = \$1 ORDER BY started_at desc LIMIT \$2`).
		WithArgs("diabetes-study", listLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pipeline"}).
			AddRow("run-2", "diabetes-study").
			AddRow("run-1", "diabetes-study"))

	runs, err := repo.ListRuns(context.Background(), "diabetes-study")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRows(t *testing.T) {
	result := &pipeline.Result{
		Resolved: map[string][]models.ResolvedRecord{
			"sex": {{
				PatientID: "P1",
				SourceID:  "gp",
				Priority:  1,
				Values:    map[string]null.String{"sex": null.StringFrom("F"), "code": {}},
				Warning:   &models.AmbiguousPriorityWarning{PatientID: "P1", Priority: 1},
			}},
		},
		Conflicts: map[string][]models.ConflictRecord{
			"sex": {{
				PatientID: "P1",
				Column:    "sex",
				Values:    []string{"F", "M"},
				Sources: []models.ConflictSource{
					{SourceID: "gp", Value: "F", Priority: null.IntFrom(1)},
					{SourceID: "hes", Value: "M", Priority: null.IntFrom(1)},
				},
			}},
		},
	}

	resolved, conflicts, err := recordRows("run-1", result)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "F", resolved[0].Values["sex"])
	assert.Nil(t, resolved[0].Values["code"])
	assert.True(t, resolved[0].Ambiguous)
	assert.Equal(t, "run-1", resolved[0].RunID)

	require.Len(t, conflicts, 1)
	assert.JSONEq(t, `["F","M"]`, string(conflicts[0].Values))
	assert.Equal(t, "sex", conflicts[0].Column)

	resolved, conflicts, err = recordRows("run-1", nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.Empty(t, conflicts)
}
