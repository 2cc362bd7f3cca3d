package restore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 {
	return &v
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Load(ctx, "generic_water_heater_boiler")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "generic_water_heater_boiler", Record{TargetTemperature: ptr(50), Mode: "eco"}))

	rec, ok, err := s.Load(ctx, "generic_water_heater_boiler")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50.0, *rec.TargetTemperature)
	assert.Equal(t, "eco", rec.Mode)
	assert.False(t, rec.SavedAt.IsZero())

	assert.NoError(t, s.Close())
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "water_heater.db")

	s, err := Open(path)
	require.NoError(t, err)

	savedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, "generic_water_heater_boiler", Record{TargetTemperature: ptr(48.5), Mode: "performance", SavedAt: savedAt}))
	require.NoError(t, s.Save(ctx, "generic_water_heater_guest", Record{Mode: "off"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, ok, err := s.Load(ctx, "generic_water_heater_boiler")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.TargetTemperature)
	assert.Equal(t, 48.5, *rec.TargetTemperature)
	assert.Equal(t, "performance", rec.Mode)
	assert.True(t, savedAt.Equal(rec.SavedAt))

	rec, ok, err = s.Load(ctx, "generic_water_heater_guest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, rec.TargetTemperature)
	assert.Equal(t, "off", rec.Mode)

	// later saves overwrite
	require.NoError(t, s.Save(ctx, "generic_water_heater_guest", Record{TargetTemperature: ptr(40), Mode: "electric"}))
	rec, _, err = s.Load(ctx, "generic_water_heater_guest")
	require.NoError(t, err)
	assert.Equal(t, "electric", rec.Mode)

	_, ok, err = s.Load(ctx, "generic_water_heater_attic")
	require.NoError(t, err)
	assert.False(t, ok)
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return NewSQLiteStore(db), mock
}

func TestSQLiteStoreSave(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO restore_state")).
		WithArgs("generic_water_heater_boiler", 45.0, "eco", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO restore_state")).
		WithArgs("generic_water_heater_boiler", nil, "off", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), "generic_water_heater_boiler", Record{TargetTemperature: ptr(45), Mode: "eco"}))
	require.NoError(t, s.Save(context.Background(), "generic_water_heater_boiler", Record{Mode: "off"}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreSaveError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO restore_state")).
		WillReturnError(errors.New("disk I/O error"))

	err := s.Save(context.Background(), "generic_water_heater_boiler", Record{Mode: "eco"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generic_water_heater_boiler")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreLoad(t *testing.T) {
	savedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM restore_state WHERE unique_id=?")).
			WithArgs("generic_water_heater_boiler").
			WillReturnRows(sqlmock.NewRows([]string{"target_temperature", "mode", "saved_at"}).
				AddRow(52.0, "electric", savedAt))

		rec, ok, err := s.Load(context.Background(), "generic_water_heater_boiler")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 52.0, *rec.TargetTemperature)
		assert.Equal(t, "electric", rec.Mode)
		assert.Equal(t, savedAt, rec.SavedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null target", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM restore_state WHERE unique_id=?")).
			WillReturnRows(sqlmock.NewRows([]string{"target_temperature", "mode", "saved_at"}).
				AddRow(nil, "on", savedAt))

		rec, ok, err := s.Load(context.Background(), "generic_water_heater_boiler")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, rec.TargetTemperature)
		assert.Equal(t, "on", rec.Mode)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM restore_state WHERE unique_id=?")).
			WillReturnError(sql.ErrNoRows)

		_, ok, err := s.Load(context.Background(), "generic_water_heater_boiler")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("query error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM restore_state WHERE unique_id=?")).
			WillReturnError(errors.New("database is locked"))

		_, ok, err := s.Load(context.Background(), "generic_water_heater_boiler")
		require.Error(t, err)
		assert.False(t, ok)
	})
}
