package users

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage/postgres"
)

var (
	userRowColumns = []string{"id", "name", "email", "role", "is_active", "updated_at"}
	updatedAt      = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	selectUser     = regexp.QuoteMeta("SELECT id::text, name, email, role, is_active, updated_at FROM users WHERE id::text = $1")
)

func newMockDirectory(t *testing.T) (*Directory, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	dir := NewDirectory(postgres.NewConnectionManagerFromDB(db, observability.Nop()), DefaultDirectoryConfig(), metrics)
	return dir, mock, metrics
}

func TestDirectory_FindByIDIsCached(t *testing.T) {
	dir, mock, metrics := newMockDirectory(t)

	mock.ExpectQuery(selectUser).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u1", "Ana", "ana@sisiago.test", "admin", true, updatedAt))

	u, err := dir.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "u1", Name: "Ana", Email: "ana@sisiago.test", Role: "admin", IsActive: true, UpdatedAt: updatedAt}, u)

	// mutating the returned copy does not reach the cache
	u.Name = "changed"

	again, err := dir.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", again.Name)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("users")))
}

func TestDirectory_FindByIDNotFound(t *testing.T) {
	dir, mock, _ := newMockDirectory(t)
	mock.ExpectQuery(selectUser).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := dir.FindByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_LookupActor(t *testing.T) {
	dir, mock, _ := newMockDirectory(t)
	mock.ExpectQuery(selectUser).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u2", "Bruno", "bruno@sisiago.test", "manager", true, updatedAt))
	mock.ExpectQuery(selectUser).WithArgs("gone").WillReturnRows(sqlmock.NewRows(userRowColumns))
	mock.ExpectQuery(selectUser).WithArgs("broken").WillReturnError(assert.AnError)

	info, ok, err := dir.LookupActor(context.Background(), "u2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Bruno", info.Name)
	assert.Equal(t, "manager", info.Role)

	_, ok, err = dir.LookupActor(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = dir.LookupActor(context.Background(), "broken")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectory_UpdateStatus(t *testing.T) {
	dir, mock, _ := newMockDirectory(t)

	// warm the cache so the update has something to invalidate
	mock.ExpectQuery(selectUser).
		WithArgs("u3").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u3", "Caio", "caio@sisiago.test", "user", true, updatedAt))
	_, err := dir.FindByID(context.Background(), "u3")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("u3").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u3", "Caio", "caio@sisiago.test", "user", true, updatedAt))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users")).
		WithArgs("u3", false, nil).
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u3", "Caio", "caio@sisiago.test", "user", false, updatedAt.Add(time.Minute)))
	mock.ExpectCommit()

	inactive := false
	before, after, err := dir.UpdateStatus(context.Background(), "u3", StatusUpdate{IsActive: &inactive})
	require.NoError(t, err)
	assert.True(t, before.IsActive)
	assert.False(t, after.IsActive)
	assert.Equal(t, "user", after.Role)

	// the cached entry was dropped
	mock.ExpectQuery(selectUser).
		WithArgs("u3").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow("u3", "Caio", "caio@sisiago.test", "user", false, updatedAt.Add(time.Minute)))
	u, err := dir.FindByID(context.Background(), "u3")
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectory_UpdateStatusNotFound(t *testing.T) {
	dir, mock, _ := newMockDirectory(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(userRowColumns))
	mock.ExpectRollback()

	role := "manager"
	_, _, err := dir.UpdateStatus(context.Background(), "ghost", StatusUpdate{Role: &role})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectory_EnsureSchema(t *testing.T) {
	dir, mock, _ := newMockDirectory(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, dir.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
