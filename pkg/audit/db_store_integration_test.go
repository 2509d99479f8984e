//go:build integration

package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sisiago/sisiago/pkg/observability"
	pgconn "github.com/sisiago/sisiago/pkg/storage/postgres"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("sisiago_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	_, err = db.ExecContext(ctx, `
		CREATE TABLE users (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`)
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, pgconn.NewConnectionManagerFromDB(db, observability.Nop()))
	require.NoError(t, err)
	return store, db
}

func TestPostgresStore_Integration(t *testing.T) {
	store, db := setupPostgresStore(t)
	ctx := context.Background()

	const anaID = "3f0c2a8e-8d1b-4d6f-9a51-0c7d2b9e4a10"
	_, err := db.ExecContext(ctx, `INSERT INTO users (id, name, email, role) VALUES ($1, 'Ana', 'ana@sisiago.test', 'admin')`, anaID)
	require.NoError(t, err)

	logger := NewLogger(store, WithClock(clockAt(fixedNow)))
	logger.Record(ctx, "products", "p1", OperationCreate, Change{NewValues: Values{"name": "X"}, UserID: anaID})
	logger.Record(ctx, "products", "p1", OperationUpdate, Change{OldValues: Values{"name": "X"}, NewValues: Values{"name": "Y"}, UserID: anaID})
	logger.Record(ctx, "sales", "s1", OperationDelete, Change{UserID: "departed", UserEmail: "old@sisiago.test"})

	t.Run("list orders by insertion within the same instant", func(t *testing.T) {
		records, total, err := store.List(ctx, Filter{}, PageRequest{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, records, 3)
		assert.Equal(t, OperationDelete, records[0].Operation)
		assert.Equal(t, OperationUpdate, records[1].Operation)
		assert.Equal(t, OperationCreate, records[2].Operation)
		assert.True(t, fixedNow.Equal(records[0].CreatedAt))
	})

	t.Run("actors are enriched", func(t *testing.T) {
		records, _, err := store.List(ctx, Filter{TableName: "products"}, PageRequest{})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "Ana", records[0].UserName)
		assert.Equal(t, "admin", records[0].UserRole)
		assert.Equal(t, Values{"name": "Y"}, records[0].NewValues)

		departed, _, err := store.List(ctx, Filter{UserID: "departed"}, PageRequest{})
		require.NoError(t, err)
		require.Len(t, departed, 1)
		assert.Equal(t, SystemActorName, departed[0].UserName)
		assert.Equal(t, "old@sisiago.test", departed[0].UserEmail)
	})

	t.Run("summary and histogram", func(t *testing.T) {
		sum, err := store.Summarize(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), sum.Total)
		assert.Equal(t, int64(3), sum.ByHourOfDay[15])

		buckets, err := store.Histogram(ctx, Filter{}, GranularityHour)
		require.NoError(t, err)
		assert.Equal(t, []Bucket{{Start: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), Count: 3}}, buckets)
	})

	t.Run("rows cannot be changed", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `UPDATE audit_logs SET table_name = 'tampered'`)
		assert.ErrorContains(t, err, "append-only")

		_, err = db.ExecContext(ctx, `DELETE FROM audit_logs`)
		assert.ErrorContains(t, err, "append-only")

		sum, err := store.Summarize(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), sum.Total)
	})

	t.Run("schema is idempotent", func(t *testing.T) {
		_, err := NewPostgresStore(ctx, pgconn.NewConnectionManagerFromDB(db, observability.Nop()))
		assert.NoError(t, err)
	})
}
