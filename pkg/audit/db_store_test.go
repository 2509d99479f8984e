package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage/postgres"
)

var recordRowColumns = []string{
	"id", "table_name", "record_id", "operation", "old_values", "new_values",
	"user_id", "user_email", "user_role", "ip_address", "user_agent", "created_at",
	"user_found", "name", "email", "role",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(context.Background(), postgres.NewConnectionManagerFromDB(db, observability.Nop()))
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_SchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	_, err = NewPostgresStore(context.Background(), postgres.NewConnectionManagerFromDB(db, observability.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit_logs table")
}

func TestPostgresStore_Insert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(
			"7b0e4c6a-5a63-4d1c-9f7e-2f1d0c9a8b11", "products", "p1", "UPDATE",
			`{"price":10}`, `{"price":12}`,
			"u1", "u1@sisiago.test", nil, "10.0.0.1", nil, sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), &Record{
		ID:        "7b0e4c6a-5a63-4d1c-9f7e-2f1d0c9a8b11",
		TableName: "products",
		RecordID:  "p1",
		Operation: OperationUpdate,
		OldValues: Values{"price": 10},
		NewValues: Values{"price": 12},
		UserID:    "u1",
		UserEmail: "u1@sisiago.test",
		IPAddress: "10.0.0.1",
		CreatedAt: fixedNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errStoreDown)

	err := store.Insert(context.Background(), &Record{ID: "x", TableName: "t", RecordID: "1", Operation: OperationCreate})
	assert.ErrorIs(t, err, errStoreDown)
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	start := fixedNow.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs a WHERE 1=1 AND a.table_name = $1 AND a.created_at >= $2")).
		WithArgs("products", start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY a.created_at DESC, a.seq DESC LIMIT $3 OFFSET $4")).
		WithArgs("products", start, 2, 10).
		WillReturnRows(sqlmock.NewRows(recordRowColumns).
			AddRow("id-1", "products", "p1", "CREATE", nil, []byte(`{"name":"X"}`),
				"u1", "", "", "", "", fixedNow, true, "Ana", "ana@sisiago.test", "admin").
			AddRow("id-2", "products", "p2", "DELETE", []byte(`{"name":"Y"}`), nil,
				"gone", "old@sisiago.test", "", "", "", fixedNow.Add(-time.Minute), false, "", "", ""))

	records, total, err := store.List(context.Background(),
		Filter{TableName: "products", StartDate: &start},
		PageRequest{Limit: 2, Offset: 10},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
	require.Len(t, records, 2)

	assert.Equal(t, OperationCreate, records[0].Operation)
	assert.Equal(t, Values{"name": "X"}, records[0].NewValues)
	assert.Nil(t, records[0].OldValues)
	assert.Equal(t, "Ana", records[0].UserName)
	assert.Equal(t, "ana@sisiago.test", records[0].UserEmail)
	assert.Equal(t, "admin", records[0].UserRole)

	assert.Equal(t, SystemActorName, records[1].UserName)
	assert.Equal(t, "old@sisiago.test", records[1].UserEmail)
	assert.Equal(t, UnknownValue, records[1].UserRole)
	assert.Equal(t, Values{"name": "Y"}, records[1].OldValues)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListWithoutLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs a WHERE 1=1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY a.created_at DESC, a.seq DESC")).
		WillReturnRows(sqlmock.NewRows(recordRowColumns))

	records, total, err := store.List(context.Background(), Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, records)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	id := "7b0e4c6a-5a63-4d1c-9f7e-2f1d0c9a8b11"

	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(recordRowColumns).
			AddRow(id, "users", "u3", "UPDATE", []byte(`{"is_active":true}`), []byte(`{"is_active":false}`),
				"", "", "", "", "", fixedNow, false, "", "", ""))

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Values{"is_active": false}, rec.NewValues)
	assert.Equal(t, SystemActorName, rec.UserName)
	assert.Equal(t, UnknownValue, rec.UserEmail)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(recordRowColumns))
	_, err = store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	// not a uuid: no query is issued
	_, err = store.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Summarize(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY 1, 2, 3, 4, 5")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "table_name", "user_id", "user_email", "hour", "count"}).
			AddRow("CREATE", "products", "u1", "u1@sisiago.test", 9, 4).
			AddRow("UPDATE", "products", "u1", "u1@sisiago.test", 23, 1).
			AddRow("CREATE", "sales", "u1", "u1@sisiago.test", 9, 2))

	sum, err := store.Summarize(context.Background(), Filter{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), sum.Total)
	assert.Equal(t, map[Operation]int64{OperationCreate: 6, OperationUpdate: 1, OperationDelete: 0}, sum.ByOperation)
	assert.Equal(t, []TableCount{{"products", 5}, {"sales", 2}}, sum.ByTable)
	assert.Equal(t, []UserCount{{"u1", "u1@sisiago.test", 7}}, sum.ByUser)
	assert.Equal(t, int64(6), sum.ByHourOfDay[9])
	assert.Equal(t, int64(1), sum.ByHourOfDay[23])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Histogram(t *testing.T) {
	store, mock := newMockStore(t)

	// date_trunc returns a timestamp without zone
	wall := time.Date(2026, 3, 10, 14, 0, 0, 0, time.FixedZone("", 0))
	mock.ExpectQuery(regexp.QuoteMeta("date_trunc('hour', a.created_at AT TIME ZONE 'UTC')")).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "count"}).AddRow(wall, 3))

	buckets, err := store.Histogram(context.Background(), Filter{}, GranularityHour)
	require.NoError(t, err)
	assert.Equal(t, []Bucket{{Start: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), Count: 3}}, buckets)

	_, err = store.Histogram(context.Background(), Filter{}, Granularity("minute"))
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhereClause(t *testing.T) {
	start := fixedNow.Add(-time.Hour)
	where, args := whereClause(Filter{
		TableName: "sales",
		Operation: OperationDelete,
		UserID:    "u1",
		StartDate: &start,
		EndDate:   &fixedNow,
	})
	assert.Equal(t,
		" WHERE 1=1 AND a.table_name = $1 AND a.operation = $2 AND a.user_id = $3 AND a.created_at >= $4 AND a.created_at <= $5",
		where)
	assert.Equal(t, []interface{}{"sales", "DELETE", "u1", start, fixedNow}, args)

	where, args = whereClause(Filter{})
	assert.Equal(t, " WHERE 1=1", where)
	assert.Empty(t, args)
}
