package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/contextkeys"
	"github.com/sisiago/sisiago/pkg/observability"
)

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func listAll(t *testing.T, s Store) []*Record {
	t.Helper()
	records, _, err := s.List(context.Background(), Filter{}, PageRequest{Limit: ExportCap})
	require.NoError(t, err)
	return records
}

func TestLogger_RecordPersists(t *testing.T) {
	store := NewMemoryStore(nil)
	metrics := newTestMetrics()
	logger := NewLogger(store, WithClock(clockAt(fixedNow)), WithMetrics(metrics))

	logger.Record(context.Background(), "products", "p1", OperationCreate, Change{
		NewValues: Values{"name": "X"},
		UserID:    "u1",
		UserEmail: "u1@sisiago.test",
	})

	records := listAll(t, store)
	require.Len(t, records, 1)
	r := records[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "products", r.TableName)
	assert.Equal(t, "p1", r.RecordID)
	assert.Equal(t, OperationCreate, r.Operation)
	assert.Nil(t, r.OldValues)
	assert.Equal(t, Values{"name": "X"}, r.NewValues)
	assert.Equal(t, fixedNow, r.CreatedAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("ok")))
}

func TestLogger_InsertAliasIsCanonical(t *testing.T) {
	store := NewMemoryStore(nil)
	NewLogger(store).Record(context.Background(), "products", "p1", Operation("INSERT"), Change{})

	records := listAll(t, store)
	require.Len(t, records, 1)
	assert.Equal(t, OperationCreate, records[0].Operation)
}

func TestLogger_RejectsInvalidInput(t *testing.T) {
	store := NewMemoryStore(nil)
	metrics := newTestMetrics()
	logger := NewLogger(store, WithMetrics(metrics))
	ctx := context.Background()

	logger.Record(ctx, "", "p1", OperationCreate, Change{})
	logger.Record(ctx, "products", "", OperationCreate, Change{})
	logger.Record(ctx, "products", "p1", Operation("UPSERT"), Change{})

	assert.Empty(t, listAll(t, store))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("invalid")))
}

func TestLogger_FillsActorAndNetworkFromContext(t *testing.T) {
	store := NewMemoryStore(nil)
	logger := NewLogger(store)

	ctx := auth.WithActor(context.Background(), &auth.Actor{ID: "u7", Email: "u7@sisiago.test", Role: auth.RoleManager})
	ctx = contextkeys.WithRequestMeta(ctx, RequestMeta{IPAddress: "203.0.113.9", UserAgent: "pdv/1.0"})

	logger.Record(ctx, "users", "u3", OperationUpdate, Change{})
	logger.Record(ctx, "users", "u4", OperationUpdate, Change{UserID: "u1", UserEmail: "u1@sisiago.test", IPAddress: "10.0.0.1"})

	records := listAll(t, store)
	require.Len(t, records, 2)
	byRecord := map[string]*Record{}
	for _, r := range records {
		byRecord[r.RecordID] = r
	}

	assert.Equal(t, "u7", byRecord["u3"].UserID)
	assert.Equal(t, "u7@sisiago.test", byRecord["u3"].UserEmail)
	assert.Equal(t, "manager", byRecord["u3"].UserRole)
	assert.Equal(t, "203.0.113.9", byRecord["u3"].IPAddress)
	assert.Equal(t, "pdv/1.0", byRecord["u3"].UserAgent)

	// explicit values win
	assert.Equal(t, "u1", byRecord["u4"].UserID)
	assert.Equal(t, "u1@sisiago.test", byRecord["u4"].UserEmail)
	assert.Equal(t, "10.0.0.1", byRecord["u4"].IPAddress)
}

func TestLogger_StoreFailureIsAbsorbed(t *testing.T) {
	var buf bytes.Buffer
	store := newFailingStore(errStoreDown)
	metrics := newTestMetrics()
	logger := NewLogger(store,
		WithLoggerLogger(observability.NewLogger(observability.InfoLevel, &buf)),
		WithMetrics(metrics),
	)

	assert.NotPanics(t, func() {
		logger.Record(context.Background(), "products", "p1", OperationDelete, Change{})
	})
	assert.Equal(t, int32(1), store.inserts.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("failed")))
	assert.Contains(t, buf.String(), "audit write failed")
	assert.Contains(t, buf.String(), "connection refused")
}

func TestLogger_PanickingStoreIsAbsorbed(t *testing.T) {
	logger := NewLogger(panickingStore{NewMemoryStore(nil)})
	assert.NotPanics(t, func() {
		logger.Record(context.Background(), "products", "p1", OperationCreate, Change{})
	})
}

func TestLogger_CancelledCallerStillWrites(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewLogger(store).Record(ctx, "products", "p1", OperationCreate, Change{})
	assert.Len(t, listAll(t, store), 1)
}

func TestLogger_Retry(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 2}
	logger := NewLogger(store, WithRetry(2, time.Millisecond))

	logger.Record(context.Background(), "products", "p1", OperationCreate, Change{})

	assert.Equal(t, 3, store.calls)
	assert.Len(t, listAll(t, store), 1)
}

func TestLogger_NoRetryByDefault(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 1}
	NewLogger(store).Record(context.Background(), "products", "p1", OperationCreate, Change{})

	assert.Equal(t, 1, store.calls)
	assert.Empty(t, listAll(t, store))
}

func TestLogger_CircuitBreakerDropsWhileOpen(t *testing.T) {
	store := newFailingStore(errStoreDown)
	metrics := newTestMetrics()
	logger := NewLogger(store, WithCircuitBreaker(2, time.Minute), WithMetrics(metrics))

	for i := 0; i < 5; i++ {
		logger.Record(context.Background(), "products", "p1", OperationUpdate, Change{})
	}

	assert.Equal(t, int32(2), store.inserts.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("dropped")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditBreakerStateGauge))
}

func TestLogger_Async(t *testing.T) {
	store := NewMemoryStore(nil)
	logger := NewLogger(store, WithAsync(true))

	for i := 0; i < 10; i++ {
		logger.Record(context.Background(), "sales", "s1", OperationCreate, Change{})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, logger.Close(ctx))
	assert.Len(t, listAll(t, store), 10)
}
