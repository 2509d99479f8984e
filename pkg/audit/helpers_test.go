package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedNow is 15:30 UTC so that both business and off hours exist before it
var fixedNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var errStoreDown = errors.New("connection refused")

// failingStore rejects every insert and every read
type failingStore struct {
	*MemoryStore
	inserts atomic.Int32
	err     error
}

func newFailingStore(err error) *failingStore {
	return &failingStore{MemoryStore: NewMemoryStore(nil), err: err}
}

func (f *failingStore) Insert(ctx context.Context, r *Record) error {
	f.inserts.Add(1)
	return f.err
}

func (f *failingStore) List(ctx context.Context, filter Filter, page PageRequest) ([]*Record, int64, error) {
	return nil, 0, f.err
}

func (f *failingStore) Summarize(ctx context.Context, filter Filter) (*Summary, error) {
	return nil, f.err
}

// flakyStore fails the first n inserts
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Insert(ctx context.Context, r *Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MemoryStore.Insert(ctx, r)
}

type panickingStore struct{ *MemoryStore }

func (panickingStore) Insert(context.Context, *Record) error {
	panic("driver bug")
}

// staticDirectory resolves a fixed set of users
type staticDirectory map[string]ActorInfo

func (d staticDirectory) LookupActor(ctx context.Context, id string) (ActorInfo, bool, error) {
	info, ok := d[id]
	return info, ok, nil
}

var seedSeq atomic.Int64

// seed inserts a record directly, bypassing the logger
func seed(t *testing.T, s Store, table string, op Operation, userID string, at time.Time) *Record {
	t.Helper()
	r := &Record{
		ID:        fmt.Sprintf("rec-%d", seedSeq.Add(1)),
		TableName: table,
		RecordID:  fmt.Sprintf("r-%d", at.Unix()),
		Operation: op,
		UserID:    userID,
		CreatedAt: at.UTC(),
	}
	if userID != "" {
		r.UserEmail = userID + "@sisiago.test"
	}
	require.NoError(t, s.Insert(context.Background(), r))
	return r
}

func ptr(t time.Time) *time.Time { return &t }
