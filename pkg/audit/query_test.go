package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A: a recorded CREATE is listed with its snapshot
func TestScenario_RecordThenList(t *testing.T) {
	store := NewMemoryStore(nil)
	logger := NewLogger(store, WithClock(clockAt(fixedNow)))
	logger.Record(context.Background(), "products", "p1", OperationCreate, Change{
		NewValues: Values{"name": "X"},
		UserID:    "u1",
	})

	page, err := NewQuery(store, nil).List(context.Background(), Filter{TableName: "products"}, PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, OperationCreate, page.Records[0].Operation)
	assert.Equal(t, Values{"name": "X"}, page.Records[0].NewValues)
	assert.Nil(t, page.Records[0].OldValues)
	assert.Equal(t, int64(1), page.Pagination.Total)
	assert.False(t, page.Pagination.HasMore)
}

// B: 30 deletes over 3 days, first page of 10 is the newest ten
func TestScenario_PaginateThirtyDeletes(t *testing.T) {
	store := NewMemoryStore(nil)
	var created []time.Time
	for i := 0; i < 30; i++ {
		at := fixedNow.Add(-time.Duration(i) * 2 * time.Hour) // spans ~2.5 days
		seed(t, store, "sales", OperationDelete, "u1", at)
		created = append(created, at)
	}
	seed(t, store, "products", OperationDelete, "u1", fixedNow)

	page, err := NewQuery(store, nil).List(context.Background(), Filter{TableName: "sales"}, PageRequest{Limit: 10})
	require.NoError(t, err)

	require.Len(t, page.Records, 10)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, int64(30), page.Pagination.Total)
	for i, r := range page.Records {
		assert.Equal(t, created[i], r.CreatedAt)
	}
}

func TestQuery_ListHasMoreWithHugeOffset(t *testing.T) {
	store := NewMemoryStore(nil)
	seed(t, store, "products", OperationCreate, "u1", fixedNow)

	page, err := NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{Limit: 25, Offset: math.MaxInt - 5})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, int64(1), page.Pagination.Total)
	assert.False(t, page.Pagination.HasMore)

	// the boundary: offset+limit == total has nothing more
	for i := 0; i < 29; i++ {
		seed(t, store, "products", OperationCreate, "u1", fixedNow)
	}
	page, err = NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.False(t, page.Pagination.HasMore)
	page, err = NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{Limit: 10, Offset: 19})
	require.NoError(t, err)
	assert.True(t, page.Pagination.HasMore)
}

func TestQuery_ListOrderedNewestFirst(t *testing.T) {
	store := NewMemoryStore(nil)
	for _, offset := range []int{5, 1, 9, 3, 7, 3} {
		seed(t, store, "products", OperationUpdate, "u1", fixedNow.Add(-time.Duration(offset)*time.Minute))
	}

	page, err := NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{})
	require.NoError(t, err)
	for i := 1; i < len(page.Records); i++ {
		assert.False(t, page.Records[i].CreatedAt.After(page.Records[i-1].CreatedAt))
	}
}

func TestQuery_PaginationExactness(t *testing.T) {
	store := NewMemoryStore(nil)
	const total = 7
	for i := 0; i < total; i++ {
		seed(t, store, "clients", OperationCreate, "u1", fixedNow.Add(-time.Duration(i)*time.Minute))
	}
	q := NewQuery(store, nil)

	for limit := 1; limit <= 9; limit++ {
		for offset := 0; offset <= 9; offset++ {
			page, err := q.List(context.Background(), Filter{}, PageRequest{Limit: limit, Offset: offset})
			require.NoError(t, err)
			want := min(limit, max(0, total-offset))
			assert.Len(t, page.Records, want, "limit=%d offset=%d", limit, offset)
			assert.Equal(t, offset+limit < total, page.Pagination.HasMore, "limit=%d offset=%d", limit, offset)
		}
	}
}

func TestQuery_LimitClamp(t *testing.T) {
	store := NewMemoryStore(nil)
	for i := 0; i < 150; i++ {
		seed(t, store, "payments", OperationCreate, "u1", fixedNow.Add(-time.Duration(i)*time.Second))
	}

	page, err := NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, page.Records, MaxPageSize)
	assert.Equal(t, MaxPageSize, page.Pagination.Limit)
	assert.True(t, page.Pagination.HasMore)

	page, err = NewQuery(store, nil).List(context.Background(), Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Records, DefaultPageSize)
}

func TestQuery_FilterConjunction(t *testing.T) {
	store := NewMemoryStore(nil)
	tables := []string{"users", "products", "sales"}
	users := []string{"u1", "u2"}
	var all []*Record
	i := 0
	for _, table := range tables {
		for _, op := range Operations {
			for _, u := range users {
				all = append(all, seed(t, store, table, op, u, fixedNow.Add(-time.Duration(i)*6*time.Hour)))
				i++
			}
		}
	}

	filters := []Filter{
		{TableName: "products"},
		{Operation: OperationDelete},
		{UserID: "u2"},
		{TableName: "sales", Operation: OperationUpdate},
		{TableName: "users", UserID: "u1", Operation: OperationCreate},
		{StartDate: ptr(fixedNow.Add(-48 * time.Hour)), EndDate: ptr(fixedNow.Add(-12 * time.Hour))},
		{UserID: "u1", StartDate: ptr(fixedNow.Add(-72 * time.Hour))},
		{TableName: "nope"},
	}

	q := NewQuery(store, nil)
	for n, f := range filters {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			var want []string
			for _, r := range all {
				if f.Matches(r) {
					want = append(want, r.ID)
				}
			}

			records, err := q.Records(context.Background(), f)
			require.NoError(t, err)
			got := make([]string, 0, len(records))
			for _, r := range records {
				got = append(got, r.ID)
			}
			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestQuery_ExportJSONMatchesList(t *testing.T) {
	store := NewMemoryStore(staticDirectory{"u1": {Name: "Ana", Email: "ana@sisiago.test", Role: "admin"}})
	for i := 0; i < 12; i++ {
		seed(t, store, "products", Operations[i%3], "u1", fixedNow.Add(-time.Duration(i)*time.Minute))
	}
	q := NewQuery(store, nil)
	filter := Filter{Operation: OperationCreate}

	data, err := q.Export(context.Background(), filter, ExportFormatJSON)
	require.NoError(t, err)
	var exported []*Record
	require.NoError(t, json.Unmarshal(data, &exported))

	listed, _, err := store.List(context.Background(), filter, PageRequest{Limit: ExportCap})
	require.NoError(t, err)
	require.Len(t, exported, len(listed))
	for i := range listed {
		assert.Equal(t, listed[i].ID, exported[i].ID)
		assert.Equal(t, listed[i].UserName, exported[i].UserName)
		assert.True(t, listed[i].CreatedAt.Equal(exported[i].CreatedAt))
	}
	assert.True(t, bytes.Contains(data, []byte("\n  ")), "json export is indented")
}

func TestQuery_ExportEmptyJSONIsArray(t *testing.T) {
	data, err := NewQuery(NewMemoryStore(nil), nil).Export(context.Background(), Filter{}, ExportFormatJSON)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestQuery_ExportNDJSON(t *testing.T) {
	store := NewMemoryStore(nil)
	seed(t, store, "products", OperationCreate, "u1", fixedNow)
	seed(t, store, "products", OperationUpdate, "u1", fixedNow.Add(-time.Minute))

	data, err := NewQuery(store, nil).Export(context.Background(), Filter{}, ExportFormatNDJSON)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
	}
}

// E: three operations exported as CSV, values with commas quoted
func TestScenario_ExportCSV(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, &Record{
		ID: "1", TableName: "products", RecordID: "p1", Operation: OperationCreate,
		NewValues: Values{"name": "Arroz, 5kg"}, UserAgent: "Mozilla/5.0 (X11, Linux)",
		CreatedAt: fixedNow.Add(-2 * time.Minute),
	}))
	require.NoError(t, store.Insert(ctx, &Record{
		ID: "2", TableName: "products", RecordID: "p1", Operation: OperationUpdate,
		OldValues: Values{"name": "Arroz, 5kg"}, NewValues: Values{"name": `Arroz "tipo 1"`},
		CreatedAt: fixedNow.Add(-time.Minute),
	}))
	require.NoError(t, store.Insert(ctx, &Record{
		ID: "3", TableName: "products", RecordID: "p1", Operation: OperationDelete,
		OldValues: Values{"name": `Arroz "tipo 1"`},
		CreatedAt: fixedNow,
	}))

	data, err := NewQuery(store, nil).Export(ctx, Filter{}, ExportFormatCSV)
	require.NoError(t, err)

	assert.Equal(t, 4, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"Mozilla/5.0 (X11, Linux)"`)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])
	for _, row := range rows {
		assert.Len(t, row, 12)
	}

	// newest first: DELETE, UPDATE, CREATE
	assert.Equal(t, "DELETE", rows[1][6])
	assert.Equal(t, "UPDATE", rows[2][6])
	assert.Equal(t, "CREATE", rows[3][6])
	assert.Equal(t, `{"name":"Arroz, 5kg"}`, rows[3][11])
	assert.Equal(t, `{"name":"Arroz \"tipo 1\""}`, rows[2][11])
	assert.Equal(t, "", rows[1][11])
	assert.Equal(t, SystemActorName, rows[1][2])
	assert.Equal(t, "2026-03-10T15:30:00Z", rows[1][1])
}
