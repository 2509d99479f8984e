package audit

import (
	"context"
	"sort"
	"time"
)

// Store persists audit records. It is append-only: there is no method that
// modifies or removes a record once inserted.
type Store interface {
	// Insert appends one record. ID and CreatedAt must already be set.
	Insert(ctx context.Context, record *Record) error

	// Get returns one enriched record or ErrNotFound
	Get(ctx context.Context, id string) (*Record, error)

	// List returns the enriched records matching filter, newest first, and
	// the total number of matches ignoring the page.
	List(ctx context.Context, filter Filter, page PageRequest) ([]*Record, int64, error)

	// Summarize counts the records matching filter in a single pass
	Summarize(ctx context.Context, filter Filter) (*Summary, error)

	// Histogram counts matching records per UTC bucket. Empty buckets are
	// omitted; callers zero-fill.
	Histogram(ctx context.Context, filter Filter, granularity Granularity) ([]Bucket, error)
}

// Summary is the base aggregation of a filtered record set
type Summary struct {
	Total       int64
	ByOperation map[Operation]int64
	ByTable     []TableCount
	ByUser      []UserCount

	// ByHourOfDay counts records by UTC hour of creation
	ByHourOfDay [24]int64
}

type userKey struct{ id, email string }

// summaryBuilder folds grouped counts into a Summary
type summaryBuilder struct {
	sum    *Summary
	tables map[string]int64
	users  map[userKey]int64
}

func newSummaryBuilder() *summaryBuilder {
	s := &Summary{
		ByOperation: make(map[Operation]int64, len(Operations)),
		ByTable:     []TableCount{},
		ByUser:      []UserCount{},
	}
	for _, op := range Operations {
		s.ByOperation[op] = 0
	}
	return &summaryBuilder{
		sum:    s,
		tables: make(map[string]int64),
		users:  make(map[userKey]int64),
	}
}

func (b *summaryBuilder) add(op Operation, table, userID, userEmail string, hour int, n int64) {
	b.sum.Total += n
	b.sum.ByOperation[op] += n
	b.tables[table] += n
	b.users[userKey{userID, userEmail}] += n
	if hour >= 0 && hour < 24 {
		b.sum.ByHourOfDay[hour] += n
	}
}

func (b *summaryBuilder) build() *Summary {
	for name, n := range b.tables {
		b.sum.ByTable = append(b.sum.ByTable, TableCount{TableName: name, Count: n})
	}
	for k, n := range b.users {
		b.sum.ByUser = append(b.sum.ByUser, UserCount{UserID: k.id, UserEmail: k.email, Count: n})
	}
	sortTableCounts(b.sum.ByTable)
	sortUserCounts(b.sum.ByUser)
	return b.sum
}

func sortTableCounts(tc []TableCount) {
	sort.Slice(tc, func(i, j int) bool {
		if tc[i].Count != tc[j].Count {
			return tc[i].Count > tc[j].Count
		}
		return tc[i].TableName < tc[j].TableName
	})
}

func sortUserCounts(uc []UserCount) {
	sort.Slice(uc, func(i, j int) bool {
		if uc[i].Count != uc[j].Count {
			return uc[i].Count > uc[j].Count
		}
		return uc[i].UserID < uc[j].UserID
	})
}

// Granularity is a histogram bucket width
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Bucket is the count of records created in [Start, Start+width)
type Bucket struct {
	Start time.Time
	Count int64
}

// ActorInfo is the display identity of a user
type ActorInfo struct {
	Name  string
	Email string
	Role  string
}

// ActorDirectory resolves user ids to display identities. found is false
// for users that no longer exist.
type ActorDirectory interface {
	LookupActor(ctx context.Context, userID string) (info ActorInfo, found bool, err error)
}

// enrich fills the display fields of r. Denormalized email and role win
// over the directory; missing values fall back to the sentinels.
func enrich(r *Record, info *ActorInfo) {
	name, email, role := "", r.UserEmail, r.UserRole
	if info != nil {
		name = info.Name
		if email == "" {
			email = info.Email
		}
		if role == "" {
			role = info.Role
		}
	}
	if name == "" {
		name = SystemActorName
	}
	if email == "" {
		email = UnknownValue
	}
	if role == "" {
		role = UnknownValue
	}
	r.UserName, r.UserEmail, r.UserRole = name, email, role
}
