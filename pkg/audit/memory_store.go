package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	record Record
	seq    int64
}

// MemoryStore keeps records in process. It backs tests and single-node
// development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []memoryEntry
	nextSeq   int64
	directory ActorDirectory
}

// NewMemoryStore creates an empty store. directory may be nil, in which
// case every actor renders with the fallback name.
func NewMemoryStore(directory ActorDirectory) *MemoryStore {
	return &MemoryStore{directory: directory}
}

// Insert stores a copy of record
func (s *MemoryStore) Insert(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.entries = append(s.entries, memoryEntry{record: *copyRecord(*record), seq: s.nextSeq})
	return nil
}

// Get returns the record with id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	var found *Record
	for i := range s.entries {
		if s.entries[i].record.ID == id {
			found = copyRecord(s.entries[i].record)
			break
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return nil, ErrNotFound
	}
	if err := s.enrichAll(ctx, []*Record{found}); err != nil {
		return nil, err
	}
	return found, nil
}

// matching returns the entries matching filter, newest first
func (s *MemoryStore) matching(filter Filter) []memoryEntry {
	s.mu.RLock()
	out := make([]memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.Matches(&e.record) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.record.CreatedAt.Equal(b.record.CreatedAt) {
			return a.record.CreatedAt.After(b.record.CreatedAt)
		}
		return a.seq > b.seq
	})
	return out
}

// List returns one page of matching records
func (s *MemoryStore) List(ctx context.Context, filter Filter, page PageRequest) ([]*Record, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	all := s.matching(filter)
	total := int64(len(all))

	start := min(max(page.Offset, 0), len(all))
	end := len(all)
	if page.Limit > 0 {
		end = min(start+page.Limit, len(all))
	}

	records := make([]*Record, 0, end-start)
	for _, e := range all[start:end] {
		records = append(records, copyRecord(e.record))
	}
	if err := s.enrichAll(ctx, records); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Summarize counts matching records
func (s *MemoryStore) Summarize(ctx context.Context, filter Filter) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := newSummaryBuilder()
	for _, e := range s.matching(filter) {
		r := e.record
		b.add(r.Operation, r.TableName, r.UserID, r.UserEmail, r.CreatedAt.UTC().Hour(), 1)
	}
	return b.build(), nil
}

// Histogram counts matching records per bucket
func (s *MemoryStore) Histogram(ctx context.Context, filter Filter, granularity Granularity) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if granularity != GranularityHour && granularity != GranularityDay {
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrInvalidFilter, granularity)
	}

	counts := make(map[int64]int64)
	for _, e := range s.matching(filter) {
		counts[granularity.truncate(e.record.CreatedAt).Unix()]++
	}

	buckets := make([]Bucket, 0, len(counts))
	for start, n := range counts {
		buckets = append(buckets, Bucket{Start: unixUTC(start), Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets, nil
}

func (s *MemoryStore) enrichAll(ctx context.Context, records []*Record) error {
	cache := make(map[string]*ActorInfo)
	for _, r := range records {
		var info *ActorInfo
		if r.UserID != "" && s.directory != nil {
			cached, seen := cache[r.UserID]
			if !seen {
				found, ok, err := s.directory.LookupActor(ctx, r.UserID)
				if err != nil {
					return fmt.Errorf("failed to resolve actor %s: %w", r.UserID, err)
				}
				if ok {
					cached = &found
				}
				cache[r.UserID] = cached
			}
			info = cached
		}
		enrich(r, info)
	}
	return nil
}

func copyRecord(r Record) *Record {
	r.OldValues = cloneValues(r.OldValues)
	r.NewValues = cloneValues(r.NewValues)
	return &r
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func cloneValues(v Values) Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
