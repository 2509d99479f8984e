package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sisiago/sisiago/pkg/observability"
)

// Query serves filtered listings and exports
type Query struct {
	store   Store
	metrics *observability.Metrics
}

// NewQuery creates a query service over store. metrics may be nil.
func NewQuery(store Store, metrics *observability.Metrics) *Query {
	return &Query{store: store, metrics: metrics}
}

func (q *Query) observe(kind string, start time.Time) {
	if q.metrics != nil {
		q.metrics.AuditQueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// List returns one page of records, newest first. The page size defaults
// to DefaultPageSize and is clamped to MaxPageSize.
func (q *Query) List(ctx context.Context, filter Filter, page PageRequest) (*Page, error) {
	defer q.observe("list", time.Now())

	page = page.Normalize()
	records, total, err := q.store.List(ctx, filter, page)
	if err != nil {
		return nil, err
	}

	return &Page{
		Records: records,
		Pagination: Pagination{
			Total:   total,
			Limit:   page.Limit,
			Offset:  page.Offset,
			HasMore: int64(page.Offset) < total-int64(page.Limit),
		},
	}, nil
}

// Get returns one record
func (q *Query) Get(ctx context.Context, id string) (*Record, error) {
	return q.store.Get(ctx, id)
}

// Records returns up to ExportCap records matching filter, newest first
func (q *Query) Records(ctx context.Context, filter Filter) ([]*Record, error) {
	records, _, err := q.store.List(ctx, filter, PageRequest{Limit: ExportCap})
	return records, err
}

// Export renders up to ExportCap matching records in format
func (q *Query) Export(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	defer q.observe("export", time.Now())

	records, err := q.Records(ctx, filter)
	if err != nil {
		return nil, err
	}

	data, err := Render(records, format)
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.AuditExportedRecords.WithLabelValues(string(format)).Add(float64(len(records)))
	}
	return data, nil
}

// Render encodes records in format
func Render(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(records)
	case ExportFormatJSON:
		return exportJSON(records)
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", ErrInvalidFilter, format)
	}
}

// ContentType returns the MIME type of an export format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv; charset=utf-8"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}
