// Package archive copies each day's audit records to object storage. It
// only reads the audit log; nothing is purged after upload.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/observability"
)

const dayLayout = "2006-01-02"

// Uploader stores archive objects
type Uploader interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// Config controls object naming and format
type Config struct {
	Prefix string
	Format audit.ExportFormat
	// Overwrite re-uploads days that already have an object
	Overwrite bool
}

// Result describes one archive run
type Result struct {
	Day     string
	Key     string
	Records int
	Skipped bool
}

// Archiver exports one UTC day of records per run
type Archiver struct {
	query    *audit.Query
	uploader Uploader
	cfg      Config
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// Option configures an Archiver
type Option func(*Archiver)

// WithMetrics counts runs by outcome
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Archiver) { a.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithClock overrides the clock used to pick "yesterday"
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New creates an archiver
func New(query *audit.Query, uploader Uploader, cfg Config, opts ...Option) (*Archiver, error) {
	if cfg.Format == "" {
		cfg.Format = audit.ExportFormatCSV
	}
	if _, err := audit.ParseExportFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	a := &Archiver{
		query:    query,
		uploader: uploader,
		cfg:      cfg,
		logger:   observability.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Key returns the object key of day: prefix/YYYY/MM/DD/audit-logs-YYYY-MM-DD.fmt
func (a *Archiver) Key(day time.Time) string {
	day = day.UTC()
	name := fmt.Sprintf("audit-logs-%s.%s", day.Format(dayLayout), a.cfg.Format)
	return path.Join(a.cfg.Prefix, day.Format("2006"), day.Format("01"), day.Format("02"), name)
}

func (a *Archiver) count(result string) {
	if a.metrics != nil {
		a.metrics.AuditArchiveRunsTotal.WithLabelValues(result).Inc()
	}
}

// RunYesterday archives the previous UTC day
func (a *Archiver) RunYesterday(ctx context.Context) (*Result, error) {
	return a.RunDay(ctx, a.now().UTC().AddDate(0, 0, -1))
}

// RunDay archives every record created on day (UTC). Days that already have
// an object are skipped unless Overwrite is set.
func (a *Archiver) RunDay(ctx context.Context, day time.Time) (*Result, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	res := &Result{Day: start.Format(dayLayout), Key: a.Key(start)}
	log := a.logger.WithFields(map[string]interface{}{"day": res.Day, "key": res.Key})

	if !a.cfg.Overwrite {
		exists, err := a.uploader.ObjectExists(ctx, res.Key)
		if err != nil {
			a.count("failed")
			return nil, err
		}
		if exists {
			res.Skipped = true
			a.count("skipped")
			log.Info("archive already exists")
			return res, nil
		}
	}

	records, err := a.collect(ctx, audit.Filter{}.WithWindow(start, start.Add(24*time.Hour-time.Microsecond)))
	if err != nil {
		a.count("failed")
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}
	res.Records = len(records)

	data, err := audit.Render(records, a.cfg.Format)
	if err != nil {
		a.count("failed")
		return nil, fmt.Errorf("failed to render archive: %w", err)
	}
	if err := a.uploader.PutObject(ctx, res.Key, data, a.cfg.Format.ContentType()); err != nil {
		a.count("failed")
		return nil, err
	}

	a.count("ok")
	log.WithField("records", res.Records).Info("audit archive uploaded")
	return res, nil
}

// collect pages through every record matching filter
func (a *Archiver) collect(ctx context.Context, filter audit.Filter) ([]*audit.Record, error) {
	var records []*audit.Record
	page := audit.PageRequest{Limit: audit.MaxPageSize}
	for {
		result, err := a.query.List(ctx, filter, page)
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
		if !result.Pagination.HasMore || len(result.Records) == 0 {
			return records, nil
		}
		page.Offset += len(result.Records)
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(errors.New("archive interrupted"), err)
		}
	}
}
