package audit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sisiago/sisiago/pkg/observability"
)

// Named time ranges
const (
	TimeRange1h     = "1h"
	TimeRange24h    = "24h"
	TimeRange7d     = "7d"
	TimeRange30d    = "30d"
	TimeRangeCustom = "custom"
)

var rangeDurations = map[string]time.Duration{
	TimeRange1h:  time.Hour,
	TimeRange24h: 24 * time.Hour,
	TimeRange7d:  7 * 24 * time.Hour,
	TimeRange30d: 30 * 24 * time.Hour,
}

const (
	hourlyBuckets = 24
	dailyBuckets  = 30
	hourLayout    = "2006-01-02T15:00:00"
)

// ResolveTimeRange maps a named range to [now-d, now]
func ResolveTimeRange(name string, now time.Time) (TimeRange, error) {
	d, ok := rangeDurations[name]
	if !ok {
		return TimeRange{}, fmt.Errorf("%w: unknown time range %q", ErrInvalidFilter, name)
	}
	now = now.UTC()
	return TimeRange{Start: now.Add(-d), End: now}, nil
}

// ApplyTimeRange bounds f by a named range. An empty name leaves f as is;
// custom requires f to carry both dates already.
func ApplyTimeRange(f Filter, name string, now time.Time) (Filter, error) {
	switch name {
	case "":
		return f, nil
	case TimeRangeCustom:
		if _, _, ok := f.Window(); !ok {
			return f, fmt.Errorf("%w: custom time range needs start_date and end_date", ErrInvalidFilter)
		}
		return f, nil
	default:
		tr, err := ResolveTimeRange(name, now)
		if err != nil {
			return f, err
		}
		return f.WithWindow(tr.Start, tr.End), nil
	}
}

// Aggregator computes statistics over the store
type Aggregator struct {
	store        Store
	failedLogins FailedLoginCounter
	policy       RiskPolicy
	now          func() time.Time
	metrics      *observability.Metrics
	logger       *observability.Logger
}

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithFailedLogins sets the source of the failedLogins risk signal
func WithFailedLogins(c FailedLoginCounter) AggregatorOption {
	return func(a *Aggregator) { a.failedLogins = c }
}

// WithRiskPolicy overrides the risk heuristic thresholds
func WithRiskPolicy(p RiskPolicy) AggregatorOption {
	return func(a *Aggregator) { a.policy = p }
}

// WithAggregatorClock overrides "now" for trailing series and named ranges
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithAggregatorMetrics records stats durations
func WithAggregatorMetrics(m *observability.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// WithAggregatorLogger sets the logger
func WithAggregatorLogger(l *observability.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates an aggregator over store
func NewAggregator(store Store, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:  store,
		policy: DefaultRiskPolicy(),
		now:    time.Now,
		logger: observability.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the aggregator's clock reading in UTC
func (a *Aggregator) Now() time.Time {
	return a.now().UTC()
}

func (a *Aggregator) observe(kind string, start time.Time) {
	if a.metrics != nil {
		a.metrics.AuditQueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// Compute summarizes the records matching filter. Hourly, daily and risk
// sections run concurrently with the base summary when requested.
func (a *Aggregator) Compute(ctx context.Context, filter Filter, opts StatsOptions) (*Stats, error) {
	defer a.observe("stats", time.Now())
	return a.compute(ctx, filter, opts, a.Now())
}

func (a *Aggregator) compute(ctx context.Context, filter Filter, opts StatsOptions, now time.Time) (*Stats, error) {
	var (
		sum          *Summary
		hourly       []HourlyCount
		daily        []DailyCount
		failedLogins int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sum, err = a.store.Summarize(gctx, filter)
		if err != nil {
			return fmt.Errorf("failed to summarize: %w", err)
		}
		return nil
	})
	if opts.IncludeHourly {
		g.Go(func() error {
			var err error
			hourly, err = a.hourly(gctx, filter, now)
			return err
		})
	}
	if opts.IncludeDaily {
		g.Go(func() error {
			var err error
			daily, err = a.daily(gctx, filter, now)
			return err
		})
	}
	if opts.IncludeRisk && a.failedLogins != nil {
		g.Go(func() error {
			start, end := failedLoginWindow(filter, now)
			n, err := a.failedLogins.CountFailedLogins(gctx, start, end)
			if err != nil {
				// The signal degrades to zero rather than failing the stats
				a.logger.WithError(err).Warn("failed to count failed logins")
				return nil
			}
			failedLogins = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalLogs:      sum.Total,
		OperationStats: sum.ByOperation,
		TableStats:     sum.ByTable,
		UserStats:      sum.ByUser,
		HourlyStats:    hourly,
		DailyStats:     daily,
	}
	if start, end, ok := filter.Window(); ok {
		stats.TimeRange = &TimeRange{Start: start.UTC(), End: end.UTC()}
	}
	if opts.IncludeRisk {
		stats.RiskMetrics = a.policy.Evaluate(sum, failedLogins)
	}
	return stats, nil
}

// seriesFilter narrows f to [first, now], intersected with f's own bounds.
// ok is false when the intersection is empty.
func seriesFilter(f Filter, first, now time.Time) (Filter, bool) {
	start, end := first, now
	if f.StartDate != nil && f.StartDate.After(start) {
		start = *f.StartDate
	}
	if f.EndDate != nil && f.EndDate.Before(end) {
		end = *f.EndDate
	}
	if end.Before(start) {
		return f, false
	}
	return f.WithWindow(start, end), true
}

func (a *Aggregator) buckets(ctx context.Context, f Filter, g Granularity, first, now time.Time) (map[int64]int64, error) {
	counts := make(map[int64]int64)
	sf, ok := seriesFilter(f, first, now)
	if !ok {
		return counts, nil
	}
	buckets, err := a.store.Histogram(ctx, sf, g)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s series: %w", g, err)
	}
	for _, b := range buckets {
		counts[b.Start.Unix()] += b.Count
	}
	return counts, nil
}

// hourly returns 24 zero-filled buckets ending with the current hour
func (a *Aggregator) hourly(ctx context.Context, f Filter, now time.Time) ([]HourlyCount, error) {
	last := GranularityHour.truncate(now)
	first := last.Add(-(hourlyBuckets - 1) * time.Hour)

	counts, err := a.buckets(ctx, f, GranularityHour, first, now)
	if err != nil {
		return nil, err
	}

	out := make([]HourlyCount, 0, hourlyBuckets)
	for i := 0; i < hourlyBuckets; i++ {
		h := first.Add(time.Duration(i) * time.Hour)
		out = append(out, HourlyCount{Hour: h.Format(hourLayout), Count: counts[h.Unix()]})
	}
	return out, nil
}

// daily returns 30 zero-filled UTC day buckets ending with today
func (a *Aggregator) daily(ctx context.Context, f Filter, now time.Time) ([]DailyCount, error) {
	today := GranularityDay.truncate(now)
	first := today.AddDate(0, 0, -(dailyBuckets - 1))

	counts, err := a.buckets(ctx, f, GranularityDay, first, now)
	if err != nil {
		return nil, err
	}

	out := make([]DailyCount, 0, dailyBuckets)
	for i := 0; i < dailyBuckets; i++ {
		d := first.AddDate(0, 0, i)
		out = append(out, DailyCount{Date: d.Format(dateLayout), Count: counts[d.Unix()]})
	}
	return out, nil
}

// CompareWithPrevious computes stats for filter's window and for the window
// of equal length ending where it starts. A filter without a bounded
// window is compared over the trailing 24h.
func (a *Aggregator) CompareWithPrevious(ctx context.Context, filter Filter, opts StatsOptions) (*Comparison, error) {
	defer a.observe("compare", time.Now())

	now := a.Now()
	start, end, ok := filter.Window()
	if !ok {
		tr, _ := ResolveTimeRange(TimeRange24h, now)
		start, end = tr.Start, tr.End
		filter = filter.WithWindow(start, end)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrInvalidFilter)
	}
	previous := filter.WithWindow(start.Add(-end.Sub(start)), start)

	var cmp Comparison
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cmp.Current, err = a.compute(gctx, filter, opts, now)
		return err
	})
	g.Go(func() error {
		var err error
		cmp.Previous, err = a.compute(gctx, previous, opts, now)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &cmp, nil
}
