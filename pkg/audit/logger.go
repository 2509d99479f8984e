package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sisiago/sisiago/pkg/async"
	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/observability"
)

// Write outcomes reported on sisiago_audit_writes_total
const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultInvalid = "invalid"
	resultDropped = "dropped"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type recordInput struct {
	TableName string    `validate:"required,max=128"`
	RecordID  string    `validate:"required,max=256"`
	Operation Operation `validate:"required,oneof=CREATE UPDATE DELETE"`
}

// Logger records mutations. Record never returns an error and never panics
// outward: a failed write is logged, counted and discarded.
type Logger struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics

	timeout       time.Duration
	retryAttempts int
	retryBackoff  time.Duration
	breaker       *gobreaker.CircuitBreaker[struct{}]

	async   bool
	tracker *async.Tracker

	now   func() time.Time
	newID func() string
}

// LoggerOption configures a Logger
type LoggerOption func(*Logger)

// WithLoggerLogger sets the operational logger failures are reported to
func WithLoggerLogger(logger *observability.Logger) LoggerOption {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics reports write outcomes and durations
func WithMetrics(metrics *observability.Metrics) LoggerOption {
	return func(l *Logger) { l.metrics = metrics }
}

// WithWriteTimeout bounds each write, retries included
func WithWriteTimeout(d time.Duration) LoggerOption {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRetry retries failed inserts up to attempts more times, sleeping
// backoff, 2*backoff, ... between tries. Off by default.
func WithRetry(attempts int, backoff time.Duration) LoggerOption {
	return func(l *Logger) {
		l.retryAttempts = max(attempts, 0)
		l.retryBackoff = backoff
	}
}

// WithCircuitBreaker stops calling the store after threshold consecutive
// failures; writes are dropped until cooldown has passed. A threshold of
// zero disables the breaker.
func WithCircuitBreaker(threshold uint32, cooldown time.Duration) LoggerOption {
	return func(l *Logger) {
		if threshold == 0 {
			l.breaker = nil
			return
		}
		l.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "audit-store",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.logger.WithFields(map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("audit write breaker changed state")
				if l.metrics != nil {
					l.metrics.AuditBreakerStateGauge.Set(breakerStateValue(to))
				}
			},
		})
	}
}

// WithAsync moves writes onto a background goroutine so Record returns
// immediately. Close waits for in-flight writes.
func WithAsync(enabled bool) LoggerOption {
	return func(l *Logger) { l.async = enabled }
}

// WithClock overrides the clock stamping created_at
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a logger writing to store
func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{
		store:   store,
		logger:  observability.Nop(),
		timeout: 5 * time.Second,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tracker = async.NewTracker(l.logger)
	return l
}

// Record persists one audit record describing a committed mutation.
// Missing actor and network fields are taken from ctx. The write outlives
// ctx's cancellation but not the configured write timeout.
func (l *Logger) Record(ctx context.Context, tableName, recordID string, op Operation, change Change) {
	defer observability.RecoverPanic(l.logger, "audit.Logger.Record")

	rec, err := l.build(ctx, tableName, recordID, op, change)
	if err != nil {
		l.count(resultInvalid)
		l.logger.WithError(err).WithFields(map[string]interface{}{
			"table_name": tableName,
			"record_id":  recordID,
			"operation":  string(op),
		}).Warn("audit record rejected")
		return
	}

	detached := context.WithoutCancel(ctx)
	if l.async {
		l.tracker.Go(detached, l.timeout, "audit.write", func(ctx context.Context) error {
			l.write(ctx, rec)
			return nil
		})
		return
	}

	wctx, cancel := context.WithTimeout(detached, l.timeout)
	defer cancel()
	l.write(wctx, rec)
}

// Close waits for asynchronous writes still in flight
func (l *Logger) Close(ctx context.Context) error {
	return l.tracker.Wait(ctx)
}

func (l *Logger) build(ctx context.Context, tableName, recordID string, op Operation, change Change) (*Record, error) {
	if parsed, err := ParseOperation(string(op)); err == nil {
		op = parsed
	}
	if err := validate.Struct(recordInput{TableName: tableName, RecordID: recordID, Operation: op}); err != nil {
		return nil, fmt.Errorf("invalid audit record: %w", err)
	}

	rec := &Record{
		ID:        l.newID(),
		TableName: tableName,
		RecordID:  recordID,
		Operation: op,
		OldValues: change.OldValues,
		NewValues: change.NewValues,
		UserID:    change.UserID,
		UserEmail: change.UserEmail,
		UserRole:  change.UserRole,
		IPAddress: change.IPAddress,
		UserAgent: change.UserAgent,
		CreatedAt: l.now().UTC(),
	}

	if actor, ok := auth.ActorFromContext(ctx); ok && rec.UserID == "" {
		rec.UserID = actor.ID
		if rec.UserEmail == "" {
			rec.UserEmail = actor.Email
		}
		if rec.UserRole == "" {
			rec.UserRole = string(actor.Role)
		}
	}
	if meta, ok := RequestMetaFromContext(ctx); ok {
		if rec.IPAddress == "" {
			rec.IPAddress = meta.IPAddress
		}
		if rec.UserAgent == "" {
			rec.UserAgent = meta.UserAgent
		}
	}
	return rec, nil
}

func (l *Logger) write(ctx context.Context, rec *Record) {
	start := time.Now()
	err := l.insertWithRetry(ctx, rec)
	if l.metrics != nil {
		l.metrics.AuditWriteDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		l.count(resultOK)
		return
	}

	log := l.logger.WithError(err).WithFields(map[string]interface{}{
		"audit_id":   rec.ID,
		"table_name": rec.TableName,
		"record_id":  rec.RecordID,
		"operation":  string(rec.Operation),
	})
	if isBreakerRejection(err) {
		l.count(resultDropped)
		log.Warn("audit write dropped, store circuit open")
		return
	}
	l.count(resultFailed)
	log.Error("audit write failed")
}

func (l *Logger) insertWithRetry(ctx context.Context, rec *Record) error {
	var err error
	for attempt := 0; attempt <= l.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(l.retryBackoff * time.Duration(attempt)):
			}
		}

		err = l.insertOnce(ctx, rec)
		if err == nil || isBreakerRejection(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (l *Logger) insertOnce(ctx context.Context, rec *Record) error {
	if l.breaker == nil {
		return l.store.Insert(ctx, rec)
	}
	_, err := l.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, l.store.Insert(ctx, rec)
	})
	return err
}

func (l *Logger) count(result string) {
	if l.metrics != nil {
		l.metrics.AuditWritesTotal.WithLabelValues(result).Inc()
	}
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
