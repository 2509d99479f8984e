package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sisiago/sisiago/pkg/storage/postgres"
)

var tracer = otel.Tracer("github.com/sisiago/sisiago/pkg/audit")

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id UUID PRIMARY KEY,
	seq BIGSERIAL NOT NULL UNIQUE,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK (operation IN ('CREATE', 'UPDATE', 'DELETE')),
	old_values JSONB,
	new_values JSONB,
	user_id TEXT,
	user_email TEXT,
	user_role TEXT,
	ip_address TEXT,
	user_agent TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_table_name ON audit_logs(table_name);
CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_operation ON audit_logs(operation);

CREATE OR REPLACE FUNCTION audit_logs_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_logs is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_logs_append_only ON audit_logs;
CREATE TRIGGER audit_logs_append_only
	BEFORE UPDATE OR DELETE ON audit_logs
	FOR EACH ROW EXECUTE FUNCTION audit_logs_reject_mutation();
`

// recordColumns selects a record joined to its actor. The last four columns
// feed ActorInfo when the user still exists.
const recordColumns = `
	a.id, a.table_name, a.record_id, a.operation, a.old_values, a.new_values,
	COALESCE(a.user_id, ''), COALESCE(a.user_email, ''), COALESCE(a.user_role, ''),
	COALESCE(a.ip_address, ''), COALESCE(a.user_agent, ''), a.created_at,
	u.id IS NOT NULL, COALESCE(u.name, ''), COALESCE(u.email, ''), COALESCE(u.role, '')
FROM audit_logs a
LEFT JOIN users u ON u.id::text = a.user_id`

// PostgresStore persists records in the audit_logs table. Inserts go to the
// primary; reads go to a replica when one is configured.
type PostgresStore struct {
	conns *postgres.ConnectionManager
}

// NewPostgresStore creates the store and ensures the table, indexes and the
// append-only trigger exist.
func NewPostgresStore(ctx context.Context, conns *postgres.ConnectionManager) (*PostgresStore, error) {
	s := &PostgresStore{conns: conns}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create audit_logs table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.conns.Primary().ExecContext(ctx, schema)
	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "audit_logs"))
	return tracer.Start(ctx, "PostgresStore."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Insert writes one row
func (s *PostgresStore) Insert(ctx context.Context, r *Record) (err error) {
	ctx, span := startSpan(ctx, "Insert", attribute.String("audit.table", r.TableName))
	defer func() { endSpan(span, err) }()

	oldJSON, err := marshalValues(r.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newJSON, err := marshalValues(r.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}

	_, err = s.conns.Primary().ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, table_name, record_id, operation, old_values, new_values,
			user_id, user_email, user_role, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.TableName, r.RecordID, string(r.Operation), oldJSON, newJSON,
		nullString(r.UserID), nullString(r.UserEmail), nullString(r.UserRole),
		nullString(r.IPAddress), nullString(r.UserAgent), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Get returns one record
func (s *PostgresStore) Get(ctx context.Context, id string) (rec *Record, err error) {
	ctx, span := startSpan(ctx, "Get")
	defer func() { endSpan(span, err) }()

	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return nil, ErrNotFound
	}

	row := s.conns.Replica().QueryRowContext(ctx, "SELECT"+recordColumns+" WHERE a.id = $1", id)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

// whereClause renders filter as a WHERE clause over alias a, numbering
// placeholders from 1.
func whereClause(f Filter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(" WHERE 1=1")
	args := []interface{}{}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+cond, len(args))
	}
	if f.TableName != "" {
		add("a.table_name = $%d", f.TableName)
	}
	if f.Operation != "" {
		add("a.operation = $%d", string(f.Operation))
	}
	if f.UserID != "" {
		add("a.user_id = $%d", f.UserID)
	}
	if f.StartDate != nil {
		add("a.created_at >= $%d", f.StartDate.UTC())
	}
	if f.EndDate != nil {
		add("a.created_at <= $%d", f.EndDate.UTC())
	}
	return b.String(), args
}

// List returns a page of records, newest first with insertion order
// breaking ties
func (s *PostgresStore) List(ctx context.Context, filter Filter, page PageRequest) (records []*Record, total int64, err error) {
	ctx, span := startSpan(ctx, "List",
		attribute.Int("page.limit", page.Limit),
		attribute.Int("page.offset", page.Offset),
	)
	defer func() { endSpan(span, err) }()

	db := s.conns.Replica()
	where, args := whereClause(filter)

	if err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs a"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := "SELECT" + recordColumns + where + " ORDER BY a.created_at DESC, a.seq DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records = make([]*Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("failed to scan audit record: %w", scanErr)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit records: %w", err)
	}

	span.SetAttributes(attribute.Int64("audit.total", total), attribute.Int("audit.returned", len(records)))
	return records, total, nil
}

// Summarize groups the filtered rows once by operation, table, actor and
// hour of day and folds the groups in memory
func (s *PostgresStore) Summarize(ctx context.Context, filter Filter) (sum *Summary, err error) {
	ctx, span := startSpan(ctx, "Summarize")
	defer func() { endSpan(span, err) }()

	where, args := whereClause(filter)
	rows, err := s.conns.Replica().QueryContext(ctx, `
		SELECT a.operation, a.table_name, COALESCE(a.user_id, ''), COALESCE(a.user_email, ''),
			EXTRACT(HOUR FROM a.created_at AT TIME ZONE 'UTC')::int, COUNT(*)
		FROM audit_logs a`+where+`
		GROUP BY 1, 2, 3, 4, 5`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit records: %w", err)
	}
	defer rows.Close()

	b := newSummaryBuilder()
	for rows.Next() {
		var (
			op, table, userID, email string
			hour                     int
			count                    int64
		)
		if err := rows.Scan(&op, &table, &userID, &email, &hour, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		b.add(Operation(op), table, userID, email, hour, count)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary rows: %w", err)
	}
	return b.build(), nil
}

// Histogram counts rows per UTC hour or day
func (s *PostgresStore) Histogram(ctx context.Context, filter Filter, granularity Granularity) (buckets []Bucket, err error) {
	ctx, span := startSpan(ctx, "Histogram", attribute.String("audit.granularity", string(granularity)))
	defer func() { endSpan(span, err) }()

	if granularity != GranularityHour && granularity != GranularityDay {
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrInvalidFilter, granularity)
	}

	where, args := whereClause(filter)
	rows, err := s.conns.Replica().QueryContext(ctx, `
		SELECT date_trunc('`+string(granularity)+`', a.created_at AT TIME ZONE 'UTC') AS bucket, COUNT(*)
		FROM audit_logs a`+where+`
		GROUP BY 1 ORDER BY 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket audit records: %w", err)
	}
	defer rows.Close()

	buckets = make([]Bucket, 0)
	for rows.Next() {
		var (
			start time.Time
			count int64
		)
		if err := rows.Scan(&start, &count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		// date_trunc yields a zone-less timestamp; its wall clock is UTC
		start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), 0, 0, 0, time.UTC)
		buckets = append(buckets, Bucket{Start: start, Count: count})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buckets: %w", err)
	}
	return buckets, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                 Record
		op                string
		oldJSON, newJSON  []byte
		userFound         bool
		name, email, role string
	)
	err := row.Scan(
		&r.ID, &r.TableName, &r.RecordID, &op, &oldJSON, &newJSON,
		&r.UserID, &r.UserEmail, &r.UserRole,
		&r.IPAddress, &r.UserAgent, &r.CreatedAt,
		&userFound, &name, &email, &role,
	)
	if err != nil {
		return nil, err
	}

	r.Operation = Operation(op)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.OldValues, err = unmarshalValues(oldJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal old values: %w", err)
	}
	if r.NewValues, err = unmarshalValues(newJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal new values: %w", err)
	}

	var info *ActorInfo
	if userFound {
		info = &ActorInfo{Name: name, Email: email, Role: role}
	}
	enrich(&r, info)
	return &r, nil
}

func marshalValues(v Values) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalValues(b []byte) (Values, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var v Values
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
