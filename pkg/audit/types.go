package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of mutation an audit record describes
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Operations lists every operation in display order
var Operations = []Operation{OperationCreate, OperationUpdate, OperationDelete}

// Paging and export limits
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
	ExportCap       = 10000
)

// Display fallbacks for records whose actor is absent or no longer exists
const (
	SystemActorName = "Sistema"
	UnknownValue    = "N/A"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("audit record not found")

	// ErrInvalidFilter marks a malformed filter, option or format
	ErrInvalidFilter = errors.New("invalid audit filter")
)

// ParseOperation parses an operation name. INSERT is accepted as an alias
// of CREATE; the result is always canonical.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OperationCreate, "INSERT":
		return OperationCreate, nil
	case OperationUpdate, OperationDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidFilter, s)
	}
}

// Valid reports whether o is one of the canonical operations
func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Values is a snapshot of an entity's fields
type Values map[string]interface{}

// Change describes a mutation handed to Logger.Record. Actor and network
// fields left empty are filled from the request context.
type Change struct {
	OldValues Values
	NewValues Values
	UserID    string
	UserEmail string
	UserRole  string
	IPAddress string
	UserAgent string
}

// Record is one immutable audit entry
type Record struct {
	ID        string    `json:"id"`
	TableName string    `json:"table_name"`
	RecordID  string    `json:"record_id"`
	Operation Operation `json:"operation"`
	OldValues Values    `json:"old_values,omitempty"`
	NewValues Values    `json:"new_values,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	UserEmail string    `json:"user_email"`
	UserRole  string    `json:"user_role"`
	UserName  string    `json:"user_name"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects records; every non-empty field must match
type Filter struct {
	TableName string
	Operation Operation
	UserID    string
	StartDate *time.Time
	EndDate   *time.Time
}

// Matches reports whether r satisfies every field of f. Date bounds are
// inclusive.
func (f Filter) Matches(r *Record) bool {
	if f.TableName != "" && r.TableName != f.TableName {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.StartDate != nil && r.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// Window returns the bounded window of f, if both ends are set
func (f Filter) Window() (start, end time.Time, ok bool) {
	if f.StartDate == nil || f.EndDate == nil {
		return time.Time{}, time.Time{}, false
	}
	return *f.StartDate, *f.EndDate, true
}

// WithWindow returns a copy of f bounded to [start, end]
func (f Filter) WithWindow(start, end time.Time) Filter {
	s, e := start.UTC(), end.UTC()
	f.StartDate = &s
	f.EndDate = &e
	return f
}

// PageRequest is a requested page; zero values select the defaults
type PageRequest struct {
	Limit  int
	Offset int
}

// Normalize applies the default page size and the clamp
func (p PageRequest) Normalize() PageRequest {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Pagination describes the page served
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// Page is one page of records, newest first
type Page struct {
	Records    []*Record  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ExportFormat is an export rendering
type ExportFormat string

const (
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// ParseExportFormat validates a format name; empty selects csv
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return ExportFormatCSV, nil
	case ExportFormatCSV, ExportFormatJSON, ExportFormatNDJSON:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidFilter, s)
	}
}

// TimeRange is a resolved statistics window
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TableCount is the number of records for one table
type TableCount struct {
	TableName string `json:"tableName"`
	Count     int64  `json:"count"`
}

// UserCount is the number of records attributed to one actor
type UserCount struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	Count     int64  `json:"count"`
}

// HourlyCount is one hour bucket, hour formatted as 2006-01-02T15:00:00
type HourlyCount struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// DailyCount is one UTC calendar day bucket
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// RiskMetrics summarizes anomalous activity in a window
type RiskMetrics struct {
	SuspiciousActivities int64 `json:"suspiciousActivities"`
	FailedLogins         int64 `json:"failedLogins"`
	UnusualPatterns      int64 `json:"unusualPatterns"`
	RiskScore            int64 `json:"riskScore"`
}

// Stats is the derived summary of a filtered record set
type Stats struct {
	TotalLogs      int64               `json:"totalLogs"`
	OperationStats map[Operation]int64 `json:"operationStats"`
	TableStats     []TableCount        `json:"tableStats"`
	UserStats      []UserCount         `json:"userStats"`
	HourlyStats    []HourlyCount       `json:"hourlyStats,omitempty"`
	DailyStats     []DailyCount        `json:"dailyStats,omitempty"`
	RiskMetrics    *RiskMetrics        `json:"riskMetrics,omitempty"`
	TimeRange      *TimeRange          `json:"timeRange,omitempty"`
}

// StatsOptions toggles the more expensive sections of Stats
type StatsOptions struct {
	IncludeHourly bool
	IncludeDaily  bool
	IncludeRisk   bool
}

// Comparison pairs a window's stats with the preceding window of equal length
type Comparison struct {
	Current  *Stats `json:"current"`
	Previous *Stats `json:"previous"`
}

// RequestMeta is the network provenance captured by RequestContext
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

const dateLayout = "2006-01-02"

// ParseDateBound parses a start or end date. A bare YYYY-MM-DD is widened to
// the first (start) or last (end) millisecond of that UTC day; RFC3339 is
// an exact instant.
func ParseDateBound(s string, end bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.Parse(dateLayout, s); err == nil {
		if end {
			d = d.Add(24*time.Hour - time.Millisecond)
		}
		return &d, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("%w: invalid date %q (want YYYY-MM-DD or RFC3339)", ErrInvalidFilter, s)
}
