package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sisiago/sisiago/pkg/audit"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

// APIError is a non-2xx reply from the audit API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("audit api: %d %s", e.StatusCode, e.Message)
}

// Params are the filters shared by every dashboard call
type Params struct {
	TableName string
	Operation audit.Operation
	UserID    string
	StartDate string
	EndDate   string
	// TimeRange is one of 1h, 24h, 7d, 30d or custom
	TimeRange     string
	IncludeHourly bool
	IncludeDaily  bool
	IncludeRisk   bool
	Limit         int
	Offset        int
}

func (p Params) values() url.Values {
	v := url.Values{}
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set("table_name", p.TableName)
	set("operation", string(p.Operation))
	set("user_id", p.UserID)
	set("start_date", p.StartDate)
	set("end_date", p.EndDate)
	set("time_range", p.TimeRange)
	if p.IncludeHourly {
		v.Set("include_hourly", "true")
	}
	if p.IncludeDaily {
		v.Set("include_daily", "true")
	}
	if p.IncludeRisk {
		v.Set("include_risk", "true")
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		v.Set("offset", strconv.Itoa(p.Offset))
	}
	return v
}

// ListResult is the body of GET /audit-logs
type ListResult struct {
	Success    bool             `json:"success"`
	Data       []*audit.Record  `json:"data"`
	Pagination audit.Pagination `json:"pagination"`
}

// StatsView is the body of GET /audit-logs/stats
type StatsView struct {
	audit.Stats
	ByOperation    map[audit.Operation]int64 `json:"byOperation"`
	ByTable        map[string]int64          `json:"byTable"`
	ByUser         map[string]int64          `json:"byUser"`
	RecentActivity []*audit.Record           `json:"recentActivity"`
}

// Client calls the audit API with a session token
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the traced default client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches one page of records
func (c *Client) List(ctx context.Context, p Params) (*ListResult, error) {
	var out ListResult
	if err := c.get(ctx, "/audit-logs", p.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches statistics
func (c *Client) Stats(ctx context.Context, p Params) (*StatsView, error) {
	var out StatsView
	if err := c.get(ctx, "/audit-logs/stats", p.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Compare fetches statistics for the window and the one before it
func (c *Client) Compare(ctx context.Context, p Params) (*audit.Comparison, error) {
	var out audit.Comparison
	if err := c.get(ctx, "/audit-logs/stats/compare", p.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
