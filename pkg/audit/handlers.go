package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/contextkeys"
	"github.com/sisiago/sisiago/pkg/httputil"
	"github.com/sisiago/sisiago/pkg/middleware"
	"github.com/sisiago/sisiago/pkg/observability"
)

// internalErrorMessage is the only detail a 500 reveals
const internalErrorMessage = "failed to query audit logs"

// recentActivitySize is the number of records in the stats route's
// recentActivity list
const recentActivitySize = 10

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	query  *Query
	stats  *Aggregator
	auth   *auth.Middleware
	logger *observability.Logger
	export middleware.RateLimitConfig
}

// HandlersOption configures Handlers
type HandlersOption func(*Handlers)

// WithExportRateLimit limits exports per actor; zero requests disables it
func WithExportRateLimit(requests int, window time.Duration) HandlersOption {
	return func(h *Handlers) {
		h.export.Requests = requests
		h.export.Window = window
	}
}

// WithHandlersLogger sets the logger
func WithHandlersLogger(logger *observability.Logger) HandlersOption {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandlers creates audit handlers. Every route requires an admin actor.
func NewHandlers(query *Query, stats *Aggregator, authMW *auth.Middleware, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		query:  query,
		stats:  stats,
		auth:   authMW,
		logger: observability.Nop(),
		export: middleware.DefaultRateLimitConfig(),
	}
	h.export.Name = "audit-export"
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the audit routes on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/audit-logs").Subrouter()
	sub.Use(h.auth.Authenticate, h.auth.RequireRole(auth.RoleAdmin))

	sub.HandleFunc("", h.listRecords).Methods(http.MethodGet)
	sub.HandleFunc("/stats", h.getStats).Methods(http.MethodGet)
	sub.HandleFunc("/stats/compare", h.compareStats).Methods(http.MethodGet)
	sub.Handle("/export", middleware.RateLimit(h.export, h.logger)(http.HandlerFunc(h.exportRecords))).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", h.getRecord).Methods(http.MethodGet)
}

type listResponse struct {
	Success    bool       `json:"success"`
	Data       []*Record  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// statsResponse is Stats plus the flattened maps and recent records the
// dashboard reads
type statsResponse struct {
	*Stats
	ByOperation    map[Operation]int64 `json:"byOperation"`
	ByTable        map[string]int64    `json:"byTable"`
	ByUser         map[string]int64    `json:"byUser"`
	RecentActivity []*Record           `json:"recentActivity"`
}

// listRecords handles GET /audit-logs
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.query.List(r.Context(), filter, page)
	if err != nil {
		page = page.Normalize()
		h.failWith(w, r, err, func(msg string) interface{} {
			return listFailure{Error: msg, listResponse: listResponse{
				Data:       []*Record{},
				Pagination: Pagination{Limit: page.Limit, Offset: page.Offset},
			}}
		})
		return
	}

	_ = httputil.WriteSuccess(w, listResponse{
		Success:    true,
		Data:       result.Records,
		Pagination: result.Pagination,
	})
}

// getRecord handles GET /audit-logs/{id}
func (h *Handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.query.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = httputil.WriteEnvelope(w, record)
}

// getStats handles GET /audit-logs/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	filter, opts, err := h.parseStatsRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		stats  *Stats
		recent *Page
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		stats, err = h.stats.Compute(ctx, filter, opts)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = h.query.List(ctx, filter, PageRequest{Limit: recentActivitySize})
		return err
	})
	if err := g.Wait(); err != nil {
		h.failWith(w, r, err, func(msg string) interface{} {
			return statsFailure{Error: msg, statsResponse: flatten(emptyStats(), []*Record{})}
		})
		return
	}

	_ = httputil.WriteSuccess(w, flatten(stats, recent.Records))
}

// compareStats handles GET /audit-logs/stats/compare
func (h *Handlers) compareStats(w http.ResponseWriter, r *http.Request) {
	filter, opts, err := h.parseStatsRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	cmp, err := h.stats.CompareWithPrevious(r.Context(), filter, opts)
	if err != nil {
		h.failWith(w, r, err, func(msg string) interface{} {
			return compareFailure{Error: msg, Comparison: Comparison{Current: emptyStats(), Previous: emptyStats()}}
		})
		return
	}
	_ = httputil.WriteSuccess(w, cmp)
}

// exportRecords handles GET /audit-logs/export
func (h *Handlers) exportRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	data, err := h.query.Export(r.Context(), filter, format)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	filename := fmt.Sprintf("audit-logs-%s.%s", h.stats.Now().Format(dateLayout), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// fail maps err to a response. Cancelled requests get none.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.failWith(w, r, err, nil)
}

// failWith is fail for read routes: a 500 body is built by empty so it
// carries the route's zero result next to the error message
func (h *Handlers) failWith(w http.ResponseWriter, r *http.Request, err error, empty func(message string) interface{}) {
	log := h.logger.WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
	})

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(r.Context().Err(), context.Canceled):
		log.Debug("request cancelled by client")
	case errors.Is(err, ErrInvalidFilter):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		log.WithError(err).Error("audit query failed")
		if empty == nil {
			httputil.WriteInternalError(w, internalErrorMessage)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusInternalServerError, empty(internalErrorMessage))
	}
}

// Read failures carry the route's zero result next to the error
type listFailure struct {
	Error string `json:"error"`
	listResponse
}

type statsFailure struct {
	Error string `json:"error"`
	statsResponse
}

type compareFailure struct {
	Error string `json:"error"`
	Comparison
}

// emptyStats is the zeroed Stats served alongside a read failure
func emptyStats() *Stats {
	sum := newSummaryBuilder().build()
	return &Stats{
		OperationStats: sum.ByOperation,
		TableStats:     sum.ByTable,
		UserStats:      sum.ByUser,
	}
}

// ParseFilter reads the shared filter query parameters
func ParseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{
		TableName: strings.TrimSpace(q.Get("table_name")),
		UserID:    strings.TrimSpace(q.Get("user_id")),
	}

	var err error
	if op := q.Get("operation"); op != "" {
		if f.Operation, err = ParseOperation(op); err != nil {
			return f, err
		}
	}
	if f.StartDate, err = ParseDateBound(q.Get("start_date"), false); err != nil {
		return f, err
	}
	if f.EndDate, err = ParseDateBound(q.Get("end_date"), true); err != nil {
		return f, err
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return f, fmt.Errorf("%w: end_date before start_date", ErrInvalidFilter)
	}
	return f, nil
}

func parsePage(r *http.Request) (PageRequest, error) {
	limit, err := httputil.ParseQueryNonNegativeInt(r, "limit", DefaultPageSize)
	if err != nil {
		return PageRequest{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	offset, err := httputil.ParseQueryNonNegativeInt(r, "offset", 0)
	if err != nil {
		return PageRequest{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return PageRequest{Limit: limit, Offset: offset}, nil
}

func (h *Handlers) parseStatsRequest(r *http.Request) (Filter, StatsOptions, error) {
	var opts StatsOptions

	filter, err := ParseFilter(r)
	if err != nil {
		return filter, opts, err
	}
	filter, err = ApplyTimeRange(filter, r.URL.Query().Get("time_range"), h.stats.Now())
	if err != nil {
		return filter, opts, err
	}

	for _, p := range []struct {
		key string
		dst *bool
	}{
		{"include_hourly", &opts.IncludeHourly},
		{"include_daily", &opts.IncludeDaily},
		{"include_risk", &opts.IncludeRisk},
	} {
		if *p.dst, err = httputil.ParseQueryBool(r, p.key, false); err != nil {
			return filter, opts, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
	}
	return filter, opts, nil
}

func flatten(stats *Stats, recent []*Record) statsResponse {
	resp := statsResponse{
		Stats:          stats,
		ByOperation:    stats.OperationStats,
		ByTable:        make(map[string]int64, len(stats.TableStats)),
		ByUser:         make(map[string]int64, len(stats.UserStats)),
		RecentActivity: recent,
	}
	for _, t := range stats.TableStats {
		resp.ByTable[t.TableName] = t.Count
	}
	for _, u := range stats.UserStats {
		key := u.UserEmail
		if key == "" {
			key = u.UserID
		}
		if key == "" {
			key = SystemActorName
		}
		resp.ByUser[key] += u.Count
	}
	if resp.RecentActivity == nil {
		resp.RecentActivity = []*Record{}
	}
	return resp
}
