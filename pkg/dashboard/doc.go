// Package dashboard is the consumer side of the audit API: a typed HTTP
// client and a poller that refreshes statistics on an interval (60s by
// default) or on demand. API errors are returned as *APIError so callers
// can display them; the poller keeps showing the last good snapshot.
package dashboard
