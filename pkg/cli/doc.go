// Package cli implements sisiago-dashboard, a terminal view of the audit
// statistics API.
//
// # Commands
//
// stats: one statistics snapshot, optionally with hourly, daily and risk
// sections
//
//	sisiago-dashboard stats --time-range 24h --risk
//
// compare: the window against the preceding window of equal length
//
//	sisiago-dashboard compare --time-range 7d
//
// list: one page of audit records, newest first
//
//	sisiago-dashboard list --table products --operation UPDATE --limit 50
//
// watch: refreshes statistics every --interval (60s by default) until
// interrupted, keeping the last good snapshot on screen when a refresh fails
//
//	sisiago-dashboard watch --interval 30s
//
// Every command takes --url and --token; the token defaults to
// SISIAGO_DASHBOARD_TOKEN. --json prints the raw API payload instead of
// the text view.
package cli
