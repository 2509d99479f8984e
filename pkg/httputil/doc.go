// Package httputil provides JSON response writers, query parsing helpers
// and request logging shared by the HTTP handlers.
//
// Errors are always written as {"error": "..."}; successful envelopes as
// {"success": true, "data": ...}.
package httputil
