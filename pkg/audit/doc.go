// Package audit records data mutations and serves them back for review.
//
// # Write path
//
// Mutation handlers call Logger.Record after their change commits. The
// record carries before/after snapshots, the acting user and the client's
// network metadata. Recording is best effort: validation failures and store
// errors are logged and counted, never returned, so auditing cannot fail or
// roll back the business operation.
//
//	logger := audit.NewLogger(store,
//		audit.WithCircuitBreaker(5, 30*time.Second),
//		audit.WithRetry(2, 100*time.Millisecond),
//	)
//	logger.Record(ctx, "users", id, audit.OperationUpdate, audit.Change{
//		OldValues: before,
//		NewValues: after,
//	})
//
// # Read path
//
// Query lists records newest first (25 per page by default, at most 100)
// and exports up to 10,000 of them as CSV, JSON or NDJSON. Aggregator
// summarizes a window by operation, table and actor, with optional
// zero-filled hourly and daily series and risk metrics:
//
//   - suspiciousActivities: records created outside business hours
//   - failedLogins: rejected session tokens in the window
//   - unusualPatterns: actors with at least 3x the mean volume of the others
//   - riskScore: min(100, 10*suspicious + 2*failedLogins + 15*unusual)
//
// # Storage
//
// Records are append-only. Store has no update or delete method, and the
// Postgres table rejects UPDATE and DELETE with a trigger. Operations are
// CREATE, UPDATE and DELETE; INSERT is accepted on input as CREATE.
package audit
