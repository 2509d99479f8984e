// Package users reads the application's users for audit enrichment and
// serves the one mutation route this service owns, PATCH /users/{id}/status.
// Status changes are recorded on the audit log with before and after
// snapshots once the update commits.
package users
