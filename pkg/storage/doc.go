// Package storage holds connection settings shared by the backing-service
// clients in its subpackages.
//
//   - postgres: primary/replica connection manager for the audit and users tables
//   - kv: Redis client and the hourly failed-login counters
//   - blob: S3-compatible uploader used by the daily audit archive
package storage
