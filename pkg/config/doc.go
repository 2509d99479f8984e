// Package config loads and validates service configuration.
//
// Sources, lowest precedence first:
//
//  1. built-in defaults (Default)
//  2. a YAML file named by SISIAGO_CONFIG_FILE
//  3. a .env file in the working directory (missing file is ignored)
//  4. SISIAGO_* environment variables
//
// LoadConfig validates for the API server. Load skips validation; the
// archiver and dashboard binaries check only the settings they use.
//
// Required settings:
//
//	SISIAGO_POSTGRES_URL="postgres://sisiago:secret@db:5432/sisiago?sslmode=disable"
//	SISIAGO_JWT_SECRET="at-least-32-characters-of-secret"
//
// Audit write path:
//
//	SISIAGO_AUDIT_ASYNC="false"
//	SISIAGO_AUDIT_WRITE_TIMEOUT="5s"
//	SISIAGO_AUDIT_RETRY_ATTEMPTS="0"
//	SISIAGO_AUDIT_BREAKER_THRESHOLD="5"
//
// Risk heuristic:
//
//	SISIAGO_AUDIT_BUSINESS_HOUR_START="6"
//	SISIAGO_AUDIT_BUSINESS_HOUR_END="22"
//	SISIAGO_AUDIT_UNUSUAL_MIN_VOLUME="20"
//
// Archive job:
//
//	SISIAGO_ARCHIVE_SCHEDULE="15 0 * * *"
//	SISIAGO_S3_BUCKET="sisiago-audit"
package config
