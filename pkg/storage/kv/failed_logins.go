package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	failedLoginPrefix = "sisiago:auth:failed:"
	hourLayout        = "2006010215"

	// FailedLoginRetention covers the 30d range and its previous window
	FailedLoginRetention = 62 * 24 * time.Hour

	// maxSlots bounds a single Count call
	maxSlots = 24 * 62
)

// FailedLoginTracker counts rejected authentication attempts in UTC hourly
// buckets. One key per hour; INCR is atomic so concurrent requests are safe.
type FailedLoginTracker struct {
	client *redis.Client
	now    func() time.Time
}

// NewFailedLoginTracker creates a tracker on the given client
func NewFailedLoginTracker(client *redis.Client) *FailedLoginTracker {
	return &FailedLoginTracker{client: client, now: time.Now}
}

func slotKey(t time.Time) string {
	return failedLoginPrefix + t.UTC().Format(hourLayout)
}

// RecordFailure increments the current hour's counter
func (t *FailedLoginTracker) RecordFailure(ctx context.Context) error {
	key := slotKey(t.now())

	pipe := t.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, FailedLoginRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failed login: %w", err)
	}
	return nil
}

// CountFailedLogins sums the hourly slots overlapping [start, end]
func (t *FailedLoginTracker) CountFailedLogins(ctx context.Context, start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, nil
	}

	first := start.UTC().Truncate(time.Hour)
	last := end.UTC().Truncate(time.Hour)

	keys := make([]string, 0, 24)
	for slot := first; !slot.After(last); slot = slot.Add(time.Hour) {
		keys = append(keys, slotKey(slot))
		if len(keys) > maxSlots {
			return 0, fmt.Errorf("failed login window too wide: %s", end.Sub(start))
		}
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read failed login counters: %w", err)
	}

	var total int64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
