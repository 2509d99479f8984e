package audit

import (
	"context"
	"time"
)

// FailedLoginCounter reports rejected session tokens in a window
type FailedLoginCounter interface {
	CountFailedLogins(ctx context.Context, start, end time.Time) (int64, error)
}

// RiskPolicy parameterizes the risk heuristic
type RiskPolicy struct {
	// Records created outside [BusinessHourStart, BusinessHourEnd) UTC are
	// suspicious
	BusinessHourStart int
	BusinessHourEnd   int

	// An actor is unusual with at least UnusualMinVolume records and at
	// least UnusualFactor times the mean records of the other actors
	UnusualMinVolume int64
	UnusualFactor    int64
}

// DefaultRiskPolicy returns 06-22 UTC business hours and a 3x / 20 record
// unusual-actor threshold
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		BusinessHourStart: 6,
		BusinessHourEnd:   22,
		UnusualMinVolume:  20,
		UnusualFactor:     3,
	}
}

// Risk score weights
const (
	suspiciousWeight  = 10
	failedLoginWeight = 2
	unusualWeight     = 15
	maxRiskScore      = 100
)

// failed-login counters cannot look further back than this
const maxFailedLoginWindow = 60 * 24 * time.Hour

func (p RiskPolicy) offHours(hour int) bool {
	return hour < p.BusinessHourStart || hour >= p.BusinessHourEnd
}

// SuspiciousActivities counts records created outside business hours
func (p RiskPolicy) SuspiciousActivities(sum *Summary) int64 {
	var n int64
	for hour, count := range sum.ByHourOfDay {
		if p.offHours(hour) {
			n += count
		}
	}
	return n
}

// UnusualPatterns counts identified actors whose volume stands out from the
// mean of the other identified actors. A lone actor has no peers and is
// never unusual.
func (p RiskPolicy) UnusualPatterns(sum *Summary) int64 {
	var actors, total int64
	for _, u := range sum.ByUser {
		if u.UserID == "" {
			continue
		}
		actors++
		total += u.Count
	}
	if actors < 2 {
		return 0
	}

	var n int64
	for _, u := range sum.ByUser {
		if u.UserID == "" || u.Count < p.UnusualMinVolume {
			continue
		}
		// count >= factor * (total-count)/(actors-1), kept in integers
		if u.Count*(actors-1) >= p.UnusualFactor*(total-u.Count) {
			n++
		}
	}
	return n
}

// RiskScore combines the three signals, capped at 100
func RiskScore(suspicious, failedLogins, unusual int64) int64 {
	score := suspiciousWeight*suspicious + failedLoginWeight*failedLogins + unusualWeight*unusual
	return min(score, maxRiskScore)
}

// Evaluate builds the risk metrics of a summary
func (p RiskPolicy) Evaluate(sum *Summary, failedLogins int64) *RiskMetrics {
	m := &RiskMetrics{
		SuspiciousActivities: p.SuspiciousActivities(sum),
		FailedLogins:         failedLogins,
		UnusualPatterns:      p.UnusualPatterns(sum),
	}
	m.RiskScore = RiskScore(m.SuspiciousActivities, m.FailedLogins, m.UnusualPatterns)
	return m
}

// failedLoginWindow picks the window failed logins are counted over: the
// filter's bounds, defaulting to the trailing 24h and clamped to what the
// counters retain
func failedLoginWindow(f Filter, now time.Time) (time.Time, time.Time) {
	end := now
	if f.EndDate != nil && f.EndDate.Before(now) {
		end = *f.EndDate
	}
	start := end.Add(-24 * time.Hour)
	if f.StartDate != nil {
		start = *f.StartDate
	}
	if earliest := end.Add(-maxFailedLoginWindow); start.Before(earliest) {
		start = earliest
	}
	return start, end
}
