package domain

import "time"

// QuotaDateLayout is the UTC calendar-day format stored with a caller's running count.
const QuotaDateLayout = "2006-01-02"

// Caller is the identity and daily quota record for a guest or registered user.
type Caller struct {
	ID         string
	Guest      bool
	DailyCount int
	CountDate  string
	CreatedAt  time.Time
}

// Tier returns the quota tier label used in logs and metrics.
func (c Caller) Tier() string {
	if c.Guest {
		return "guest"
	}
	return "registered"
}

// CountOn returns the running count that applies to day, applying the
// logical reset when the stored date is a different day.
func (c Caller) CountOn(day string) int {
	if c.CountDate != day {
		return 0
	}
	return c.DailyCount
}
