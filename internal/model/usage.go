package model

import "time"

// Tier is a user's quota class.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
	TierDev  Tier = "dev"
)

// ParseTier maps a string onto a known tier. ok is false for unknown values.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierPaid, TierDev:
		return Tier(s), true
	default:
		return "", false
	}
}

// UsageCounter is the per-user, per-day aggregate of consumed tasks and tokens.
type UsageCounter struct {
	UserID string `json:"user_id"`
	Day    string `json:"day"` // YYYYMMDD, UTC.
	Tasks  int64  `json:"tasks"`
	Tokens int64  `json:"tokens"`
}

// UsageDay formats t as the YYYYMMDD day key used by usage counters.
func UsageDay(t time.Time) string {
	return t.UTC().Format("20060102")
}
