package dedup

import (
	"time"

	"github.com/linnemanlabs/quell/internal/alert"
)

// Record is the cache entry persisted per fingerprint. Count starts at 1
// on first observation and increments by exactly one per duplicate seen
// within the TTL window. LastSeen is never before FirstSeen. The alert
// snapshot keeps the original fields for audit.
type Record struct {
	Fingerprint string      `json:"fingerprint"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	Count       int         `json:"count"`
	Alert       alert.Alert `json:"alert"`
}

// Expired reports whether the record has outlived ttl at time now.
// Expiry is measured from FirstSeen: a steady stream of duplicates does
// not keep a record alive forever.
func (r *Record) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.FirstSeen) > ttl
}
