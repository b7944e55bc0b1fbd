package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/quell/internal/alert"
)

// ErrExists is returned by Store.Insert when a live record for the
// fingerprint is already present. Of any set of concurrent inserters for
// one fingerprint, exactly one gets a nil error; the rest get ErrExists.
var ErrExists = errors.New("record already exists")

// Store is the persistence interface for dedup cache records. The backing
// medium is shared by independent invocations running concurrently as
// separate processes, so implementations must not rely on in-process
// locks alone: Insert needs atomic create-if-absent semantics at the
// storage layer, and LookupAndTouch must not lose count increments to
// concurrent read-modify-write.
type Store interface {
	// LookupAndTouch reads the record for fp. Absent is a miss. A record
	// older than the TTL is deleted and reported as a miss. Otherwise the
	// count is incremented, LastSeen set to now, the record persisted,
	// and the updated record returned. A malformed stored record is
	// removed and treated as absent.
	LookupAndTouch(ctx context.Context, fp string, now time.Time) (*Record, bool, error)

	// Insert creates a record with FirstSeen = LastSeen = now and
	// Count = 1, failing with ErrExists if a live record for fp already
	// exists. It never silently overwrites.
	Insert(ctx context.Context, fp string, al *alert.Alert, now time.Time) (*Record, error)

	// Get reads a record without touching it, for audit. Expired records
	// are still returned; callers needing dedup semantics use
	// LookupAndTouch.
	Get(ctx context.Context, fp string) (*Record, bool, error)

	// Delete removes the record for fp. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, fp string) error

	// Sweep evicts every record expired or unreadable at time now and
	// returns the eviction count. Failure on one entry must not abort the
	// scan.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
