package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/quell/internal/alert"
)

// Decision outcomes, used as metric labels and log fields.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDuplicate  = "duplicate"
	OutcomeQuietHours = "quiet_hours"
	OutcomeSynthetic  = "synthetic"
)

// fpPrefixLen is how much of a fingerprint goes into reasons and logs.
const fpPrefixLen = 8

// Rules holds the secondary suppression policy applied to alerts that
// survive dedup.
type Rules struct {
	// QuietStart and QuietEnd bound the quiet-hours window in local
	// hours, inclusive on both ends. A window that wraps midnight
	// (start > end) is honored.
	QuietStart int
	QuietEnd   int

	// Markers are substrings that identify synthetic/test alerts in the
	// normalized message. Matching is case-insensitive.
	Markers []string
}

func (r Rules) inQuietHours(now time.Time) bool {
	h := now.Hour()
	if r.QuietStart <= r.QuietEnd {
		return h >= r.QuietStart && h <= r.QuietEnd
	}
	return h >= r.QuietStart || h <= r.QuietEnd
}

// Verdict is the outcome of a suppression decision.
type Verdict struct {
	ID          string `json:"id"`
	Suppress    bool   `json:"suppress"`
	Reason      string `json:"reason,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Count       int    `json:"count"`
}

// EngineHooks are callbacks the engine invokes for instrumentation.
// Nil fields are skipped.
type EngineHooks struct {
	OnDecision   func(outcome string, count int)
	OnSweep      func(evicted int, duration float64)
	OnStoreError func(op string)
}

func (h EngineHooks) decision(outcome string, count int) {
	if h.OnDecision != nil {
		h.OnDecision(outcome, count)
	}
}

func (h EngineHooks) storeError(op string) {
	if h.OnStoreError != nil {
		h.OnStoreError(op)
	}
}

// Engine combines fingerprinting, the cache store, and the policy rules
// into suppress/allow verdicts. Identity is checked before policy: a
// duplicate of an already-allowed alert is suppressed regardless of time
// of day.
type Engine struct {
	store  Store
	rules  Rules
	logger log.Logger
	hooks  EngineHooks
}

// NewEngine creates a suppression engine backed by the given store.
func NewEngine(store Store, rules Rules, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		store:  store,
		rules:  rules,
		logger: logger,
		hooks:  hooks,
	}
}

// Decide produces a suppression verdict for the alert at time now.
// Transient store failures fail open: an unreadable key must not swallow
// a real alert, so it is treated as a miss and logged. The one exception
// is a lost insert race, which fails toward suppression because a
// concurrent invocation already owns the first occurrence.
func (e *Engine) Decide(ctx context.Context, al *alert.Alert, now time.Time) *Verdict {
	normalized := Normalize(al.Message)
	fp := Fingerprint(al.Service, al.Severity, al.Type, normalized)

	v := &Verdict{
		ID:          ulid.Make().String(),
		Fingerprint: fp,
		Count:       1,
	}
	L := e.logger.With("decision_id", v.ID, "fingerprint", fp[:fpPrefixLen])

	rec, ok, err := e.store.LookupAndTouch(ctx, fp, now)
	if err != nil {
		L.Error(ctx, err, "cache lookup failed, treating as miss")
		e.hooks.storeError("lookup")
	}
	if ok {
		v.Suppress = true
		v.Count = rec.Count
		v.Reason = fmt.Sprintf("duplicate alert (fingerprint %s, seen %d times)", fp[:fpPrefixLen], rec.Count)
		L.Info(ctx, "alert suppressed as duplicate", "count", rec.Count)
		e.hooks.decision(OutcomeDuplicate, rec.Count)
		return v
	}

	if _, err := e.store.Insert(ctx, fp, al, now); err != nil {
		if errors.Is(err, ErrExists) {
			// Lost the create race to a concurrent invocation. This
			// observation is a duplicate of that first occurrence, so
			// touch the record for an accurate count and suppress.
			v.Suppress = true
			v.Reason = fmt.Sprintf("duplicate alert (fingerprint %s, concurrent first occurrence)", fp[:fpPrefixLen])
			if rec, ok, terr := e.store.LookupAndTouch(ctx, fp, now); terr == nil && ok {
				v.Count = rec.Count
				v.Reason = fmt.Sprintf("duplicate alert (fingerprint %s, seen %d times)", fp[:fpPrefixLen], rec.Count)
			}
			L.Info(ctx, "alert suppressed as duplicate after losing insert race", "count", v.Count)
			e.hooks.decision(OutcomeDuplicate, v.Count)
			return v
		}
		L.Error(ctx, err, "cache insert failed, alert will not dedup")
		e.hooks.storeError("insert")
	}

	sev := strings.ToLower(al.Severity)
	if (sev == "low" || sev == "info") && e.rules.inQuietHours(now) {
		v.Suppress = true
		v.Reason = "low severity during quiet hours"
		L.Info(ctx, "alert suppressed by quiet hours", "severity", sev, "hour", now.Hour())
		e.hooks.decision(OutcomeQuietHours, v.Count)
		return v
	}

	for _, marker := range e.rules.Markers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(normalized, marker) {
			v.Suppress = true
			v.Reason = "synthetic/test alert"
			L.Info(ctx, "alert suppressed as synthetic", "marker", marker)
			e.hooks.decision(OutcomeSynthetic, v.Count)
			return v
		}
	}

	L.Info(ctx, "alert allowed")
	e.hooks.decision(OutcomeAllowed, v.Count)
	return v
}

// Get reads a cache record without touching it, for audit.
func (e *Engine) Get(ctx context.Context, fp string) (*Record, bool, error) {
	return e.store.Get(ctx, fp)
}

// Sweep evicts expired and corrupt records from the store. Designed to
// run once per invocation before processing the current alert, or
// periodically in server mode.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	evicted, err := e.store.Sweep(ctx, now)
	if err != nil {
		e.hooks.storeError("sweep")
		return evicted, err
	}
	if e.hooks.OnSweep != nil {
		e.hooks.OnSweep(evicted, time.Since(start).Seconds())
	}
	if evicted > 0 {
		e.logger.Info(ctx, "swept expired cache records", "evicted", evicted)
	}
	return evicted, nil
}
