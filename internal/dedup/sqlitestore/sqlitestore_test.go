package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"), ttl, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndLookup(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()
	al := &alert.Alert{Service: "db1", Severity: "high", Type: "cpu", Message: "cpu at [percentage]"}

	rec, err := s.Insert(ctx, "fp-1", al, now)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.Count != 1 {
		t.Errorf("Count = %d, want 1", rec.Count)
	}

	got, ok, err := s.LookupAndTouch(ctx, "fp-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("LookupAndTouch: %v", err)
	}
	if !ok {
		t.Fatal("expected hit for live record")
	}
	if got.Count != 2 {
		t.Errorf("Count = %d, want 2", got.Count)
	}
	if got.Alert.Service != "db1" {
		t.Errorf("snapshot service = %q, want %q", got.Alert.Service, "db1")
	}
	if !got.LastSeen.After(got.FirstSeen) {
		t.Errorf("LastSeen %v not after FirstSeen %v", got.LastSeen, got.FirstSeen)
	}
}

func TestOccurrenceCounting(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "fp-n", nil, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	var last *dedup.Record
	for i := range 4 {
		rec, ok, err := s.LookupAndTouch(ctx, "fp-n", now.Add(time.Duration(i+1)*time.Second))
		if err != nil || !ok {
			t.Fatalf("LookupAndTouch %d: ok=%v err=%v", i, ok, err)
		}
		last = rec
	}
	if last.Count != 5 {
		t.Errorf("Count = %d, want 5", last.Count)
	}
}

func TestLookup_Expiry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "fp-1", nil, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, ok, err := s.LookupAndTouch(ctx, "fp-1", now.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("lookup at exactly TTL: ok=%v err=%v, want hit", ok, err)
	}
	if _, ok, err := s.LookupAndTouch(ctx, "fp-1", now.Add(2*time.Hour)); err != nil || ok {
		t.Fatalf("lookup past TTL: ok=%v err=%v, want miss", ok, err)
	}
	// The expired row was lazily evicted, so the key inserts fresh.
	rec, err := s.Insert(ctx, "fp-1", nil, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Insert after expiry: %v", err)
	}
	if rec.Count != 1 {
		t.Errorf("Count = %d, want 1 after expiry reset", rec.Count)
	}
}

func TestInsert_LiveRecordFails(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "fp-1", nil, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, "fp-1", nil, now.Add(time.Minute)); !errors.Is(err, dedup.ErrExists) {
		t.Errorf("second Insert error = %v, want ErrExists", err)
	}
}

func TestInsert_ReplacesExpiredRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "fp-1", nil, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rec, err := s.Insert(ctx, "fp-1", nil, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Insert over expired record: %v", err)
	}
	if rec.Count != 1 {
		t.Errorf("Count = %d, want 1", rec.Count)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	if err := s.Delete(ctx, "absent"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestCorruptSnapshotSelfHeals(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	// Plant a row whose alert snapshot is not valid JSON.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_records (fingerprint, first_seen, last_seen, count, alert)
		 VALUES (?, ?, ?, 1, ?)`,
		"fp-bad", now.UnixNano(), now.UnixNano(), "{not json",
	); err != nil {
		t.Fatalf("plant corrupt row: %v", err)
	}

	if _, ok, err := s.LookupAndTouch(ctx, "fp-bad", now.Add(time.Second)); err != nil || ok {
		t.Fatalf("corrupt record lookup: ok=%v err=%v, want miss", ok, err)
	}
	if _, ok, _ := s.Get(ctx, "fp-bad"); ok {
		t.Error("corrupt record was not removed")
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "old", nil, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, "live", nil, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_records (fingerprint, first_seen, last_seen, count, alert)
		 VALUES (?, ?, ?, 1, ?)`,
		"bad", now.UnixNano(), now.UnixNano(), "garbage",
	); err != nil {
		t.Fatalf("plant corrupt row: %v", err)
	}

	evicted, err := s.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2 (expired + corrupt)", evicted)
	}
	if _, ok, _ := s.Get(ctx, "live"); !ok {
		t.Error("live record did not survive sweep")
	}
}

func TestInsert_ConcurrentRace(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	const k = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Insert(ctx, "fp-race", nil, now); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, dedup.ErrExists) {
				t.Errorf("loser error = %v, want ErrExists", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}
