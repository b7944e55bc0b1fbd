// Package memstore provides an in-memory implementation of dedup.Store.
// Suitable for dev/testing only: records do not survive the process, so
// dedup across separate invocations does not work.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

// Store holds dedup records in a mutex-guarded map.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*dedup.Record
}

// New initializes a new in-memory Store.
func New(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		records: make(map[string]*dedup.Record),
	}
}

// LookupAndTouch implements dedup.Store.
func (s *Store) LookupAndTouch(_ context.Context, fp string, now time.Time) (*dedup.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return nil, false, nil
	}
	if rec.Expired(now, s.ttl) {
		delete(s.records, fp)
		return nil, false, nil
	}
	rec.Count++
	rec.LastSeen = now
	cp := *rec
	return &cp, true, nil
}

// Insert implements dedup.Store.
func (s *Store) Insert(_ context.Context, fp string, al *alert.Alert, now time.Time) (*dedup.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[fp]; ok && !rec.Expired(now, s.ttl) {
		return nil, dedup.ErrExists
	}
	rec := &dedup.Record{Fingerprint: fp, FirstSeen: now, LastSeen: now, Count: 1}
	if al != nil {
		rec.Alert = *al
	}
	s.records[fp] = rec
	cp := *rec
	return &cp, nil
}

// Get implements dedup.Store. Returns a copy.
func (s *Store) Get(_ context.Context, fp string) (*dedup.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// Delete implements dedup.Store.
func (s *Store) Delete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fp)
	return nil
}

// Sweep implements dedup.Store.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for fp, rec := range s.records {
		if rec.Expired(now, s.ttl) {
			delete(s.records, fp)
			evicted++
		}
	}
	return evicted, nil
}
