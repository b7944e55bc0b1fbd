// Package filestore provides a file-backed implementation of dedup.Store:
// one JSON record per fingerprint under a cache directory whose lifecycle
// spans process restarts.
//
// The store is shared by independent invocations running concurrently as
// separate processes, so mutual exclusion cannot come from in-process
// locks. Creation uses O_EXCL so at most one concurrent caller is told a
// fingerprint is new, and every read-modify-write holds a per-key lock
// file (itself acquired with O_EXCL) so concurrent touches cannot lose
// count increments. Locks abandoned by a crashed invocation are broken
// after a grace period.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

const (
	recordSuffix = ".json"
	lockSuffix   = ".lock"
	tmpSuffix    = ".tmp"

	lockRetry    = 10 * time.Millisecond
	lockWait     = 2 * time.Second
	staleLockAge = 30 * time.Second

	dirPerm  = 0o755
	filePerm = 0o644
)

// errCorrupt marks a stored record that cannot be parsed.
var errCorrupt = errors.New("corrupt cache record")

// errBadKey rejects fingerprints that are not plain hex, which keeps
// store keys from ever escaping the cache directory.
var errBadKey = errors.New("invalid fingerprint key")

// Store persists dedup records as files under a single directory.
type Store struct {
	dir    string
	ttl    time.Duration
	logger log.Logger
}

// New creates the cache directory if needed and returns a ready Store.
func New(dir string, ttl time.Duration, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("filestore: ttl must be positive, got %s", ttl)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("filestore: create cache dir: %w", err)
	}
	return &Store{dir: dir, ttl: ttl, logger: logger}, nil
}

func validKey(fp string) bool {
	if fp == "" {
		return false
	}
	for _, c := range fp {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *Store) recordPath(fp string) string {
	return filepath.Join(s.dir, fp+recordSuffix)
}

// lock acquires the per-key advisory lock, returning a release func.
// Acquisition is an exclusive file create; contenders poll until the
// holder releases, the lock goes stale, or the wait budget runs out.
func (s *Store) lock(ctx context.Context, fp string) (func(), error) {
	path := filepath.Join(s.dir, fp+lockSuffix)
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire key lock: %w", err)
		}
		if fi, serr := os.Stat(path); serr == nil && time.Since(fi.ModTime()) > staleLockAge {
			// Holder is long gone. Break the lock by renaming it aside:
			// rename is atomic, so exactly one contender wins the break
			// and a freshly created lock can never be removed by a racing
			// breaker. Losers see the path free and retry the create.
			if breakStaleLock(path) {
				continue
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire key lock: timed out after %s", lockWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

// breakStaleLock moves an abandoned lock aside and deletes it, reporting
// whether this caller won the break. The rename target uses the temp
// suffix so Sweep collects it if the breaker dies mid-break.
func breakStaleLock(path string) bool {
	aside := fmt.Sprintf("%s.%d.%d%s", path, os.Getpid(), time.Now().UnixNano(), tmpSuffix)
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	_ = os.Remove(aside)
	return true
}

// readRecord loads and parses the record at path. Unparsable content is
// reported as errCorrupt so callers can self-heal.
func readRecord(path string) (*dedup.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec dedup.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCorrupt, filepath.Base(path), err)
	}
	if rec.Fingerprint == "" || rec.FirstSeen.IsZero() || rec.Count < 1 {
		return nil, fmt.Errorf("%w: %s: missing required fields", errCorrupt, filepath.Base(path))
	}
	return &rec, nil
}

// writeRecord atomically replaces the record at path via temp file and
// rename, so readers in other processes never observe a partial write.
func (s *Store) writeRecord(path string, rec *dedup.Record) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encode record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp record: %w", err)
	}
	_ = os.Chmod(tmp.Name(), filePerm)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// createExclusive writes a brand new record, failing with fs.ErrExist if
// the file is already there.
func createExclusive(path string, rec *dedup.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close record: %w", err)
	}
	return nil
}

// LookupAndTouch implements dedup.Store.
func (s *Store) LookupAndTouch(ctx context.Context, fp string, now time.Time) (*dedup.Record, bool, error) {
	if !validKey(fp) {
		return nil, false, errBadKey
	}
	release, err := s.lock(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	defer release()

	path := s.recordPath(fp)
	rec, err := readRecord(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case errors.Is(err, errCorrupt):
		// Self-heal: a record we cannot parse is as good as absent.
		s.logger.Warn(ctx, "removing corrupt cache record", "path", path, "error", err)
		_ = os.Remove(path)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("read record: %w", err)
	}

	if rec.Expired(now, s.ttl) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("evict expired record: %w", err)
		}
		return nil, false, nil
	}

	rec.Count++
	rec.LastSeen = now
	if err := s.writeRecord(path, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Insert implements dedup.Store. Creation is an exclusive file create; a
// live record already on disk yields dedup.ErrExists, while a stale or
// corrupt one is evicted and the create retried.
func (s *Store) Insert(ctx context.Context, fp string, al *alert.Alert, now time.Time) (*dedup.Record, error) {
	if !validKey(fp) {
		return nil, errBadKey
	}
	release, err := s.lock(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer release()

	rec := &dedup.Record{Fingerprint: fp, FirstSeen: now, LastSeen: now, Count: 1}
	if al != nil {
		rec.Alert = *al
	}
	path := s.recordPath(fp)

	for range 2 {
		err := createExclusive(path, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create record: %w", err)
		}
		existing, rerr := readRecord(path)
		if rerr == nil && !existing.Expired(now, s.ttl) {
			return nil, dedup.ErrExists
		}
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && !errors.Is(rerr, errCorrupt) {
			return nil, fmt.Errorf("read existing record: %w", rerr)
		}
		// Stale or corrupt leftover: evict it and try the create again.
		_ = os.Remove(path)
	}
	return nil, dedup.ErrExists
}

// Get implements dedup.Store.
func (s *Store) Get(ctx context.Context, fp string) (*dedup.Record, bool, error) {
	if !validKey(fp) {
		return nil, false, errBadKey
	}
	rec, err := readRecord(s.recordPath(fp))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case errors.Is(err, errCorrupt):
		s.logger.Warn(ctx, "removing corrupt cache record", "path", s.recordPath(fp), "error", err)
		_ = os.Remove(s.recordPath(fp))
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("read record: %w", err)
	}
	return rec, true, nil
}

// Delete implements dedup.Store.
func (s *Store) Delete(_ context.Context, fp string) error {
	if !validKey(fp) {
		return errBadKey
	}
	if err := os.Remove(s.recordPath(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Sweep implements dedup.Store. Expired and corrupt records are evicted;
// stale locks and leftover temp files from crashed invocations are
// cleaned up as a side effect. One bad entry never aborts the scan.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	evicted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, lockSuffix) {
			if fi, err := os.Stat(path); err == nil && now.Sub(fi.ModTime()) > staleLockAge {
				breakStaleLock(path)
			}
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			if fi, err := os.Stat(path); err == nil && now.Sub(fi.ModTime()) > staleLockAge {
				_ = os.Remove(path)
			}
			continue
		}
		if !strings.HasSuffix(name, recordSuffix) {
			continue
		}

		rec, err := readRecord(path)
		remove := false
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue // raced with a concurrent eviction
		case errors.Is(err, errCorrupt):
			s.logger.Warn(ctx, "sweeping corrupt cache record", "path", path, "error", err)
			remove = true
		case err != nil:
			s.logger.Warn(ctx, "skipping unreadable cache record", "path", path, "error", err)
			continue
		case rec.Expired(now, s.ttl):
			remove = true
		}
		if !remove {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn(ctx, "failed to evict cache record", "path", path, "error", err)
			continue
		}
		evicted++
	}
	return evicted, nil
}
