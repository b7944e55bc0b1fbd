// Package sqlitestore provides an embedded SQLite implementation of
// dedup.Store for hosts preferring a single cache file over a directory
// of records. WAL mode plus a busy timeout keeps the database safe under
// concurrent invocations from separate processes; create-if-absent and
// count increments are single atomic statements.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/go-core/log"
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	fingerprint TEXT PRIMARY KEY,
	first_seen  INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL,
	count       INTEGER NOT NULL,
	alert       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_records_first_seen
	ON dedup_records(first_seen);
`

// Store persists dedup records in a single SQLite database file.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger log.Logger
}

// New opens (creating if needed) the cache database at path and returns
// a ready Store. Parent directories are created as needed.
func New(path string, ttl time.Duration, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("sqlitestore: ttl must be positive, got %s", ttl)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	// WAL lets concurrent invocations read while one writes; the busy
	// timeout makes writers queue instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	return &Store{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// cutoff is the oldest FirstSeen still considered live at time now.
func (s *Store) cutoff(now time.Time) int64 {
	return now.Add(-s.ttl).UnixNano()
}

func scanRecord(fp string, firstSeen, lastSeen int64, count int, alertJSON []byte) (*dedup.Record, error) {
	rec := &dedup.Record{
		Fingerprint: fp,
		FirstSeen:   time.Unix(0, firstSeen),
		LastSeen:    time.Unix(0, lastSeen),
		Count:       count,
	}
	if err := json.Unmarshal(alertJSON, &rec.Alert); err != nil {
		return nil, fmt.Errorf("decode alert snapshot: %w", err)
	}
	return rec, nil
}

// LookupAndTouch implements dedup.Store. The increment is a single
// UPDATE ... RETURNING statement, so concurrent touches from separate
// processes never lose counts.
func (s *Store) LookupAndTouch(ctx context.Context, fp string, now time.Time) (*dedup.Record, bool, error) {
	var (
		firstSeen, lastSeen int64
		count               int
		alertJSON           []byte
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE dedup_records SET count = count + 1, last_seen = ?
		 WHERE fingerprint = ? AND first_seen >= ?
		 RETURNING first_seen, last_seen, count, alert`,
		now.UnixNano(), fp, s.cutoff(now),
	).Scan(&firstSeen, &lastSeen, &count, &alertJSON)
	if errors.Is(err, sql.ErrNoRows) {
		// Miss, or an expired record: lazily evict the latter.
		if _, derr := s.db.ExecContext(ctx,
			`DELETE FROM dedup_records WHERE fingerprint = ? AND first_seen < ?`,
			fp, s.cutoff(now),
		); derr != nil {
			return nil, false, fmt.Errorf("evict expired record: %w", derr)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("touch record: %w", err)
	}

	rec, err := scanRecord(fp, firstSeen, lastSeen, count, alertJSON)
	if err != nil {
		// Self-heal: an undecodable snapshot is as good as absent.
		s.logger.Warn(ctx, "removing corrupt cache record", "fingerprint", fp, "error", err)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE fingerprint = ?`, fp)
		return nil, false, nil
	}
	return rec, true, nil
}

// Insert implements dedup.Store. INSERT OR IGNORE is the atomic
// create-if-absent; when it loses, a stale row is evicted and the create
// retried once before conceding ErrExists.
func (s *Store) Insert(ctx context.Context, fp string, al *alert.Alert, now time.Time) (*dedup.Record, error) {
	rec := &dedup.Record{Fingerprint: fp, FirstSeen: now, LastSeen: now, Count: 1}
	if al != nil {
		rec.Alert = *al
	}
	alertJSON, err := json.Marshal(rec.Alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert snapshot: %w", err)
	}

	for range 2 {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO dedup_records (fingerprint, first_seen, last_seen, count, alert)
			 VALUES (?, ?, ?, 1, ?)`,
			fp, now.UnixNano(), now.UnixNano(), alertJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("create record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("create record: %w", err)
		} else if n == 1 {
			return rec, nil
		}

		// A row is already there. Only a live one blocks the insert.
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM dedup_records WHERE fingerprint = ? AND first_seen < ?`,
			fp, s.cutoff(now),
		)
		if err != nil {
			return nil, fmt.Errorf("evict stale record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("evict stale record: %w", err)
		} else if n == 0 {
			return nil, dedup.ErrExists
		}
	}
	return nil, dedup.ErrExists
}

// Get implements dedup.Store.
func (s *Store) Get(ctx context.Context, fp string) (*dedup.Record, bool, error) {
	var (
		firstSeen, lastSeen int64
		count               int
		alertJSON           []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen, last_seen, count, alert FROM dedup_records WHERE fingerprint = ?`,
		fp,
	).Scan(&firstSeen, &lastSeen, &count, &alertJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read record: %w", err)
	}

	rec, err := scanRecord(fp, firstSeen, lastSeen, count, alertJSON)
	if err != nil {
		s.logger.Warn(ctx, "removing corrupt cache record", "fingerprint", fp, "error", err)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE fingerprint = ?`, fp)
		return nil, false, nil
	}
	return rec, true, nil
}

// Delete implements dedup.Store.
func (s *Store) Delete(ctx context.Context, fp string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE fingerprint = ?`, fp); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Sweep implements dedup.Store. Expired rows go in one statement;
// records whose alert snapshot no longer decodes are evicted one by one.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE first_seen < ?`, s.cutoff(now),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired records: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired records: %w", err)
	}
	evicted := int(expired)

	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, alert FROM dedup_records`)
	if err != nil {
		return evicted, fmt.Errorf("scan for corrupt records: %w", err)
	}
	defer rows.Close()

	var corrupt []string
	for rows.Next() {
		var fp string
		var alertJSON []byte
		if err := rows.Scan(&fp, &alertJSON); err != nil {
			s.logger.Warn(ctx, "skipping unreadable cache row", "error", err)
			continue
		}
		var snapshot alert.Alert
		if err := json.Unmarshal(alertJSON, &snapshot); err != nil {
			corrupt = append(corrupt, fp)
		}
	}
	if err := rows.Err(); err != nil {
		return evicted, fmt.Errorf("scan for corrupt records: %w", err)
	}

	for _, fp := range corrupt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE fingerprint = ?`, fp); err != nil {
			s.logger.Warn(ctx, "failed to evict corrupt cache record", "fingerprint", fp, "error", err)
			continue
		}
		evicted++
	}
	return evicted, nil
}
