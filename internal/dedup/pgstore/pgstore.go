// Package pgstore provides a PostgreSQL implementation of dedup.Store,
// for fleets sharing one cache across hosts. Create-if-absent rides on
// INSERT ... ON CONFLICT DO NOTHING and count increments are single
// UPDATE ... RETURNING statements, so the dedup guarantees hold across
// any number of concurrent clients.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

var tracer = otel.Tracer("github.com/linnemanlabs/quell/internal/dedup/pgstore")

//go:embed schema.sql
var schema string

// Store persists dedup records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("pgstore: ttl must be positive, got %s", ttl)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, ttl: ttl}, nil
}

func (s *Store) cutoff(now time.Time) time.Time {
	return now.Add(-s.ttl)
}

// LookupAndTouch implements dedup.Store.
func (s *Store) LookupAndTouch(ctx context.Context, fp string, now time.Time) (*dedup.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LookupAndTouch", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	query := `UPDATE dedup_records SET count = count + 1, last_seen = $2
		WHERE fingerprint = $1 AND first_seen >= $3
		RETURNING first_seen, last_seen, count, alert`

	rec := &dedup.Record{Fingerprint: fp}
	var alertJSON []byte
	err := s.pool.QueryRow(ctx, query, fp, now, s.cutoff(now)).
		Scan(&rec.FirstSeen, &rec.LastSeen, &rec.Count, &alertJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		// Miss, or an expired row: lazily evict the latter.
		if _, derr := s.pool.Exec(ctx,
			`DELETE FROM dedup_records WHERE fingerprint = $1 AND first_seen < $2`,
			fp, s.cutoff(now),
		); derr != nil {
			span.RecordError(derr)
			span.SetStatus(codes.Error, derr.Error())
			return nil, false, fmt.Errorf("evict expired record: %w", derr)
		}
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("touch record: %w", err)
	}

	if err := json.Unmarshal(alertJSON, &rec.Alert); err != nil {
		// Self-heal an undecodable snapshot. The JSONB column makes this
		// nearly impossible, but the contract says absent, not error.
		_, _ = s.pool.Exec(ctx, `DELETE FROM dedup_records WHERE fingerprint = $1`, fp)
		return nil, false, nil
	}
	return rec, true, nil
}

// Insert implements dedup.Store.
func (s *Store) Insert(ctx context.Context, fp string, al *alert.Alert, now time.Time) (*dedup.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	rec := &dedup.Record{Fingerprint: fp, FirstSeen: now, LastSeen: now, Count: 1}
	if al != nil {
		rec.Alert = *al
	}
	alertJSON, err := json.Marshal(rec.Alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert snapshot: %w", err)
	}

	for range 2 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO dedup_records (fingerprint, first_seen, last_seen, count, alert)
			 VALUES ($1, $2, $3, 1, $4)
			 ON CONFLICT (fingerprint) DO NOTHING`,
			fp, now, now, alertJSON,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("create record: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return rec, nil
		}

		// A row is already there. Only a live one blocks the insert;
		// a stale one is evicted and the create retried.
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM dedup_records WHERE fingerprint = $1 AND first_seen < $2`,
			fp, s.cutoff(now),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("evict stale record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, dedup.ErrExists
		}
	}
	return nil, dedup.ErrExists
}

// Get implements dedup.Store.
func (s *Store) Get(ctx context.Context, fp string) (*dedup.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rec := &dedup.Record{Fingerprint: fp}
	var alertJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT first_seen, last_seen, count, alert FROM dedup_records WHERE fingerprint = $1`,
		fp,
	).Scan(&rec.FirstSeen, &rec.LastSeen, &rec.Count, &alertJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("read record: %w", err)
	}
	if err := json.Unmarshal(alertJSON, &rec.Alert); err != nil {
		_, _ = s.pool.Exec(ctx, `DELETE FROM dedup_records WHERE fingerprint = $1`, fp)
		return nil, false, nil
	}
	return rec, true, nil
}

// Delete implements dedup.Store.
func (s *Store) Delete(ctx context.Context, fp string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM dedup_records WHERE fingerprint = $1`, fp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Sweep implements dedup.Store.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Sweep", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dedup_records WHERE first_seen < $1`, s.cutoff(now),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("sweep expired records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
