package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/callcore/internal/migrations"
)

// PostgresStore keeps call records in the call_sessions table. Expired rows
// are invisible to reads and removed by the janitor.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Up(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (*Record, error) {
	var raw []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT record, version FROM call_sessions WHERE call_id=$1 AND expires_at > now()`,
		callID,
	).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	next := *rec
	next.Version++
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_sessions (call_id, record, version, expires_at, updated_at)
		 VALUES ($1, $2, $3, now() + ($4::float8 * interval '1 second'), now())
		 ON CONFLICT (call_id) DO UPDATE
		 SET record=EXCLUDED.record, version=EXCLUDED.version, expires_at=EXCLUDED.expires_at, updated_at=now()`,
		rec.CallID, raw, next.Version, s.ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	rec.Version = next.Version
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) error {
	next := *rec
	next.Version = expected + 1
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	var affected int64
	if expected == 0 {
		// An expired row counts as absent and may be replaced.
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO call_sessions (call_id, record, version, expires_at, updated_at)
			 VALUES ($1, $2, $3, now() + ($4::float8 * interval '1 second'), now())
			 ON CONFLICT (call_id) DO UPDATE
			 SET record=EXCLUDED.record, version=EXCLUDED.version, expires_at=EXCLUDED.expires_at, updated_at=now()
			 WHERE call_sessions.expires_at <= now()`,
			rec.CallID, raw, next.Version, s.ttl.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE call_sessions
			 SET record=$2, version=$3, expires_at=now() + ($4::float8 * interval '1 second'), updated_at=now()
			 WHERE call_id=$1 AND version=$5 AND expires_at > now()`,
			rec.CallID, raw, next.Version, s.ttl.Seconds(), expected,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return ErrConflict
	}
	rec.Version = next.Version
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, callID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM call_sessions WHERE call_id=$1`, callID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// StartJanitor deletes expired rows until ctx is done.
func (s *PostgresStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.pool.Exec(ctx, `DELETE FROM call_sessions WHERE expires_at <= now()`)
			}
		}
	}()
}
