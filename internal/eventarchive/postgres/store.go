package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/signer-harness/internal/eventarchive"
	"github.com/juno-intents/signer-harness/internal/observer"
)

var ErrInvalidConfig = errors.New("eventarchive/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ eventarchive.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("eventarchive/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec eventarchive.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := eventarchive.Validate(rec); err != nil {
		return err
	}
	if rec.Seq > math.MaxInt64 {
		return fmt.Errorf("%w: seq overflows bigint", eventarchive.ErrInvalidInput)
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO harness_events (run_id, seq, kind, payload, received_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (run_id, seq) DO NOTHING
	`, rec.RunID, int64(rec.Seq), string(rec.Kind), string(rec.Payload), receivedAt)
	if err != nil {
		return fmt.Errorf("eventarchive/postgres: append: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Replays are fine; a different record under the same key is not.
	var (
		kind    string
		matches bool
	)
	err = s.pool.QueryRow(ctx, `
		SELECT kind, payload = $3::jsonb
		FROM harness_events
		WHERE run_id = $1 AND seq = $2
	`, rec.RunID, int64(rec.Seq), string(rec.Payload)).Scan(&kind, &matches)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("eventarchive/postgres: append: row vanished after conflict")
		}
		return fmt.Errorf("eventarchive/postgres: append check: %w", err)
	}
	if kind != string(rec.Kind) || !matches {
		return fmt.Errorf("%w: run %s seq %d", eventarchive.ErrConflict, rec.RunID, rec.Seq)
	}
	return nil
}

func (s *Store) List(ctx context.Context, runID string, kind observer.Kind) ([]eventarchive.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if runID == "" {
		return nil, fmt.Errorf("%w: missing run id", eventarchive.ErrInvalidInput)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, payload::text, received_at
		FROM harness_events
		WHERE run_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY seq
	`, runID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("eventarchive/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []eventarchive.Record
	for rows.Next() {
		var (
			seq        int64
			k          string
			payload    string
			receivedAt time.Time
		)
		if err := rows.Scan(&seq, &k, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("eventarchive/postgres: scan: %w", err)
		}
		out = append(out, eventarchive.Record{
			RunID:      runID,
			Seq:        uint64(seq),
			Kind:       observer.Kind(k),
			Payload:    []byte(payload),
			ReceivedAt: receivedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventarchive/postgres: list rows: %w", err)
	}
	return out, nil
}
