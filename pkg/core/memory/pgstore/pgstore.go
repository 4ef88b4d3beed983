// Package pgstore persists conversation memory in Postgres.
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements memory.Store on a pgx pool.
type Store struct {
	pool     *pgxpool.Pool
	maxTurns int
}

var _ memory.Store = (*Store)(nil)

// Open connects to dsn, applies pending migrations and returns a ready store.
// maxTurns > 0 limits Load to the most recent whole pairs.
func Open(ctx context.Context, dsn string, maxTurns int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, maxTurns: memory.PairCap(maxTurns)}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const loadAllSQL = `SELECT speaker, text, created_at FROM conversation_turns
WHERE session_id = $1 ORDER BY id`

const loadRecentSQL = `SELECT speaker, text, created_at FROM (
	SELECT id, speaker, text, created_at FROM conversation_turns
	WHERE session_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id`

func (s *Store) Load(ctx context.Context, sessionID string) (memory.History, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if s.maxTurns > 0 {
		rows, err = s.pool.Query(ctx, loadRecentSQL, sessionID, s.maxTurns)
	} else {
		rows, err = s.pool.Query(ctx, loadAllSQL, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	h, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			speaker string
			t       memory.Turn
		)
		if err := row.Scan(&speaker, &t.Text, &t.At); err != nil {
			return memory.Turn{}, err
		}
		t.Speaker = memory.Speaker(speaker)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan turns: %w", err)
	}
	return h, nil
}

func (s *Store) Append(ctx context.Context, sessionID string, turns ...memory.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range turns {
			at := t.At
			if at.IsZero() {
				at = time.Now()
			}
			batch.Queue(`INSERT INTO conversation_turns (session_id, speaker, text, created_at) VALUES ($1, $2, $3, $4)`,
				sessionID, string(t.Speaker), t.Text, at)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("insert turns: %w", err)
	}
	return nil
}
