// Package postgres implements the store contract on PostgreSQL. History
// events, executions and activity tasks live in three tables created by the
// embedded goose migrations; every multi-record transition documented on
// store.Store runs inside a single database transaction, and task leasing
// relies on FOR UPDATE SKIP LOCKED so workers never contend on the same row.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"goa.design/clue/log"

	"goa.design/durable/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at dsn, verifies the connection and runs
// any pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller owns the handle's
// lifecycle and migrations.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "migrations applied"})
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "durable-db" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// tx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// marshal encodes a JSON column value. Databases reject Go maps directly,
// so every jsonb parameter goes through here.
func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// mustMarshal is marshal for values already normalized by the engine.
func mustMarshal(v any) []byte {
	b, err := marshal(v)
	if err != nil {
		panic(fmt.Sprintf("non-serializable payload reached the store: %v", err))
	}
	return b
}

func unmarshalObject(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalAny(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}

func unmarshalList(b []byte) []any {
	if len(b) == 0 {
		return nil
	}
	var l []any
	if err := json.Unmarshal(b, &l); err != nil {
		return nil
	}
	return l
}

// notFound maps sql.ErrNoRows onto the store sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func now() time.Time { return time.Now().UTC() }
