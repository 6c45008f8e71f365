// Package storage implements the transactional persistence layer for the
// slashing-protection engine: validators, signed blocks, signed
// attestations, and genesis/watermark metadata. It is backed by PostgreSQL
// through database/sql, with SERIALIZABLE isolation standing in for the
// "strict serializable transactions" contract the engine requires.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.opencensus.io/trace"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Config describes how to connect to the backing Postgres database.
type Config struct {
	DatabaseURL string
	Username    string
	Password    string

	MaxOpenConns int
	MaxIdleConns int
}

// Store is the transactional persistence layer. All mutating methods
// require a transaction obtained from BeginTx, opened at SERIALIZABLE
// isolation.
type Store struct {
	db *sqlx.DB
}

// Open connects to the configured Postgres database and verifies
// connectivity. It does not run migrations; call Migrate explicitly.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DatabaseURL
	if cfg.Username != "" {
		dsn = fmt.Sprintf("%s?user=%s&password=%s", dsn, cfg.Username, cfg.Password)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database connection")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Wrap(err, "could not reach slashing-protection database")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all forward-only, numbered migrations embedded in this
// package to bring the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "storage.Migrate")
	defer span.End()

	goose.SetBaseFS(embeddedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "could not select migration dialect")
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return errors.Wrap(err, "could not apply migrations")
	}
	return nil
}

// BeginTx opens a new SERIALIZABLE transaction. Callers must Commit or
// Rollback it; the package's detection-then-insert functions (FindExistingBlock,
// InsertBlock and the like) are only safe for use within one such transaction.
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, "could not begin serializable transaction")
	}
	return tx, nil
}

// WithTx runs fn inside a SERIALIZABLE transaction, committing on success
// and rolling back on error or panic. fn is handed a Tx, the narrow
// interface the engine and interchange codec are written against.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(&sqlTx{tx: tx})
	return err
}

// Snapshot runs fn with read access to the database outside of any write
// transaction, for use by the interchange exporter which needs a
// repeatable-read view without holding a writer slot. Backed by a
// REPEATABLE READ, read-only transaction.
func (s *Store) Snapshot(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "could not begin snapshot transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return fn(&sqlTx{tx: tx})
}
