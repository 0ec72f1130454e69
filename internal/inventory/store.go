// Package inventory is the persisted graph of provider resources: entities
// owned by providers, foreign-key links between entities, instance lineage,
// resolved tags, and the queue of targeted refreshes. It is backed by an
// embedded SQLite database and offers key lookups, bulk fetch by key, and
// transactional writes.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("inventory: not found")

// maxBindVars bounds the number of placeholders per IN (...) query.
const maxBindVars = 500

// querier is the subset of *sql.DB and *sql.Tx used by the shared helpers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries the read and write helpers shared by Store and Tx.
type ops struct {
	q       querier
	nowFunc func() time.Time
}

func (o ops) now() int64 {
	return o.nowFunc().UnixNano()
}

// Store is the sole writer to the inventory database.
type Store struct {
	ops
	db     *sql.DB
	logger *slog.Logger
}

// Tx is one store transaction. Reads through a Tx observe its own writes.
type Tx struct {
	ops
	tx *sql.Tx
}

// Open opens (creating if needed) the SQLite database at dbPath, runs
// migrations, and returns a ready store. busyTimeout bounds how long a
// writer waits on a locked database.
func Open(dbPath string, busyTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		dbPath, busyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("inventory: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("inventory store initialized", slog.String("db_path", dbPath))

	return &Store{
		ops:    ops{q: db, nowFunc: time.Now},
		db:     db,
		logger: logger,
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("inventory: closing database: %w", err)
	}

	return nil
}

// SetNowFunc replaces the clock used for timestamps. Intended for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. The error from fn is returned unwrapped so
// callers can match sentinels.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inventory: beginning transaction: %w", err)
	}

	tx := &Tx{ops: ops{q: sqlTx, nowFunc: s.nowFunc}, tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("transaction rollback failed", slog.String("error", rbErr.Error()))
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("inventory: committing transaction: %w", err)
	}

	return nil
}

// chunk splits ids into slices no longer than maxBindVars.
func chunk(ids []int64) [][]int64 {
	var out [][]int64

	for len(ids) > maxBindVars {
		out = append(out, ids[:maxBindVars])
		ids = ids[maxBindVars:]
	}

	if len(ids) > 0 {
		out = append(out, ids)
	}

	return out
}

// placeholders returns "?, ?, ?" with n marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}

		b = append(b, '?')
	}

	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
