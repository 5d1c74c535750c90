package repository

import (
	"context"
	"database/sql"
	"errors"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every repository method
// can run in autocommit mode or inside a caller's transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries bundles the per-table repositories over one dbtx.  Their method
// sets are disjoint, so the embedded methods together implement Tx.
type queries struct {
	*ScheduleRepo
	*SessionRepo
	*BookingRepo
	*CartRepo
}

func newQueries(db dbtx) *queries {
	return &queries{
		ScheduleRepo: &ScheduleRepo{db: db},
		SessionRepo:  &SessionRepo{db: db},
		BookingRepo:  &BookingRepo{db: db},
		CartRepo:     &CartRepo{db: db},
	}
}

// MySQLStore implements Store on top of a MySQL connection pool.
type MySQLStore struct {
	*queries
	db *sql.DB
}

// NewMySQLStore returns a Store bound to db.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{queries: newQueries(db), db: db}
}

// DB exposes the underlying pool for health checks.
func (s *MySQLStore) DB() *sql.DB { return s.db }

// WithinTx runs fn inside a READ COMMITTED transaction.  Row locks taken
// with LockSchedule are held until fn returns.
func (s *MySQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(newQueries(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and passes other errors through.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// nullString stores empty strings as NULL so unique indexes on optional
// provider references ignore unset values.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
