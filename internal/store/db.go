package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/lcsync/internal/errs"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the local cache (lcchat.db).
type DB struct {
	*sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the database lock at BEGIN so concurrent
// replace/apply calls serialize instead of failing mid-transaction.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Storage(fmt.Errorf("open db: %w", err))
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.Storage(fmt.Errorf("ping db: %w", err))
	}
	return &DB{db}, nil
}

// WithTx runs fn inside one transaction. The transaction is rolled back when
// fn returns an error or panics, and committed otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return errs.Storage(err)
	}
	if err = tx.Commit(); err != nil {
		return fail("commit tx", err)
	}
	return nil
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Storage(fmt.Errorf("%s: %w", op, err))
}
