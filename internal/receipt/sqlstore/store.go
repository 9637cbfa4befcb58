// Package sqlstore persists receipt registrations with bun over SQLite or
// PostgreSQL. The unique index on receipt_number is the cross-instance
// duplicate guarantee.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/waybill/internal/receipt"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	DriverSQLite    = "sqlite"
	DriverSQLiteCGO = "sqlite3"
	DriverPostgres  = "postgres"

	pgUniqueViolation = "23505"
)

type receiptRecord struct {
	bun.BaseModel `bun:"table:receipts,alias:r"`

	ID            int64     `bun:"id,pk,autoincrement"`
	ReceiptNumber string    `bun:"receipt_number,notnull,unique"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// Store implements receipt.Store.
type Store struct {
	db         *bun.DB
	windowDays int
}

// Open connects to the database, verifies it and creates the schema.
func Open(ctx context.Context, driver, dsn string, windowDays int) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	var db *bun.DB
	switch driver {
	case DriverSQLite, DriverSQLiteCGO:
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	store := New(db, windowDays)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing bun database. Call Migrate before use.
func New(db *bun.DB, windowDays int) *Store {
	return &Store{db: db, windowDays: windowDays}
}

// Migrate creates the receipts table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*receiptRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create receipts table: %w", err)
	}
	return nil
}

// Exists reports whether receipt was registered at or after since.
func (s *Store) Exists(ctx context.Context, receiptNumber string, since time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := s.db.NewSelect().
		Model((*receiptRecord)(nil)).
		Where("receipt_number = ?", receiptNumber).
		Where("created_at >= ?", since.UTC()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: query receipt: %w", err)
	}
	return exists, nil
}

// Insert registers receipt at the given time. Registrations of the same
// number that fell out of the dedup window are removed first so the number
// becomes reusable.
func (s *Store) Insert(ctx context.Context, receiptNumber string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at = at.UTC()
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*receiptRecord)(nil)).
			Where("receipt_number = ?", receiptNumber).
			Where("created_at < ?", receipt.WindowStart(at, s.windowDays)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("sqlstore: drop expired receipt: %w", err)
		}

		record := &receiptRecord{
			ReceiptNumber: receiptNumber,
			CreatedAt:     at,
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return receipt.ErrConflict
		}
		return fmt.Errorf("sqlstore: insert receipt: %w", err)
	}
	return nil
}

// Prune deletes registrations created before the given time and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*receiptRecord)(nil)).
		Where("created_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: prune receipts: %w", err)
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: prune rows affected: %w", err)
	}
	return n, nil
}

// WindowDays returns the configured dedup window, zero meaning three months.
func (s *Store) WindowDays() int {
	return s.windowDays
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return true
	}
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) && cgoErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return true
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unique") || strings.Contains(text, "duplicate")
}

var _ receipt.Store = (*Store)(nil)
