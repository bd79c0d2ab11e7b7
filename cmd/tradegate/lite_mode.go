package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
)

// openLedgerDB opens Postgres when databaseURL is set, otherwise the
// SQLite file at litePath (lite mode). The schema is created if missing.
func openLedgerDB(ctx context.Context, databaseURL, litePath string) (*sql.DB, *ledger.SQLStore, error) {
	var (
		db      *sql.DB
		dialect ledger.Dialect
		err     error
	)
	if databaseURL == "" {
		if dir := filepath.Dir(litePath); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", litePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		dialect = ledger.DialectSQLite
	} else {
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		dialect = ledger.DialectPostgres
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping failed: %w", err)
	}

	store := ledger.NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}
