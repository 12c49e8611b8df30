package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

const storageSchema = `
CREATE TABLE IF NOT EXISTS widget_storage (
    namespace   TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (namespace, storage_key)
);
`

type sqlStatements struct {
	get    string
	upsert string
	remove string
}

var statementsByDriver = map[string]sqlStatements{
	driverSQLite: {
		get: `SELECT value FROM widget_storage WHERE namespace = ? AND storage_key = ?`,
		upsert: `INSERT INTO widget_storage (namespace, storage_key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (namespace, storage_key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		remove: `DELETE FROM widget_storage WHERE namespace = ? AND storage_key = ?`,
	},
	driverPostgres: {
		get: `SELECT value FROM widget_storage WHERE namespace = $1 AND storage_key = $2`,
		upsert: `INSERT INTO widget_storage (namespace, storage_key, value, updated_at)
			VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
			ON CONFLICT (namespace, storage_key) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`,
		remove: `DELETE FROM widget_storage WHERE namespace = $1 AND storage_key = $2`,
	},
}

// SQLBackend keeps values in a single widget_storage table.
type SQLBackend struct {
	db   *sql.DB
	stmt sqlStatements
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: sqlite path must not be empty")
	}
	db, err := sql.Open(driverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	return newSQLBackend(ctx, db, driverSQLite)
}

// OpenPostgres connects to Postgres using a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("storage: postgres dsn must not be empty")
	}
	db, err := sql.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	return newSQLBackend(ctx, db, driverPostgres)
}

func newSQLBackend(ctx context.Context, db *sql.DB, driver string) (*SQLBackend, error) {
	stmt, ok := statementsByDriver[driver]
	if !ok {
		_ = db.Close()
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, storageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return &SQLBackend{db: db, stmt: stmt}, nil
}

// Close closes the underlying database.
func (s *SQLBackend) Close() error {
	return s.db.Close()
}

// Get returns the stored value, or ok=false when no row exists.
func (s *SQLBackend) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.stmt.get, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the row for namespace and key.
func (s *SQLBackend) Set(ctx context.Context, namespace, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.stmt.upsert, namespace, key, value); err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// Remove deletes the row for namespace and key.
func (s *SQLBackend) Remove(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, s.stmt.remove, namespace, key); err != nil {
		return fmt.Errorf("storage: remove %q: %w", key, err)
	}
	return nil
}
