package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database and applies migrations.
func NewSQLiteStore(dsn string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With().Str("component", "memory").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recollections (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (namespace, key)
		)`)
	return err
}

// Store implements Store.
func (s *SQLiteStore) Store(ctx context.Context, namespace, key string, value []byte) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("memory: namespace and key required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recollections (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("memory store %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Recall implements Store.
func (s *SQLiteStore) Recall(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM recollections WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory recall %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
