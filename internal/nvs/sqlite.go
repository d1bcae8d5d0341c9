package nvs

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps namespaces in a single kv table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path and runs the
// schema migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nvs: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("nvs: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("nvs: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			ns    TEXT NOT NULL,
			key   TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (ns, key)
		)
	`)
	return err
}

func (s *SQLiteStore) ReadNamespace(ns string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM kv WHERE ns = ?", ns)
	if err != nil {
		return nil, fmt.Errorf("nvs: query %s: %w", ns, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("nvs: scan %s: %w", ns, err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nvs: iterate %s: %w", ns, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return values, nil
}

func (s *SQLiteStore) WriteNamespace(ns string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("nvs: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec("DELETE FROM kv WHERE ns = ?", ns); err != nil {
		return fmt.Errorf("nvs: clear %s: %w", ns, err)
	}
	for k, v := range values {
		if _, err := tx.Exec("INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)", ns, k, v); err != nil {
			return fmt.Errorf("nvs: insert %s/%s: %w", ns, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("nvs: commit %s: %w", ns, err)
	}
	return nil
}

func (s *SQLiteStore) EraseNamespace(ns string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE ns = ?", ns); err != nil {
		return fmt.Errorf("nvs: erase %s: %w", ns, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
