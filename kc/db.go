package kc

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB provides SQLite persistence for vendor credentials.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the SQLite database at path and ensures tables exist.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS api_credentials (
    api_key      TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    active       INTEGER NOT NULL DEFAULT 0,
    stored_at    TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// LoadCredentials reads all stored credentials.
func (d *DB) LoadCredentials() ([]*Credential, error) {
	rows, err := d.db.Query(`SELECT api_key, access_token, active, stored_at FROM api_credentials`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		var (
			c         Credential
			activeI   int
			storedAtS string
		)
		if err := rows.Scan(&c.APIKey, &c.AccessToken, &activeI, &storedAtS); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Active = activeI != 0
		c.StoredAt, err = time.Parse(time.RFC3339, storedAtS)
		if err != nil {
			return nil, fmt.Errorf("parse stored_at: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SaveCredential inserts or replaces a credential. When the credential is
// active, all other rows are deactivated in the same transaction so at most
// one active set exists.
func (d *DB) SaveCredential(c *Credential) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if c.Active {
		if _, err := tx.Exec(`UPDATE api_credentials SET active = 0`); err != nil {
			return fmt.Errorf("deactivate credentials: %w", err)
		}
	}
	active := 0
	if c.Active {
		active = 1
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO api_credentials (api_key, access_token, active, stored_at)
		VALUES (?,?,?,?)`,
		c.APIKey, c.AccessToken, active, c.StoredAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return tx.Commit()
}

// DeleteCredential removes a credential by API key.
func (d *DB) DeleteCredential(apiKey string) error {
	_, err := d.db.Exec(`DELETE FROM api_credentials WHERE api_key = ?`, apiKey)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
