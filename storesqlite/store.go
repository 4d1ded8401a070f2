// Package storesqlite is a modernc.org/sqlite-backed implementation of
// the proxy mediator's persistence contract, for single-process
// deployments that don't need a standalone database.
package storesqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	verkey TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS keys (
	role   TEXT PRIMARY KEY,
	verkey TEXT NOT NULL,
	seed   BLOB NOT NULL
);
`

// Store persists connections and long-lived keys to a SQLite database,
// including the special "sqlite://:memory:" DSN used by tests.
type Store struct {
	dsn string
	db  *sql.DB
}

// New returns a Store for dsn (the portion of REPO_URI after the
// "sqlite://" scheme, e.g. ":memory:" or "/var/lib/proxy-mediator/db.sqlite").
func New(dsn string) *Store {
	if dsn == "" {
		dsn = ":memory:"
	}
	return &Store{dsn: dsn}
}

func (s *Store) Open(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return fmt.Errorf("storesqlite: open: %w", err)
	}
	if s.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("storesqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("storesqlite: migrate: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storesqlite: begin: %w", err)
	}
	if err := fn(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) StoreConnection(ctx context.Context, verkey string, record []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (verkey, record) VALUES (?, ?)
		 ON CONFLICT(verkey) DO UPDATE SET record = excluded.record`,
		verkey, record)
	return err
}

func (s *Store) StoreAgentKey(ctx context.Context, verkey string, seed []byte) error {
	return s.storeKey(ctx, "agent", verkey, seed)
}

func (s *Store) StoreMediatorKey(ctx context.Context, verkey string, seed []byte) error {
	return s.storeKey(ctx, "mediator", verkey, seed)
}

func (s *Store) storeKey(ctx context.Context, role, verkey string, seed []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keys (role, verkey, seed) VALUES (?, ?, ?)
		 ON CONFLICT(role) DO UPDATE SET verkey = excluded.verkey, seed = excluded.seed`,
		role, verkey, seed)
	return err
}

func (s *Store) RetrieveConnections(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT verkey, record FROM connections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var verkey string
		var record []byte
		if err := rows.Scan(&verkey, &record); err != nil {
			return nil, err
		}
		out[verkey] = record
	}
	return out, rows.Err()
}

func (s *Store) RetrieveAgentKey(ctx context.Context) (string, []byte, bool, error) {
	return s.retrieveKey(ctx, "agent")
}

func (s *Store) RetrieveMediatorKey(ctx context.Context) (string, []byte, bool, error) {
	return s.retrieveKey(ctx, "mediator")
}

func (s *Store) retrieveKey(ctx context.Context, role string) (string, []byte, bool, error) {
	var verkey string
	var seed []byte
	err := s.db.QueryRowContext(ctx, `SELECT verkey, seed FROM keys WHERE role = ?`, role).Scan(&verkey, &seed)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	return verkey, seed, true, nil
}
