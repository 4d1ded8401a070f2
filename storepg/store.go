// Package storepg is a lib/pq-backed implementation of the proxy
// mediator's persistence contract, for deployments that run against a
// standalone PostgreSQL instance.
package storepg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	verkey TEXT PRIMARY KEY,
	record BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS keys (
	role   TEXT PRIMARY KEY,
	verkey TEXT NOT NULL,
	seed   BYTEA NOT NULL
);
`

// Store persists connections and long-lived keys to PostgreSQL.
type Store struct {
	dsn string
	db  *sql.DB
}

// New returns a Store for dsn, the full "postgres://..." REPO_URI.
func New(dsn string) *Store {
	return &Store{dsn: dsn}
}

func (s *Store) Open(ctx context.Context) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("storepg: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("storepg: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("storepg: migrate: %w", err)
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
		return fmt.Errorf("storepg: begin: %w", err)
	}
	if err := fn(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) StoreConnection(ctx context.Context, verkey string, record []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (verkey, record) VALUES ($1, $2)
		 ON CONFLICT (verkey) DO UPDATE SET record = excluded.record`,
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
		`INSERT INTO keys (role, verkey, seed) VALUES ($1, $2, $3)
		 ON CONFLICT (role) DO UPDATE SET verkey = excluded.verkey, seed = excluded.seed`,
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
	err := s.db.QueryRowContext(ctx, `SELECT verkey, seed FROM keys WHERE role = $1`, role).Scan(&verkey, &seed)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	return verkey, seed, true, nil
}
