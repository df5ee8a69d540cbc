// Package postgres is a journal.Journal backed by PostgreSQL, for
// deployments that already run a shared Postgres instance rather than a
// per-node Sqlite file.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres driver
	"github.com/pkg/errors"

	"github.com/bagrat/nsync/journal"
)

func init() {
	journal.Register("postgres", func(ctx context.Context, conf map[string]interface{}) (journal.Journal, error) {
		dsn, _ := conf["dsn"].(string)
		if dsn == "" {
			return nil, fmt.Errorf("postgres journal: missing `dsn` in config")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres connection")
		}
		return New(ctx, db)
	})
}

// Schema is the SQL that New executes.
const Schema = `
CREATE TABLE IF NOT EXISTS journal (
  key  TEXT PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL
);
`

// Store is a Postgres-backed journal.Journal.
type Store struct {
	db *sql.DB
}

// New produces a new Store using db for storage, creating the journal
// table if it does not already exist.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, "creating journal table")
	}
	return &Store{db: db}, nil
}

// Save upserts the snapshot at key.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	const q = `INSERT INTO journal (key, data) VALUES ($1, $2)
	           ON CONFLICT (key) DO UPDATE SET data = excluded.data`
	_, err := s.db.ExecContext(ctx, q, key, data)
	return errors.Wrapf(err, "saving journal entry %s", key)
}

// Load returns the snapshot at key, or sql.ErrNoRows if absent.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT data FROM journal WHERE key = $1`
	var data []byte
	err := s.db.QueryRowContext(ctx, q, key).Scan(&data)
	return data, errors.Wrapf(err, "loading journal entry %s", key)
}

// Keys lists every key currently journaled.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	const q = `SELECT key FROM journal ORDER BY key`
	var keys []string
	err := sqlutil.ForQueryRows(ctx, s.db, q, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	return keys, errors.Wrap(err, "listing journal keys")
}
