// Package kv implements the core's storage primitive: an ordered
// key-value map keyed by byte strings, supporting point get/put/delete,
// ordered forward/reverse scans, prefix scans, an atomic "cork"
// batch-write mode, and a secondary read-only mode for replicas.
//
// Callers treat the engine as opaque except for lexicographic key
// ordering. Both backends stand a single (key, value) table in for the
// ordered map: modernc.org/sqlite for the default pure-Go single-process
// build, lib/pq for a Postgres deployment that wants concurrent writers.
// Cork wraps a batch in one committed transaction (internal/sqlutil's
// Writer.Do shape), so readers see either none or all of a batch.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/matrixcore/homeservercore/internal/sqlutil"
)

// OpenFromConnectionString dispatches to OpenPostgres or Open based on
// connStr's scheme: the connection string doubles as a backend selector
// (a bare "file:..." or
// ":memory:" DSN for SQLite, a "postgres://..."/"postgresql://..." URL
// for Postgres) rather than requiring a separate build tag per backend.
func OpenFromConnectionString(connStr, table string) (*Store, error) {
	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
		return OpenPostgres(connStr, table)
	}
	return Open(connStr, table)
}

// dialect abstracts the handful of spots SQLite and Postgres syntax
// diverge: placeholder style ($N vs ?) and the blob column type.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) placeholder(n int) string {
	if d == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d dialect) blobType() string {
	if d == dialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// Store is an ordered byte-string keyed map.
type Store struct {
	db      *sql.DB
	writer  sqlutil.Writer
	table   string
	dialect dialect
	ro      bool
}

// Open opens (creating if absent) a KV store backed by a single SQLite
// table. dataSourceName is passed straight to modernc.org/sqlite, so
// "file:path/to/db.sqlite?_pragma=busy_timeout(5000)" style DSNs work.
func Open(dataSourceName, table string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time; reads interleave via WAL if enabled by the DSN.
	s := &Store{db: db, writer: sqlutil.NewExclusiveWriter(), table: table, dialect: dialectSQLite}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a KV store backed by a single Postgres table via
// lib/pq, for deployments that run the core against a shared Postgres
// instance instead of a local SQLite file.
// Postgres handles concurrent writers itself, so writes go through
// sqlutil.DummyWriter rather than the SQLite exclusive writer.
func OpenPostgres(dataSourceName, table string) (*Store, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, writer: sqlutil.NewDummyWriter(), table: table, dialect: dialectPostgres}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSecondaryReadOnly returns a Store over the same file intended for
// read replicas: Put/Delete/Cork all return ErrReadOnly.
func OpenSecondaryReadOnly(dataSourceName, table string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName+"?mode=ro")
	if err != nil {
		return nil, err
	}
	return &Store{db: db, table: table, dialect: dialectSQLite, ro: true}, nil
}

var ErrReadOnly = fmt.Errorf("kv: store is read-only")

func (s *Store) ensureTable() error {
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key %s PRIMARY KEY, value %s NOT NULL)`, s.table, s.dialect.blobType(), s.dialect.blobType()))
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Get performs a point read. ok is false if the key is absent.
func (s *Store) Get(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.table, s.dialect.placeholder(1)), key)
	err = row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put performs a point write, upserting the key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if s.ro {
		return ErrReadOnly
	}
	return s.writer.Do(s.db, nil, func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (%s, %s) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				s.table, s.dialect.placeholder(1), s.dialect.placeholder(2)),
			key, value)
		return err
	})
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.ro {
		return ErrReadOnly
	}
	return s.writer.Do(s.db, nil, func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, s.table, s.dialect.placeholder(1)), key)
		return err
	})
}

// Entry is one (key, value) pair yielded by a scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns all entries whose key starts with prefix, in
// lexicographic key order.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]Entry, error) {
	upper := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s ORDER BY key ASC`, s.table, s.dialect.placeholder(1)), prefix)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s AND key < %s ORDER BY key ASC`, s.table, s.dialect.placeholder(1), s.dialect.placeholder(2)), prefix, upper)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ScanRange yields entries in [from, to) (to may be nil for "no upper
// bound") in the given direction. This backs PDU-store range queries.
func (s *Store) ScanRange(ctx context.Context, from, to []byte, reverse bool) ([]Entry, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	var rows *sql.Rows
	var err error
	switch {
	case from != nil && to != nil:
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s AND key < %s ORDER BY key %s`, s.table, s.dialect.placeholder(1), s.dialect.placeholder(2), order), from, to)
	case from != nil:
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s ORDER BY key %s`, s.table, s.dialect.placeholder(1), order), from)
	default:
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key %s`, s.table, order))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if the prefix is all 0xff bytes (no finite
// upper bound exists, so the caller should scan with only a lower bound).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Cork groups a batch of writes into one committed transaction so readers
// observe either none or all of them. The batch function receives a
// *Batch bound to a single *sql.Tx.
func (s *Store) Cork(ctx context.Context, batch func(b *Batch) error) error {
	if s.ro {
		return ErrReadOnly
	}
	return s.writer.Do(s.db, nil, func(txn *sql.Tx) error {
		return batch(&Batch{ctx: ctx, txn: txn, table: s.table, dialect: s.dialect})
	})
}

// Batch is the write surface exposed inside a Cork callback.
type Batch struct {
	ctx     context.Context
	txn     *sql.Tx
	table   string
	dialect dialect
}

func (b *Batch) Put(key, value []byte) error {
	_, err := b.txn.ExecContext(b.ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (%s, %s) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			b.table, b.dialect.placeholder(1), b.dialect.placeholder(2)),
		key, value)
	return err
}

func (b *Batch) Delete(key []byte) error {
	_, err := b.txn.ExecContext(b.ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, b.table, b.dialect.placeholder(1)), key)
	return err
}

// DeletePrefix removes every key with the given prefix; used by
// storage/pdustore's DeleteAllInRoom.
func (b *Batch) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		_, err := b.txn.ExecContext(b.ctx, fmt.Sprintf(`DELETE FROM %s WHERE key >= %s`, b.table, b.dialect.placeholder(1)), prefix)
		return err
	}
	_, err := b.txn.ExecContext(b.ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key >= %s AND key < %s`, b.table, b.dialect.placeholder(1), b.dialect.placeholder(2)),
		prefix, upper)
	return err
}
