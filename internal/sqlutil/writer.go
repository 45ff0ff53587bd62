// Package sqlutil carries the small pieces of SQL plumbing every storage
// package in this module shares: serialized writes (SQLite only allows one
// writer at a time; Postgres handles concurrent transactions itself) and a
// transaction-or-none helper so table methods can be called either inside
// an existing transaction or stand-alone.
package sqlutil

import (
	"database/sql"
	"sync"
)

// Writer serializes write transactions against a *sql.DB. Do runs fn in a
// transaction: if txn is non-nil, fn runs directly inside it (the caller
// already owns a transaction); otherwise a new one is opened, committed on
// success and rolled back on error or panic.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// ExclusiveWriter serializes all writes behind one mutex, since
// modernc.org/sqlite and mattn/go-sqlite3 both serialize at the database
// level and return "database is locked" under concurrent writers.
type ExclusiveWriter struct {
	mu sync.Mutex
}

// NewExclusiveWriter returns a Writer suitable for a SQLite-backed store.
func NewExclusiveWriter() Writer { return &ExclusiveWriter{} }

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return withTxn(db, fn)
}

// DummyWriter performs no additional serialization: Postgres transactions
// are independently isolated, so concurrent writers are safe.
type DummyWriter struct{}

// NewDummyWriter returns a Writer suitable for a Postgres-backed store.
func NewDummyWriter() Writer { return &DummyWriter{} }

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	if txn != nil {
		return fn(txn)
	}
	return withTxn(db, fn)
}

func withTxn(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		}
		if err != nil {
			_ = txn.Rollback()
			return
		}
		err = txn.Commit()
	}()
	err = fn(txn)
	return err
}
