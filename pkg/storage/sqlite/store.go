// Package sqlite keeps operator state in a SQLite database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS operator_storage (
	op    TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (op, key)
) WITHOUT ROWID;
`

const scanChunkSize = 64

// Error is the panic value raised by a Storage when the database fails.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("operator storage %s: %s", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Store is a SQLite database holding the state of many operators. Writes go to the transaction
// opened by Begin, if any.
type Store struct {
	db  *sql.DB
	tx  *sql.Tx
	log logr.Logger
}

// Open creates or opens a database at the given path.
func Open(path string, log logr.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, log: log.WithName("sqlite-storage")}, nil
}

// Close closes the database, rolling back an open transaction.
func (s *Store) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// Begin opens a transaction that collects all writes until Commit or Rollback.
func (s *Store) Begin() error {
	if s.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *Store) Commit() error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Rollback() error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// NewStorage returns the storage of a new operator. The name only helps debugging: every
// storage gets a unique namespace.
func (s *Store) NewStorage(name string) *Storage {
	return &Storage{store: s, op: name + "/" + uuid.NewString()}
}

// Len returns the number of entries of all operators.
func (s *Store) Len() int {
	var n int
	if err := s.conn().QueryRow("SELECT COUNT(*) FROM operator_storage").Scan(&n); err != nil {
		panic(&Error{Op: "len", Err: err})
	}
	return n
}

// Storage is the namespace of a single operator in a Store.
type Storage struct {
	store *Store
	op    string
}

func (st *Storage) Get(key string) ([]byte, bool) {
	var value []byte
	err := st.store.conn().QueryRow(
		"SELECT value FROM operator_storage WHERE op = ? AND key = ?", st.op, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		panic(&Error{Op: "get", Err: err})
	}
	return value, true
}

func (st *Storage) Set(key string, value []byte) {
	if _, err := st.store.conn().Exec(
		"INSERT INTO operator_storage (op, key, value) VALUES (?, ?, ?) "+
			"ON CONFLICT (op, key) DO UPDATE SET value = excluded.value",
		st.op, key, value); err != nil {
		panic(&Error{Op: "set", Err: err})
	}
}

func (st *Storage) Del(key string) {
	if _, err := st.store.conn().Exec(
		"DELETE FROM operator_storage WHERE op = ? AND key = ?", st.op, key); err != nil {
		panic(&Error{Op: "del", Err: err})
	}
}

// Scan reads the matching entries in chunks, so the callback may write to the store.
func (st *Storage) Scan(prefix string, fn func(key string, value []byte) bool) {
	from, op := prefix, ">="
	for {
		keys, values := st.scanChunk(prefix, from, op)
		for i := range keys {
			if !fn(keys[i], values[i]) {
				return
			}
		}
		if len(keys) < scanChunkSize {
			return
		}
		from, op = keys[len(keys)-1], ">"
	}
}

func (st *Storage) scanChunk(prefix, from, op string) ([]string, [][]byte) {
	rows, err := st.store.conn().Query(
		"SELECT key, value FROM operator_storage WHERE op = ? AND key "+op+" ? ORDER BY key LIMIT ?",
		st.op, from, scanChunkSize)
	if err != nil {
		panic(&Error{Op: "scan", Err: err})
	}
	defer rows.Close()

	keys, values := []string{}, [][]byte{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			panic(&Error{Op: "scan", Err: err})
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys, values = append(keys, key), append(values, value)
	}
	if err := rows.Err(); err != nil {
		panic(&Error{Op: "scan", Err: err})
	}
	return keys, values
}

// Clear removes every entry of the operator.
func (st *Storage) Clear() {
	if _, err := st.store.conn().Exec("DELETE FROM operator_storage WHERE op = ?", st.op); err != nil {
		panic(&Error{Op: "clear", Err: err})
	}
}
