// Package kv implements the durable namespaced key-value store (spec §4.1,
// C1). It is backed by a single SQLite table through modernc.org/sqlite —
// the pure-Go driver RedClaus-cortex/core already depends on — rather than
// a dedicated embedded-KV library, since none appears anywhere in the
// example pack (see DESIGN.md). A single key/value table plus SQLite's own
// transaction log gives the atomic-batch and crash-recovery contract spec
// §4.1 asks for; namespace prefixes (mem:, doc:, kg:node: ...) are plain
// key prefixes, scanned with a half-open key range (>= prefix, < its upper
// bound) rather than a real prefix
// index, matching how RedClaus-cortex's migrate() leans on SQLite's own
// machinery instead of hand-rolling one.
package kv

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/normanking/hybridmemory/internal/logging"
)

var log = logging.Component("kv")

// Store is the durable namespaced key-value store. It is safe for
// concurrent use: SQLite serializes writers internally and Store adds an
// exclusive-open guard on top so a second process (or a second Open in this
// process) fails promptly, per spec §4.1 ("the store is opened exclusively").
type Store struct {
	db   *sql.DB
	path string

	mu     sync.Mutex // guards closed, not the DB itself
	closed bool
}

var (
	openMu    sync.Mutex
	openPaths = map[string]bool{}
)

// Open opens (creating if needed) the KV store at path. path may be
// ":memory:" for tests; any other value is opened as a file path. Opening the
// same on-disk path twice in this process returns an error, standing in for
// the single-writer process discipline described in spec §1 (full
// stale-instance / PID-file detection is an external concern).
func Open(path string) (*Store, error) {
	openMu.Lock()
	if openPaths[path] && path != ":memory:" {
		openMu.Unlock()
		return nil, fmt.Errorf("kv: %s is already open in this process", path)
	}
	openPaths[path] = true
	openMu.Unlock()

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		openMu.Lock()
		delete(openPaths, path)
		openMu.Unlock()
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one connection avoids SQLITE_BUSY under WAL

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key BLOB PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: migrate: %w", err)
	}

	log.Info().Str("path", path).Msg("kv store opened")
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection and the exclusive-open slot.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	openMu.Lock()
	delete(openPaths, s.path)
	openMu.Unlock()
	return s.db.Close()
}

// Get returns the value stored at key, or (nil, false) if absent.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: get: %w", err)
	}
	return v, true, nil
}

// Put writes a single key, equivalent to a one-op batch.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Batch(ctx, []Op{{Kind: OpPut, Key: key, Value: value}})
}

// Delete removes a single key.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Batch(ctx, []Op{{Kind: OpDelete, Key: key}})
}

// OpKind distinguishes batch operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation within a Batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch commits every Op atomically: a reader concurrent with the commit
// observes either the full pre-state or the full post-state (spec §4.1).
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if _, err := tx.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, op.Value); err != nil {
				return fmt.Errorf("kv: batch put: %w", err)
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				return fmt.Errorf("kv: batch delete: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit batch: %w", err)
	}
	return nil
}

// ScanPrefix returns every (key, value) whose key starts with prefix, as a
// map keyed by key; the map carries no key order.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) (map[string][]byte, error) {
	hi := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if hi == nil {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, hi)
	}
	if err != nil {
		return nil, fmt.Errorf("kv: scan prefix: %w", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv: scan row: %w", err)
		}
		out[string(k)] = v
	}
	return out, rows.Err()
}

// CountPrefix is a cheap existence/size check without materializing values.
func (s *Store) CountPrefix(ctx context.Context, prefix []byte) (int, error) {
	hi := prefixUpperBound(prefix)
	var n int
	var err error
	if hi == nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key >= ?`, prefix).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key >= ? AND key < ?`, prefix, hi).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("kv: count prefix: %w", err)
	}
	return n, nil
}

// prefixUpperBound returns the smallest key strictly greater than every key
// sharing prefix, by incrementing its last byte (carrying on 0xFF bytes).
// A nil return means "no upper bound" (prefix was all 0xFF, or empty).
func prefixUpperBound(prefix []byte) []byte {
	hi := make([]byte, len(prefix))
	copy(hi, prefix)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] < 0xFF {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil
}

// Keys returns the sorted key list under prefix, useful for callers that
// only need ids (e.g. rebuild scans) without materializing every value.
func (s *Store) Keys(ctx context.Context, prefix []byte) ([][]byte, error) {
	m, err := s.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(m))
	for k := range m {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// Compact runs SQLite's VACUUM, reclaiming space left by deleted rows --
// the storage-reclaim half of system.cleanup's `compact` flag (spec §6).
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("kv: compact: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for packages (vectorindex, textindex)
// that need raw SQL access patterns the generic kv.Store doesn't cover.
// This mirrors how RedClaus-cortex's sub-stores all take the shared *sql.DB
// directly rather than going through an abstraction.
func (s *Store) DB() *sql.DB { return s.db }
