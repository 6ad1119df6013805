// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package sqlite implements store.Store on SQLite in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id    INTEGER PRIMARY KEY,
	kind  INTEGER NOT NULL,
	value TEXT    NOT NULL,
	UNIQUE (kind, value)
);
CREATE TABLE IF NOT EXISTS triples (
	s INTEGER NOT NULL,
	p INTEGER NOT NULL,
	o INTEGER NOT NULL,
	PRIMARY KEY (s, p, o)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS triples_pos ON triples (p, o, s);
CREATE INDEX IF NOT EXISTS triples_osp ON triples (o, s, p);
`

type sqliteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// ensures the schema exists.
func NewSQLiteStore(dbPath string) (store.Store, error) {
	connStr := buildConnectionString(dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return "file:" + dbPath + baseParams
}

func (s *sqliteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

func (s *sqliteStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelDefault,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (store.Stats, error) {
	if s.isClosed() {
		return store.Stats{}, store.ErrClosed
	}

	var stats store.Stats

	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM nodes), (SELECT COUNT(*) FROM triples)`,
	).Scan(&stats.Nodes, &stats.Triples)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count store contents: %w", err)
	}

	return stats, nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store already closed")
	}

	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	tx     *sql.Tx
	closed bool
}

func (t *sqliteTx) Lookup(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	if t.closed {
		return 0, store.ErrTxClosed
	}

	var id int64

	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM nodes WHERE kind = ? AND value = ?`, int(node.Kind), node.Value,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}

		return 0, fmt.Errorf("failed to look up node: %w", err)
	}

	return store.NodeID(id), nil
}

func (t *sqliteTx) Info(ctx context.Context, id store.NodeID) (rdf.Node, error) {
	if t.closed {
		return rdf.Node{}, store.ErrTxClosed
	}

	var (
		kind  int
		value string
	)

	err := t.tx.QueryRowContext(ctx, `SELECT kind, value FROM nodes WHERE id = ?`, int64(id)).Scan(&kind, &value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rdf.Node{}, store.ErrNotFound
		}

		return rdf.Node{}, fmt.Errorf("failed to read node %d: %w", id, err)
	}

	return rdf.Node{Value: value, Kind: rdf.Kind(kind)}, nil
}

func (t *sqliteTx) Match(ctx context.Context, pattern store.IDTriple) ([]store.IDTriple, error) {
	if t.closed {
		return nil, store.ErrTxClosed
	}

	var (
		conds []string
		args  []interface{}
	)

	for _, c := range []struct {
		column string
		id     store.NodeID
	}{{"s", pattern.S}, {"p", pattern.P}, {"o", pattern.O}} {
		if c.id != store.Wildcard {
			conds = append(conds, c.column+" = ?")
			args = append(args, int64(c.id))
		}
	}

	query := `SELECT s, p, o FROM triples`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match triples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.IDTriple

	for rows.Next() {
		var s, p, o int64
		if err := rows.Scan(&s, &p, &o); err != nil {
			return nil, fmt.Errorf("failed to scan triple: %w", err)
		}

		out = append(out, store.IDTriple{S: store.NodeID(s), P: store.NodeID(p), O: store.NodeID(o)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate triples: %w", err)
	}

	return out, nil
}

func (t *sqliteTx) Intern(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	id, err := t.Lookup(ctx, node)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	var next string

	switch node.Kind {
	case rdf.KindBNode:
		return 0, store.ErrBlankNode
	case rdf.KindLiteral:
		next = `SELECT COALESCE(MIN(id), 0) - 1 FROM nodes WHERE id < 0`
	default:
		next = `SELECT COALESCE(MAX(id), 0) + 1 FROM nodes WHERE id > 0`
	}

	var newID int64
	if err := t.tx.QueryRowContext(ctx, next).Scan(&newID); err != nil {
		return 0, fmt.Errorf("failed to allocate node id: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO nodes (id, kind, value) VALUES (?, ?, ?)`, newID, int(node.Kind), node.Value)
	if err != nil {
		return 0, fmt.Errorf("failed to insert node: %w", err)
	}

	return store.NodeID(newID), nil
}

func (t *sqliteTx) Add(ctx context.Context, triple store.IDTriple) error {
	if t.closed {
		return store.ErrTxClosed
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO triples (s, p, o) VALUES (?, ?, ?)`,
		int64(triple.S), int64(triple.P), int64(triple.O))
	if err != nil {
		return fmt.Errorf("failed to add triple: %w", err)
	}

	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, triple store.IDTriple) error {
	if t.closed {
		return store.ErrTxClosed
	}

	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM triples WHERE s = ? AND p = ? AND o = ?`,
		int64(triple.S), int64(triple.P), int64(triple.O))
	if err != nil {
		return fmt.Errorf("failed to delete triple: %w", err)
	}

	return nil
}

func (t *sqliteTx) Commit() error {
	if t.closed {
		return store.ErrTxClosed
	}

	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}
