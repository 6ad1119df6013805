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


// Package badger implements store.Store on a Badger key-value database.
//
// Key layout:
//
//	n/<kind><value>  -> id            node dictionary
//	i/<id>           -> <kind><value> reverse dictionary
//	c/u, c/l         -> last URI / literal id
//	spo/<s><p><o>, pos/<p><o><s>, osp/<o><s><p> -> empty
//
// Ids are stored as 8 big-endian bytes with the sign bit flipped so that
// key order equals numeric order.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// Config configures the badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	SyncWrites bool

	// GCInterval is how often the value log is garbage collected. Zero disables GC.
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger *zap.SugaredLogger
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger forwards badger's internal logging to zap.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

var (
	prefixNode    = []byte("n/")
	prefixID      = []byte("i/")
	prefixSPO     = []byte("spo/")
	prefixPOS     = []byte("pos/")
	prefixOSP     = []byte("osp/")
	keyURICounter = []byte("c/u")
	keyLitCounter = []byte("c/l")
)

type badgerStore struct {
	db     *badger.DB
	logger *zap.SugaredLogger

	stopGC chan struct{}
	gcDone chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg Config) (store.Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}

		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &badgerStore{db: db, logger: cfg.Logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})

		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

func (s *badgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warnf("badger value log GC failed: %s", err)
			}
		}
	}
}

func (s *badgerStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	return &badgerTx{txn: s.db.NewTransaction(true)}, nil
}

func (s *badgerStore) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Stats{}, store.ErrClosed
	}

	var stats store.Stats

	err := s.db.View(func(txn *badger.Txn) error {
		var err error

		stats.Nodes, err = countPrefix(ctx, txn, prefixID)
		if err != nil {
			return err
		}

		stats.Triples, err = countPrefix(ctx, txn, prefixSPO)

		return err
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count store contents: %w", err)
	}

	return stats, nil
}

func (s *badgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store already closed")
	}

	s.closed = true

	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	return nil
}

func countPrefix(ctx context.Context, txn *badger.Txn, prefix []byte) (int64, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var n int64

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n++
	}

	return n, nil
}

type badgerTx struct {
	txn    *badger.Txn
	closed bool
}

func encodeID(id store.NodeID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id)^(1<<63))

	return b[:]
}

func decodeID(b []byte) store.NodeID {
	return store.NodeID(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func key(prefix []byte, parts ...[]byte) []byte {
	out := make([]byte, 0, len(prefix)+8*len(parts))
	out = append(out, prefix...)

	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}

func nodeKey(node rdf.Node) []byte {
	return key(prefixNode, []byte{byte(node.Kind)}, []byte(node.Value))
}

func (t *badgerTx) Lookup(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	item, err := t.txn.Get(nodeKey(node))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, store.ErrNotFound
		}

		return 0, fmt.Errorf("failed to look up node: %w", err)
	}

	var id store.NodeID

	err = item.Value(func(val []byte) error {
		id = decodeID(val)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read node id: %w", err)
	}

	return id, nil
}

func (t *badgerTx) Info(ctx context.Context, id store.NodeID) (rdf.Node, error) {
	if err := t.check(ctx); err != nil {
		return rdf.Node{}, err
	}

	item, err := t.txn.Get(key(prefixID, encodeID(id)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rdf.Node{}, store.ErrNotFound
		}

		return rdf.Node{}, fmt.Errorf("failed to read node %d: %w", id, err)
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return rdf.Node{}, fmt.Errorf("failed to read node %d: %w", id, err)
	}

	if len(val) == 0 {
		return rdf.Node{}, fmt.Errorf("corrupt node record %d", id)
	}

	return rdf.Node{Kind: rdf.Kind(val[0]), Value: string(val[1:])}, nil
}

// index picks the key prefix that covers the bound components of pattern
// and knows how to decode keys of that index.
func index(pattern store.IDTriple) ([]byte, func([]byte) store.IDTriple) {
	s, p, o := pattern.S != store.Wildcard, pattern.P != store.Wildcard, pattern.O != store.Wildcard

	decodeSPO := func(k []byte) store.IDTriple {
		k = k[len(prefixSPO):]

		return store.IDTriple{S: decodeID(k[0:8]), P: decodeID(k[8:16]), O: decodeID(k[16:24])}
	}
	decodePOS := func(k []byte) store.IDTriple {
		k = k[len(prefixPOS):]

		return store.IDTriple{P: decodeID(k[0:8]), O: decodeID(k[8:16]), S: decodeID(k[16:24])}
	}
	decodeOSP := func(k []byte) store.IDTriple {
		k = k[len(prefixOSP):]

		return store.IDTriple{O: decodeID(k[0:8]), S: decodeID(k[8:16]), P: decodeID(k[16:24])}
	}

	switch {
	case s && p && o:
		return key(prefixSPO, encodeID(pattern.S), encodeID(pattern.P), encodeID(pattern.O)), decodeSPO
	case s && p:
		return key(prefixSPO, encodeID(pattern.S), encodeID(pattern.P)), decodeSPO
	case s && o:
		return key(prefixOSP, encodeID(pattern.O), encodeID(pattern.S)), decodeOSP
	case s:
		return key(prefixSPO, encodeID(pattern.S)), decodeSPO
	case p && o:
		return key(prefixPOS, encodeID(pattern.P), encodeID(pattern.O)), decodePOS
	case p:
		return key(prefixPOS, encodeID(pattern.P)), decodePOS
	case o:
		return key(prefixOSP, encodeID(pattern.O)), decodeOSP
	default:
		return key(prefixSPO), decodeSPO
	}
}

func (t *badgerTx) Match(ctx context.Context, pattern store.IDTriple) ([]store.IDTriple, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	prefix, decode := index(pattern)

	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var out []store.IDTriple

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out = append(out, decode(it.Item().KeyCopy(nil)))
	}

	return out, nil
}

func (t *badgerTx) Intern(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	id, err := t.Lookup(ctx, node)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	counter, step := keyURICounter, store.NodeID(1)

	switch node.Kind {
	case rdf.KindBNode:
		return 0, store.ErrBlankNode
	case rdf.KindLiteral:
		counter, step = keyLitCounter, -1
	}

	last := store.NodeID(0)

	item, err := t.txn.Get(counter)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			last = decodeID(val)

			return nil
		}); err != nil {
			return 0, fmt.Errorf("failed to read id counter: %w", err)
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, fmt.Errorf("failed to read id counter: %w", err)
	}

	id = last + step
	record := append([]byte{byte(node.Kind)}, node.Value...)

	for _, kv := range []struct{ k, v []byte }{
		{counter, encodeID(id)},
		{nodeKey(node), encodeID(id)},
		{key(prefixID, encodeID(id)), record},
	} {
		if err := t.txn.Set(kv.k, kv.v); err != nil {
			return 0, fmt.Errorf("failed to store node: %w", err)
		}
	}

	return id, nil
}

func tripleKeys(tr store.IDTriple) [][]byte {
	s, p, o := encodeID(tr.S), encodeID(tr.P), encodeID(tr.O)

	return [][]byte{
		key(prefixSPO, s, p, o),
		key(prefixPOS, p, o, s),
		key(prefixOSP, o, s, p),
	}
}

func (t *badgerTx) Add(ctx context.Context, tr store.IDTriple) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	for _, k := range tripleKeys(tr) {
		if err := t.txn.Set(k, nil); err != nil {
			return fmt.Errorf("failed to add triple: %w", err)
		}
	}

	return nil
}

func (t *badgerTx) Delete(ctx context.Context, tr store.IDTriple) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	for _, k := range tripleKeys(tr) {
		if err := t.txn.Delete(k); err != nil {
			return fmt.Errorf("failed to delete triple: %w", err)
		}
	}

	return nil
}

func (t *badgerTx) Commit() error {
	if t.closed {
		return store.ErrTxClosed
	}

	t.closed = true
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *badgerTx) Rollback() error {
	if t.closed {
		return nil
	}

	t.closed = true
	t.txn.Discard()

	return nil
}

func (t *badgerTx) check(ctx context.Context) error {
	if t.closed {
		return store.ErrTxClosed
	}

	return ctx.Err()
}
