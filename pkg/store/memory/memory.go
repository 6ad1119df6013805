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


// Package memory provides an in-memory implementation of store.Store.
//
// # Transaction Isolation
//
// One transaction runs at a time; BeginTx blocks until the previous one
// commits or rolls back. Changes are buffered in the transaction and are
// visible to its own reads. Commit applies them under a single write lock.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/smartspace/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// validateContext checks if the provided context is nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return nil
}

type tripleSet map[store.IDTriple]struct{}

// InMemoryStore keeps nodes and triples in maps, with one index per triple
// position.
type InMemoryStore struct {
	txLock *ctxmutex.CtxMutex

	mu          sync.RWMutex
	ids         map[rdf.Node]store.NodeID
	nodes       map[store.NodeID]rdf.Node
	nextURI     store.NodeID
	nextLiteral store.NodeID
	triples     tripleSet
	bySubject   map[store.NodeID]tripleSet
	byPredicate map[store.NodeID]tripleSet
	byObject    map[store.NodeID]tripleSet
	closed      bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		txLock:      ctxmutex.NewCtxMutex(),
		ids:         make(map[rdf.Node]store.NodeID),
		nodes:       make(map[store.NodeID]rdf.Node),
		nextURI:     1,
		nextLiteral: -1,
		triples:     make(tripleSet),
		bySubject:   make(map[store.NodeID]tripleSet),
		byPredicate: make(map[store.NodeID]tripleSet),
		byObject:    make(map[store.NodeID]tripleSet),
	}
}

func (s *InMemoryStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	if err := s.txLock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.mu.RLock()
	closed := s.closed
	nextURI, nextLiteral := s.nextURI, s.nextLiteral
	s.mu.RUnlock()

	if closed {
		s.txLock.Unlock()

		return nil, store.ErrClosed
	}

	return &inMemoryTx{
		store:       s,
		newIDs:      make(map[rdf.Node]store.NodeID),
		newNodes:    make(map[store.NodeID]rdf.Node),
		nextURI:     nextURI,
		nextLiteral: nextLiteral,
		added:       make(tripleSet),
		deleted:     make(tripleSet),
	}, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store already closed")
	}

	s.closed = true

	return nil
}

func (s *InMemoryStore) Stats(ctx context.Context) (store.Stats, error) {
	if err := validateContext(ctx); err != nil {
		return store.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Stats{}, store.ErrClosed
	}

	return store.Stats{Nodes: int64(len(s.nodes)), Triples: int64(len(s.triples))}, nil
}

// match must be called with mu held.
func (s *InMemoryStore) match(pattern store.IDTriple) []store.IDTriple {
	candidates := s.triples

	for _, idx := range []struct {
		id    store.NodeID
		index map[store.NodeID]tripleSet
	}{{pattern.S, s.bySubject}, {pattern.P, s.byPredicate}, {pattern.O, s.byObject}} {
		if idx.id == store.Wildcard {
			continue
		}

		set := idx.index[idx.id]
		if len(set) < len(candidates) {
			candidates = set
		}
	}

	out := make([]store.IDTriple, 0, len(candidates))
	for t := range candidates {
		if t.Matches(pattern) {
			out = append(out, t)
		}
	}

	return out
}

// add and remove must be called with mu held for writing.
func (s *InMemoryStore) add(t store.IDTriple) {
	s.triples[t] = struct{}{}
	indexAdd(s.bySubject, t.S, t)
	indexAdd(s.byPredicate, t.P, t)
	indexAdd(s.byObject, t.O, t)
}

func (s *InMemoryStore) remove(t store.IDTriple) {
	delete(s.triples, t)
	indexRemove(s.bySubject, t.S, t)
	indexRemove(s.byPredicate, t.P, t)
	indexRemove(s.byObject, t.O, t)
}

func indexAdd(index map[store.NodeID]tripleSet, id store.NodeID, t store.IDTriple) {
	set, ok := index[id]
	if !ok {
		set = make(tripleSet)
		index[id] = set
	}

	set[t] = struct{}{}
}

func indexRemove(index map[store.NodeID]tripleSet, id store.NodeID, t store.IDTriple) {
	set := index[id]
	delete(set, t)

	if len(set) == 0 {
		delete(index, id)
	}
}

type inMemoryTx struct {
	store       *InMemoryStore
	newIDs      map[rdf.Node]store.NodeID
	newNodes    map[store.NodeID]rdf.Node
	nextURI     store.NodeID
	nextLiteral store.NodeID
	added       tripleSet
	deleted     tripleSet
	closed      bool
}

func (tx *inMemoryTx) Lookup(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}

	if id, ok := tx.newIDs[node]; ok {
		return id, nil
	}

	tx.store.mu.RLock()
	id, ok := tx.store.ids[node]
	tx.store.mu.RUnlock()

	if !ok {
		return 0, store.ErrNotFound
	}

	return id, nil
}

func (tx *inMemoryTx) Info(ctx context.Context, id store.NodeID) (rdf.Node, error) {
	if err := tx.check(ctx); err != nil {
		return rdf.Node{}, err
	}

	if node, ok := tx.newNodes[id]; ok {
		return node, nil
	}

	tx.store.mu.RLock()
	node, ok := tx.store.nodes[id]
	tx.store.mu.RUnlock()

	if !ok {
		return rdf.Node{}, store.ErrNotFound
	}

	return node, nil
}

func (tx *inMemoryTx) Match(ctx context.Context, pattern store.IDTriple) ([]store.IDTriple, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	committed := tx.store.match(pattern)
	tx.store.mu.RUnlock()

	out := committed[:0]
	for _, t := range committed {
		if _, gone := tx.deleted[t]; !gone {
			out = append(out, t)
		}
	}

	for t := range tx.added {
		if t.Matches(pattern) {
			out = append(out, t)
		}
	}

	return out, nil
}

func (tx *inMemoryTx) Intern(ctx context.Context, node rdf.Node) (store.NodeID, error) {
	id, err := tx.Lookup(ctx, node)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	switch node.Kind {
	case rdf.KindBNode:
		return 0, store.ErrBlankNode
	case rdf.KindLiteral:
		id = tx.nextLiteral
		tx.nextLiteral--
	default:
		id = tx.nextURI
		tx.nextURI++
	}

	tx.newIDs[node] = id
	tx.newNodes[id] = node

	return id, nil
}

func (tx *inMemoryTx) Add(ctx context.Context, t store.IDTriple) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	if _, ok := tx.deleted[t]; ok {
		delete(tx.deleted, t)

		return nil
	}

	tx.store.mu.RLock()
	_, exists := tx.store.triples[t]
	tx.store.mu.RUnlock()

	if !exists {
		tx.added[t] = struct{}{}
	}

	return nil
}

func (tx *inMemoryTx) Delete(ctx context.Context, t store.IDTriple) error {
	if err := tx.check(ctx); err != nil {
		return err
	}

	if _, ok := tx.added[t]; ok {
		delete(tx.added, t)

		return nil
	}

	tx.store.mu.RLock()
	_, exists := tx.store.triples[t]
	tx.store.mu.RUnlock()

	if exists {
		tx.deleted[t] = struct{}{}
	}

	return nil
}

func (tx *inMemoryTx) Commit() error {
	if tx.closed {
		return store.ErrTxClosed
	}

	tx.closed = true
	defer tx.store.txLock.Unlock()

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.store.closed {
		return store.ErrClosed
	}

	for node, id := range tx.newIDs {
		tx.store.ids[node] = id
		tx.store.nodes[id] = node
	}

	tx.store.nextURI = tx.nextURI
	tx.store.nextLiteral = tx.nextLiteral

	for t := range tx.deleted {
		tx.store.remove(t)
	}

	for t := range tx.added {
		tx.store.add(t)
	}

	return nil
}

func (tx *inMemoryTx) Rollback() error {
	if tx.closed {
		return nil
	}

	tx.closed = true
	tx.store.txLock.Unlock()

	return nil
}

func (tx *inMemoryTx) check(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if tx.closed {
		return store.ErrTxClosed
	}

	return nil
}
