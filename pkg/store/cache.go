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


package store

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
)

// CachedStore keeps recently used node <-> id mappings in memory. Mappings
// learned inside a transaction become visible to other transactions only
// after that transaction commits.
type CachedStore struct {
	inner Store
	ids   *lru.Cache[rdf.Node, NodeID]
	nodes *lru.Cache[NodeID, rdf.Node]
}

// NewCachedStore wraps inner with two LRU caches of the given size.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	ids, err := lru.New[rdf.Node, NodeID](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create id cache: %w", err)
	}

	nodes, err := lru.New[NodeID, rdf.Node](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}

	return &CachedStore{inner: inner, ids: ids, nodes: nodes}, nil
}

func (c *CachedStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := c.inner.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	return &cachedTx{
		Tx:      tx,
		cache:   c,
		read:    make(map[NodeID]rdf.Node),
		created: make(map[NodeID]rdf.Node),
	}, nil
}

func (c *CachedStore) Close() error {
	c.ids.Purge()
	c.nodes.Purge()

	return c.inner.Close()
}

// Stats forwards to the wrapped store when it can count.
func (c *CachedStore) Stats(ctx context.Context) (Stats, error) {
	reporter, ok := c.inner.(StatsReporter)
	if !ok {
		return Stats{}, ErrStatsUnsupported
	}

	return reporter.Stats(ctx)
}

func (c *CachedStore) remember(id NodeID, node rdf.Node) {
	c.ids.Add(node, id)
	c.nodes.Add(id, node)
}

type cachedTx struct {
	Tx
	cache *CachedStore
	// read holds mappings that existed before this transaction.
	read map[NodeID]rdf.Node
	// created holds mappings this transaction introduced.
	created map[NodeID]rdf.Node
}

func (t *cachedTx) Lookup(ctx context.Context, node rdf.Node) (NodeID, error) {
	if id, ok := t.cache.ids.Get(node); ok {
		return id, nil
	}

	id, err := t.Tx.Lookup(ctx, node)
	if err != nil {
		return 0, err
	}

	if _, ok := t.created[id]; !ok {
		t.read[id] = node
	}

	return id, nil
}

func (t *cachedTx) Info(ctx context.Context, id NodeID) (rdf.Node, error) {
	if node, ok := t.cache.nodes.Get(id); ok {
		return node, nil
	}

	node, err := t.Tx.Info(ctx, id)
	if err != nil {
		return rdf.Node{}, err
	}

	if _, ok := t.created[id]; !ok {
		t.read[id] = node
	}

	return node, nil
}

func (t *cachedTx) Intern(ctx context.Context, node rdf.Node) (NodeID, error) {
	id, err := t.Lookup(ctx, node)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	id, err = t.Tx.Intern(ctx, node)
	if err != nil {
		return 0, err
	}

	t.created[id] = node

	return id, nil
}

func (t *cachedTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}

	t.publish(t.read)
	t.publish(t.created)

	return nil
}

// Rollback publishes only the mappings that predate the transaction. Ids
// created here may be reissued for other nodes later.
func (t *cachedTx) Rollback() error {
	if err := t.Tx.Rollback(); err != nil {
		return err
	}

	t.publish(t.read)

	return nil
}

func (t *cachedTx) publish(mappings map[NodeID]rdf.Node) {
	for id, node := range mappings {
		t.cache.remember(id, node)
	}

	clear(mappings)
}
