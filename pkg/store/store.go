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


// Package store defines the transactional triple store the broker runs on.
// Nodes are interned to integer ids: URIs get positive ids, literals
// negative ones, and 0 is the wildcard in match patterns.
package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
)

var (
	// ErrNotFound is returned by Lookup and Info for unknown nodes.
	ErrNotFound = errors.New("node not found")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrTxClosed is returned when a committed or rolled back transaction is used.
	ErrTxClosed = errors.New("transaction already closed")
	// ErrBlankNode is returned when a blank node reaches Intern unminted.
	ErrBlankNode = errors.New("blank nodes must be minted before interning")
	// ErrStatsUnsupported is returned when the backend cannot count its contents.
	ErrStatsUnsupported = errors.New("store does not report stats")
)

// NodeID identifies an interned node.
type NodeID int64

// Wildcard matches any node in a pattern.
const Wildcard NodeID = 0

// IsLiteral reports whether id was issued for a literal.
func (id NodeID) IsLiteral() bool {
	return id < 0
}

// IDTriple is a triple over interned ids.
type IDTriple struct {
	S NodeID
	P NodeID
	O NodeID
}

// Key is the "s_p_o" identity used for de-duplication and snapshots.
func (t IDTriple) Key() string {
	buf := make([]byte, 0, 32)
	buf = strconv.AppendInt(buf, int64(t.S), 10)
	buf = append(buf, '_')
	buf = strconv.AppendInt(buf, int64(t.P), 10)
	buf = append(buf, '_')
	buf = strconv.AppendInt(buf, int64(t.O), 10)

	return string(buf)
}

// Matches reports whether t satisfies pattern, treating Wildcard
// components as "any".
func (t IDTriple) Matches(pattern IDTriple) bool {
	return (pattern.S == Wildcard || pattern.S == t.S) &&
		(pattern.P == Wildcard || pattern.P == t.P) &&
		(pattern.O == Wildcard || pattern.O == t.O)
}

// IsPattern reports whether any component is the wildcard.
func (t IDTriple) IsPattern() bool {
	return t.S == Wildcard || t.P == Wildcard || t.O == Wildcard
}

// Reader is the read side of a transaction.
type Reader interface {
	// Lookup returns the id of an existing node or ErrNotFound.
	Lookup(ctx context.Context, node rdf.Node) (NodeID, error)
	// Info returns the node behind id or ErrNotFound.
	Info(ctx context.Context, id NodeID) (rdf.Node, error)
	// Match returns all stored triples matching pattern.
	Match(ctx context.Context, pattern IDTriple) ([]IDTriple, error)
}

// Tx is a store transaction. Rollback after Commit is a no-op.
type Tx interface {
	Reader
	// Intern returns the id of node, creating it if needed.
	Intern(ctx context.Context, node rdf.Node) (NodeID, error)
	// Add stores t. Adding an existing triple is a no-op.
	Add(ctx context.Context, t IDTriple) error
	// Delete removes t. Deleting a missing triple is a no-op.
	Delete(ctx context.Context, t IDTriple) error
	Commit() error
	Rollback() error
}

// Store is the transactional triple store primitive.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Stats reports store sizes.
type Stats struct {
	Nodes   int64 `json:"nodes"`
	Triples int64 `json:"triples"`
}

// StatsReporter is implemented by backends that can count their contents.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
