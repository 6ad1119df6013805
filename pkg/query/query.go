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


// Package query describes broker queries and evaluates the path-based
// ones with a small RDFS reasoner.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

var (
	// ErrNotImplemented is returned for query kinds and path operators the
	// broker does not evaluate.
	ErrNotImplemented = errors.New("not implemented")
	// ErrInvalidPattern is returned for malformed queries.
	ErrInvalidPattern = errors.New("invalid pattern")
)

type Kind string

const (
	// KindTemplate matches a list of triple patterns.
	KindTemplate Kind = "template"
	// KindValues returns the nodes reachable from Start along Path.
	KindValues Kind = "values"
	// KindNodeTypes returns the asserted types of Node, most specific first.
	KindNodeTypes Kind = "nodetypes"
	// KindRelated tests whether End is reachable from Start along Path.
	KindRelated Kind = "related"
	// KindIsType tests whether Node is an instance of Type.
	KindIsType Kind = "istype"
	// KindIsSubtype tests whether Node is a subclass of Type.
	KindIsSubtype Kind = "issubtype"
	KindSPARQL    Kind = "sparql"
)

// Shape is the form of a query result.
type Shape int

const (
	ShapeTriples Shape = iota
	ShapeNodes
	ShapeBool
)

func (s Shape) String() string {
	switch s {
	case ShapeTriples:
		return "triples"
	case ShapeNodes:
		return "nodes"
	case ShapeBool:
		return "bool"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Query is a read request. Which fields are used depends on Kind.
type Query struct {
	Kind     Kind         `json:"kind"`
	Patterns []rdf.Triple `json:"patterns,omitempty"`
	Start    rdf.Node     `json:"start"`
	Path     string       `json:"path,omitempty"`
	End      rdf.Node     `json:"end"`
	Node     rdf.Node     `json:"node"`
	Type     rdf.Node     `json:"type"`
	Text     string       `json:"text,omitempty"`
}

func Template(patterns ...rdf.Triple) Query {
	return Query{Kind: KindTemplate, Patterns: patterns}
}

func Values(start rdf.Node, path string) Query {
	return Query{Kind: KindValues, Start: start, Path: path}
}

func NodeTypes(node rdf.Node) Query {
	return Query{Kind: KindNodeTypes, Node: node}
}

func Related(start rdf.Node, path string, end rdf.Node) Query {
	return Query{Kind: KindRelated, Start: start, Path: path, End: end}
}

func IsType(node, typ rdf.Node) Query {
	return Query{Kind: KindIsType, Node: node, Type: typ}
}

func IsSubtype(sub, super rdf.Node) Query {
	return Query{Kind: KindIsSubtype, Node: sub, Type: super}
}

func SPARQL(text string) Query {
	return Query{Kind: KindSPARQL, Text: text}
}

// Shape reports the result form of q.
func (q Query) Shape() Shape {
	switch q.Kind {
	case KindValues, KindNodeTypes:
		return ShapeNodes
	case KindRelated, KindIsType, KindIsSubtype:
		return ShapeBool
	default:
		return ShapeTriples
	}
}

// Validate checks that the fields Kind needs are present and well formed.
// SPARQL is accepted here and rejected at evaluation.
func (q Query) Validate() error {
	switch q.Kind {
	case KindTemplate:
		if len(q.Patterns) == 0 {
			return fmt.Errorf("%w: template query without patterns", ErrInvalidPattern)
		}

		for i, p := range q.Patterns {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%w: pattern %d: %s", ErrInvalidPattern, i, err)
			}
		}
	case KindValues:
		if err := requireNode("start", q.Start); err != nil {
			return err
		}

		return requirePath(q.Path)
	case KindRelated:
		if err := requireNode("start", q.Start); err != nil {
			return err
		}

		if err := requireNode("end", q.End); err != nil {
			return err
		}

		return requirePath(q.Path)
	case KindNodeTypes:
		return requireNode("node", q.Node)
	case KindIsType, KindIsSubtype:
		if err := requireNode("node", q.Node); err != nil {
			return err
		}

		return requireNode("type", q.Type)
	case KindSPARQL:
	default:
		return fmt.Errorf("%w: unknown query kind %q", ErrInvalidPattern, q.Kind)
	}

	return nil
}

func requireNode(name string, n rdf.Node) error {
	if n.Value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidPattern, name)
	}

	return nil
}

func requirePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidPattern)
	}

	return nil
}

// Plugin evaluates the path-based query kinds over resolved node ids.
type Plugin interface {
	Values(ctx context.Context, r store.Reader, start store.NodeID, path string) ([]store.NodeID, error)
	NodeTypes(ctx context.Context, r store.Reader, node store.NodeID) ([]store.NodeID, error)
	Related(ctx context.Context, r store.Reader, start store.NodeID, path string, end store.NodeID) (bool, error)
	IsType(ctx context.Context, r store.Reader, node, typ store.NodeID) (bool, error)
	IsSubtype(ctx context.Context, r store.Reader, sub, super store.NodeID) (bool, error)
}
