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


// Package rdf holds the external, string-valued form of nodes and triples
// as clients send and receive them.
package rdf

import (
	"fmt"
	"strings"
)

const (
	// WildcardShort and WildcardURI both denote "any node" in patterns.
	WildcardShort = "sib:any"
	WildcardURI   = "http://www.nokia.com/NRC/M3/sib#any"

	// BNodePrefix marks a blank node label in inserts.
	BNodePrefix = "_:"

	// LiteralTrue and LiteralFalse carry boolean subscription results.
	LiteralTrue  = "TRUE"
	LiteralFalse = "FALSE"
)

type Kind int

const (
	KindURI Kind = iota
	KindLiteral
	KindBNode
)

func (k Kind) String() string {
	switch k {
	case KindURI:
		return "uri"
	case KindLiteral:
		return "literal"
	case KindBNode:
		return "bnode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "uri":
		return KindURI, nil
	case "literal":
		return KindLiteral, nil
	case "bnode":
		return KindBNode, nil
	default:
		return 0, fmt.Errorf("unknown node kind %q", s)
	}
}

// Node is a URI, literal or blank node.
type Node struct {
	Value string `json:"value"`
	Kind  Kind   `json:"kind"`
}

func URI(value string) Node {
	if strings.HasPrefix(value, BNodePrefix) {
		return Node{Value: value, Kind: KindBNode}
	}

	return Node{Value: value, Kind: KindURI}
}

func Literal(value string) Node {
	return Node{Value: value, Kind: KindLiteral}
}

// Any is the wildcard node.
func Any() Node {
	return Node{Value: WildcardURI, Kind: KindURI}
}

// IsWildcard is true for either spelling of the wildcard, whatever the kind.
func (n Node) IsWildcard() bool {
	return n.Value == WildcardShort || n.Value == WildcardURI
}

func (n Node) IsLiteral() bool {
	return n.Kind == KindLiteral
}

func (n Node) String() string {
	switch n.Kind {
	case KindLiteral:
		return fmt.Sprintf("%q", n.Value)
	default:
		return "<" + n.Value + ">"
	}
}

type Triple struct {
	Subject   Node `json:"subject"`
	Predicate Node `json:"predicate"`
	Object    Node `json:"object"`
}

func NewTriple(s, p, o Node) Triple {
	return Triple{Subject: s, Predicate: p, Object: o}
}

func (t Triple) String() string {
	return t.Subject.String() + " " + t.Predicate.String() + " " + t.Object.String()
}

// Validate rejects empty values and literals in subject or predicate
// position.
func (t Triple) Validate() error {
	for _, part := range []struct {
		name string
		node Node
	}{{"subject", t.Subject}, {"predicate", t.Predicate}, {"object", t.Object}} {
		if part.node.Value == "" {
			return fmt.Errorf("%s is empty", part.name)
		}
	}

	if t.Subject.IsLiteral() {
		return fmt.Errorf("subject %s must not be a literal", t.Subject)
	}

	if t.Predicate.IsLiteral() {
		return fmt.Errorf("predicate %s must not be a literal", t.Predicate)
	}

	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}
