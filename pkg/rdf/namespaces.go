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


package rdf

import (
	"sort"
	"strings"
)

// Well-known vocabulary bases.
const (
	NamespaceRDF  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	NamespaceRDFS = "http://www.w3.org/2000/01/rdf-schema#"
	NamespaceOWL  = "http://www.w3.org/2002/07/owl#"
	NamespaceXSD  = "http://www.w3.org/2001/XMLSchema#"
	NamespaceSIB  = "http://www.nokia.com/NRC/M3/sib#"
)

// Vocabulary used by the reasoner.
const (
	RDFType           = NamespaceRDF + "type"
	RDFSSubClassOf    = NamespaceRDFS + "subClassOf"
	RDFSSubPropertyOf = NamespaceRDFS + "subPropertyOf"
	RDFSResource      = NamespaceRDFS + "Resource"
	RDFSClass         = NamespaceRDFS + "Class"
	OWLThing          = NamespaceOWL + "Thing"
	RDFProperty       = NamespaceRDF + "Property"
	RDFSDomain        = NamespaceRDFS + "domain"
	RDFSRange         = NamespaceRDFS + "range"
)

// Namespaces maps prefixes to URI bases.
type Namespaces struct {
	prefixes map[string]string
}

// NewNamespaces returns the built-in prefixes plus extra. Entries in extra
// override built-ins of the same name.
func NewNamespaces(extra map[string]string) *Namespaces {
	ns := &Namespaces{prefixes: map[string]string{
		"rdf":  NamespaceRDF,
		"rdfs": NamespaceRDFS,
		"owl":  NamespaceOWL,
		"xsd":  NamespaceXSD,
		"sib":  NamespaceSIB,
	}}

	for prefix, base := range extra {
		ns.prefixes[prefix] = base
	}

	return ns
}

// Expand rewrites "prefix:local" to the full URI when prefix is known.
// Anything else, including the short wildcard, is returned unchanged.
func (ns *Namespaces) Expand(value string) string {
	if value == WildcardShort {
		return value
	}

	prefix, local, ok := strings.Cut(value, ":")
	if !ok || strings.HasPrefix(local, "//") {
		return value
	}

	base, ok := ns.prefixes[prefix]
	if !ok {
		return value
	}

	return base + local
}

// ExpandNode expands URI nodes; literals and blank nodes pass through.
func (ns *Namespaces) ExpandNode(n Node) Node {
	if n.Kind != KindURI {
		return n
	}

	return Node{Value: ns.Expand(n.Value), Kind: KindURI}
}

func (ns *Namespaces) ExpandTriple(t Triple) Triple {
	return Triple{
		Subject:   ns.ExpandNode(t.Subject),
		Predicate: ns.ExpandNode(t.Predicate),
		Object:    ns.ExpandNode(t.Object),
	}
}

// Bindings returns a copy of the prefix to base mapping.
func (ns *Namespaces) Bindings() map[string]string {
	out := make(map[string]string, len(ns.prefixes))
	for prefix, base := range ns.prefixes {
		out[prefix] = base
	}

	return out
}

// Prefixes returns the known prefixes in sorted order.
func (ns *Namespaces) Prefixes() []string {
	out := make([]string, 0, len(ns.prefixes))
	for prefix := range ns.prefixes {
		out = append(out, prefix)
	}

	sort.Strings(out)

	return out
}
