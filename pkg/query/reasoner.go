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


package query

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

const parsedPathCacheSize = 256

// Vocabulary lists the nodes the reasoner relies on. They are interned
// when the broker starts so that they always resolve.
var Vocabulary = []rdf.Node{
	rdf.URI(rdf.RDFType),
	rdf.URI(rdf.RDFSSubClassOf),
	rdf.URI(rdf.RDFSSubPropertyOf),
	rdf.URI(rdf.RDFSResource),
	rdf.URI(rdf.RDFSDomain),
	rdf.URI(rdf.RDFSRange),
}

// vocab holds the resolved ids of Vocabulary; zero means unknown.
type vocab struct {
	typ, subClassOf, subPropertyOf, resource, domain, rang store.NodeID
}

// Reasoner evaluates path queries with RDFS entailment:
//   - rdf:type follows rdfs:subClassOf transitively and honors
//     rdfs:domain and rdfs:range, and everything is an rdfs:Resource,
//   - rdfs:subClassOf and rdfs:subPropertyOf are reflexive and transitive,
//   - any other predicate also matches its sub-properties.
//
// Sub-expressions wrapped in 'norewrite' are evaluated literally.
type Reasoner struct {
	ns    *rdf.Namespaces
	log   *zap.SugaredLogger
	paths *lru.Cache[string, *Expr]
}

var _ Plugin = (*Reasoner)(nil)

func NewReasoner(ns *rdf.Namespaces, log *zap.SugaredLogger) *Reasoner {
	paths, err := lru.New[string, *Expr](parsedPathCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}

	return &Reasoner{ns: ns, log: log, paths: paths}
}

func (r *Reasoner) parse(path string) (*Expr, error) {
	if e, ok := r.paths.Get(path); ok {
		return e, nil
	}

	e, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	r.paths.Add(path, e)

	return e, nil
}

func (r *Reasoner) vocab(ctx context.Context, rd store.Reader) (vocab, error) {
	ids := make([]store.NodeID, len(Vocabulary))

	for i, n := range Vocabulary {
		id, err := rd.Lookup(ctx, n)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return vocab{}, fmt.Errorf("failed to resolve %s: %w", n.Value, err)
		}

		ids[i] = id
	}

	return vocab{
		typ:           ids[0],
		subClassOf:    ids[1],
		subPropertyOf: ids[2],
		resource:      ids[3],
		domain:        ids[4],
		rang:          ids[5],
	}, nil
}

// prepare parses, resolves and rewrites path.
func (r *Reasoner) prepare(ctx context.Context, rd store.Reader, path string) (*step, error) {
	e, err := r.parse(path)
	if err != nil {
		return nil, err
	}

	compiled, err := compile(ctx, rd, r.ns, e)
	if err != nil {
		return nil, err
	}

	v, err := r.vocab(ctx, rd)
	if err != nil {
		return nil, err
	}

	return r.rewrite(ctx, rd, v, compiled)
}

func (r *Reasoner) rewrite(ctx context.Context, rd store.Reader, v vocab, s *step) (*step, error) {
	switch s.op {
	case OpNoRewrite, OpValue, OpSelf, OpAny, OpPredicatesOfSubject, OpPredicatesOfObject:
		return s, nil
	case OpPredicate:
		return r.rewritePredicate(ctx, rd, v, s)
	}

	out := &step{op: s.op, args: make([]*step, 0, len(s.args))}

	for _, arg := range s.args {
		rewritten, err := r.rewrite(ctx, rd, v, arg)
		if err != nil {
			return nil, err
		}

		out.args = append(out.args, rewritten)
	}

	return out, nil
}

func (r *Reasoner) rewritePredicate(ctx context.Context, rd store.Reader, v vocab, s *step) (*step, error) {
	if !s.known {
		return s, nil
	}

	switch s.id {
	case v.typ:
		superclasses := compound(OpRepStar, predicate(v.subClassOf))

		return compound(OpOr,
			compound(OpSeq, predicate(v.typ), superclasses),
			compound(OpSeq, &step{op: OpPredicatesOfObject}, predicate(v.rang), superclasses),
			compound(OpSeq, &step{op: OpPredicatesOfSubject}, predicate(v.domain), superclasses),
			value(v.resource),
		), nil
	case v.subClassOf:
		return compound(OpOr, compound(OpRepStar, s), value(v.resource)), nil
	case v.subPropertyOf:
		return compound(OpRepStar, s), nil
	}

	if v.subPropertyOf == store.Wildcard {
		return s, nil
	}

	ev := &evaluator{r: rd}

	subs, err := ev.closure(ctx, predicate(v.subPropertyOf), true, newNodeSet(s.id))
	if err != nil {
		return nil, err
	}

	if subs.len() == 1 {
		return s, nil
	}

	alternatives := make([]*step, 0, subs.len())
	for _, id := range subs.order {
		alternatives = append(alternatives, predicate(id))
	}

	return compound(OpOr, alternatives...), nil
}

func (r *Reasoner) values(ctx context.Context, rd store.Reader, start store.NodeID, s *step) (*nodeSet, error) {
	ev := &evaluator{r: rd}

	return ev.eval(ctx, s, false, newNodeSet(start))
}

func (r *Reasoner) Values(ctx context.Context, rd store.Reader, start store.NodeID, path string) ([]store.NodeID, error) {
	s, err := r.prepare(ctx, rd, path)
	if err != nil {
		return nil, err
	}

	result, err := r.values(ctx, rd, start, s)
	if err != nil {
		return nil, err
	}

	return result.order, nil
}

func (r *Reasoner) Related(ctx context.Context, rd store.Reader, start store.NodeID, path string, end store.NodeID) (bool, error) {
	s, err := r.prepare(ctx, rd, path)
	if err != nil {
		return false, err
	}

	result, err := r.values(ctx, rd, start, s)
	if err != nil {
		return false, err
	}

	return result.has(end), nil
}

func (r *Reasoner) IsType(ctx context.Context, rd store.Reader, node, typ store.NodeID) (bool, error) {
	return r.relatedBy(ctx, rd, node, typ, func(v vocab) store.NodeID { return v.typ })
}

func (r *Reasoner) IsSubtype(ctx context.Context, rd store.Reader, sub, super store.NodeID) (bool, error) {
	return r.relatedBy(ctx, rd, sub, super, func(v vocab) store.NodeID { return v.subClassOf })
}

func (r *Reasoner) relatedBy(ctx context.Context, rd store.Reader, start, end store.NodeID, pick func(vocab) store.NodeID) (bool, error) {
	v, err := r.vocab(ctx, rd)
	if err != nil {
		return false, err
	}

	s, err := r.rewrite(ctx, rd, v, predicate(pick(v)))
	if err != nil {
		return false, err
	}

	result, err := r.values(ctx, rd, start, s)
	if err != nil {
		return false, err
	}

	return result.has(end), nil
}

// NodeTypes returns the asserted types of node ordered most specific
// first: a type comes before every type it is a direct subclass of.
// Unrelated types keep assertion order. Subclass cycles are broken at the
// last remaining type.
func (r *Reasoner) NodeTypes(ctx context.Context, rd store.Reader, node store.NodeID) ([]store.NodeID, error) {
	v, err := r.vocab(ctx, rd)
	if err != nil {
		return nil, err
	}

	if v.typ == store.Wildcard {
		return nil, nil
	}

	ev := &evaluator{r: rd}

	types, err := ev.eval(ctx, predicate(v.typ), false, newNodeSet(node))
	if err != nil {
		return nil, err
	}

	if types.len() < 2 || v.subClassOf == store.Wildcard {
		return types.order, nil
	}

	// supers[t] holds the direct superclasses of t among types.
	supers := make(map[store.NodeID]map[store.NodeID]struct{}, types.len())

	for _, t := range types.order {
		direct, err := rd.Match(ctx, store.IDTriple{S: t, P: v.subClassOf})
		if err != nil {
			return nil, fmt.Errorf("failed to read superclasses of %d: %w", t, err)
		}

		supers[t] = make(map[store.NodeID]struct{})

		for _, m := range direct {
			if m.O != t && types.has(m.O) {
				supers[t][m.O] = struct{}{}
			}
		}
	}

	remaining := append([]store.NodeID(nil), types.order...)
	general := make([]store.NodeID, 0, len(remaining))

	for len(remaining) > 0 {
		pick := len(remaining) - 1

		for i := len(remaining) - 1; i >= 0; i-- {
			if len(supers[remaining[i]]) == 0 {
				pick = i

				break
			}
		}

		chosen := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		general = append(general, chosen)

		for _, t := range remaining {
			delete(supers[t], chosen)
		}
	}

	sorted := make([]store.NodeID, len(general))
	for i, t := range general {
		sorted[len(general)-1-i] = t
	}

	if r.log != nil {
		r.log.Debugf("Types of node %d: %v", node, sorted)
	}

	return sorted, nil
}
