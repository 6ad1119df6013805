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

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// nodeSet is an insertion-ordered set of node ids.
type nodeSet struct {
	order []store.NodeID
	seen  map[store.NodeID]struct{}
}

func newNodeSet(ids ...store.NodeID) *nodeSet {
	s := &nodeSet{seen: make(map[store.NodeID]struct{}, len(ids))}
	for _, id := range ids {
		s.add(id)
	}

	return s
}

func (s *nodeSet) add(id store.NodeID) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}

	s.seen[id] = struct{}{}
	s.order = append(s.order, id)

	return true
}

func (s *nodeSet) has(id store.NodeID) bool {
	_, ok := s.seen[id]

	return ok
}

func (s *nodeSet) len() int {
	return len(s.order)
}

// step is a path expression with its node names resolved to ids. Names
// unknown to the store keep known=false and match nothing.
type step struct {
	op    Op
	id    store.NodeID
	known bool
	args  []*step
}

func predicate(id store.NodeID) *step {
	return &step{op: OpPredicate, id: id, known: id != store.Wildcard}
}

func value(id store.NodeID) *step {
	return &step{op: OpValue, id: id, known: id != store.Wildcard}
}

func compound(op Op, args ...*step) *step {
	return &step{op: op, args: args}
}

func compile(ctx context.Context, r store.Reader, ns *rdf.Namespaces, e *Expr) (*step, error) {
	switch e.Op {
	case OpPredicate, OpValue:
		id, err := r.Lookup(ctx, rdf.URI(ns.Expand(e.Name)))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve %q: %w", e.Name, err)
		}

		return &step{op: e.Op, id: id, known: err == nil}, nil
	}

	s := &step{op: e.Op, args: make([]*step, 0, len(e.Args))}

	for _, a := range e.Args {
		c, err := compile(ctx, r, ns, a)
		if err != nil {
			return nil, err
		}

		s.args = append(s.args, c)
	}

	return s, nil
}

type evaluator struct {
	r store.Reader
}

// eval returns the nodes reached from every node of from along s, or
// against s when inverse is set.
func (ev *evaluator) eval(ctx context.Context, s *step, inverse bool, from *nodeSet) (*nodeSet, error) {
	out := newNodeSet()
	if from.len() == 0 {
		return out, nil
	}

	switch s.op {
	case OpPredicate:
		if !s.known {
			return out, nil
		}

		return ev.follow(ctx, from, out, func(n store.NodeID) (store.IDTriple, func(store.IDTriple) store.NodeID) {
			if inverse {
				return store.IDTriple{P: s.id, O: n}, subjectOf
			}

			return store.IDTriple{S: n, P: s.id}, objectOf
		})
	case OpAny:
		return ev.follow(ctx, from, out, func(n store.NodeID) (store.IDTriple, func(store.IDTriple) store.NodeID) {
			if inverse {
				return store.IDTriple{O: n}, subjectOf
			}

			return store.IDTriple{S: n}, objectOf
		})
	case OpPredicatesOfSubject:
		return ev.follow(ctx, from, out, func(n store.NodeID) (store.IDTriple, func(store.IDTriple) store.NodeID) {
			if inverse {
				return store.IDTriple{P: n}, subjectOf
			}

			return store.IDTriple{S: n}, predicateOf
		})
	case OpPredicatesOfObject:
		return ev.follow(ctx, from, out, func(n store.NodeID) (store.IDTriple, func(store.IDTriple) store.NodeID) {
			if inverse {
				return store.IDTriple{P: n}, objectOf
			}

			return store.IDTriple{O: n}, predicateOf
		})
	case OpSelf:
		return from, nil
	case OpValue:
		// The inverse of a constant would be every node; it is not enumerated.
		if s.known && !inverse {
			out.add(s.id)
		}

		return out, nil
	case OpSeq:
		current := from

		for i := range s.args {
			arg := s.args[i]
			if inverse {
				arg = s.args[len(s.args)-1-i]
			}

			next, err := ev.eval(ctx, arg, inverse, current)
			if err != nil {
				return nil, err
			}

			current = next
		}

		return current, nil
	case OpOr:
		for _, arg := range s.args {
			part, err := ev.eval(ctx, arg, inverse, from)
			if err != nil {
				return nil, err
			}

			for _, id := range part.order {
				out.add(id)
			}
		}

		return out, nil
	case OpInv:
		return ev.eval(ctx, s.args[0], !inverse, from)
	case OpNoRewrite:
		return ev.eval(ctx, s.args[0], inverse, from)
	case OpRepStar:
		return ev.closure(ctx, s.args[0], inverse, from)
	case OpRepPlus:
		first, err := ev.eval(ctx, s.args[0], inverse, from)
		if err != nil {
			return nil, err
		}

		return ev.closure(ctx, s.args[0], inverse, first)
	default:
		return nil, fmt.Errorf("path operator %q: %w", s.op, ErrNotImplemented)
	}
}

// closure returns from plus everything reachable by repeating s.
func (ev *evaluator) closure(ctx context.Context, s *step, inverse bool, from *nodeSet) (*nodeSet, error) {
	result := newNodeSet(from.order...)
	frontier := from

	for frontier.len() > 0 {
		reached, err := ev.eval(ctx, s, inverse, frontier)
		if err != nil {
			return nil, err
		}

		next := newNodeSet()

		for _, id := range reached.order {
			if result.add(id) {
				next.add(id)
			}
		}

		frontier = next
	}

	return result, nil
}

func (ev *evaluator) follow(
	ctx context.Context,
	from, out *nodeSet,
	pattern func(store.NodeID) (store.IDTriple, func(store.IDTriple) store.NodeID),
) (*nodeSet, error) {
	for _, n := range from.order {
		p, pick := pattern(n)

		matches, err := ev.r.Match(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to match %v: %w", p, err)
		}

		for _, t := range matches {
			out.add(pick(t))
		}
	}

	return out, nil
}

func subjectOf(t store.IDTriple) store.NodeID   { return t.S }
func predicateOf(t store.IDTriple) store.NodeID { return t.P }
func objectOf(t store.IDTriple) store.NodeID    { return t.O }
