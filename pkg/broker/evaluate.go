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

package broker

import (
	"context"
	"fmt"

	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// executeQuery evaluates a query or continuation under the store lock and
// completes op. A successful continuation marks its subscription ONGOING
// before the worker is released.
func (s *SchedulerState) executeQuery(ctx context.Context, op *Operation) {
	resp := s.evaluateOperation(ctx, op)

	if op.Kind == KindSubscribeContinuation && resp.Status == StatusOK && op.sub != nil {
		s.Registry.markOngoing(op.sub)
	}

	s.finish(op, resp, metrics.ComponentQueryExecutor)
}

func (s *SchedulerState) evaluateOperation(ctx context.Context, op *Operation) Response {
	q := op.Query

	if q.Kind == query.KindSPARQL {
		return Response{Status: StatusNotImplemented, Err: fmt.Errorf("sparql queries: %w", query.ErrNotImplemented)}
	}

	if err := q.Validate(); err != nil {
		return Response{Status: StatusOperationFailed, Err: err}
	}

	var resp Response

	err := s.locked(ctx, func() error {
		return s.read(ctx, func(tx store.Tx) error {
			var err error

			resp, err = s.evaluate(ctx, tx, q)
			if err != nil || !op.project {
				return err
			}

			resp.Result, err = project(ctx, tx, q.Shape(), resp)

			return err
		})
	})
	if err != nil {
		return Response{Status: StatusOf(err), Err: err}
	}

	resp.Status = StatusOK

	return resp
}

func (s *SchedulerState) evaluate(ctx context.Context, r store.Reader, q query.Query) (Response, error) {
	if q.Kind == query.KindTemplate {
		triples, err := s.template(ctx, r, q.Patterns)

		return Response{Triples: triples}, err
	}

	if s.Plugin == nil {
		return Response{}, fmt.Errorf("%s queries: %w", q.Kind, query.ErrNotImplemented)
	}

	switch q.Kind {
	case query.KindValues:
		start, ok, err := s.resolveConcrete(ctx, r, "start", q.Start)
		if err != nil || !ok {
			return Response{}, err
		}

		nodes, err := s.Plugin.Values(ctx, r, start, q.Path)

		return Response{Nodes: nodes}, err
	case query.KindNodeTypes:
		node, ok, err := s.resolveConcrete(ctx, r, "node", q.Node)
		if err != nil || !ok {
			return Response{}, err
		}

		nodes, err := s.Plugin.NodeTypes(ctx, r, node)

		return Response{Nodes: nodes}, err
	case query.KindRelated:
		start, ok, err := s.resolveConcrete(ctx, r, "start", q.Start)
		if err != nil || !ok {
			return Response{}, err
		}

		end, ok, err := s.resolveConcrete(ctx, r, "end", q.End)
		if err != nil || !ok {
			return Response{}, err
		}

		related, err := s.Plugin.Related(ctx, r, start, q.Path, end)

		return Response{Bool: related}, err
	case query.KindIsType, query.KindIsSubtype:
		node, ok, err := s.resolveConcrete(ctx, r, "node", q.Node)
		if err != nil || !ok {
			return Response{}, err
		}

		typ, ok, err := s.resolveConcrete(ctx, r, "type", q.Type)
		if err != nil || !ok {
			return Response{}, err
		}

		var result bool
		if q.Kind == query.KindIsType {
			result, err = s.Plugin.IsType(ctx, r, node, typ)
		} else {
			result, err = s.Plugin.IsSubtype(ctx, r, node, typ)
		}

		return Response{Bool: result}, err
	default:
		return Response{}, fmt.Errorf("%w: unknown query kind %q", query.ErrInvalidPattern, q.Kind)
	}
}

// template returns the union of all pattern matches without duplicates.
func (s *SchedulerState) template(ctx context.Context, r store.Reader, patterns []rdf.Triple) ([]store.IDTriple, error) {
	seen := make(map[string]struct{})

	var out []store.IDTriple

	for _, p := range patterns {
		p = s.Namespaces.ExpandTriple(p)

		pattern, known, err := resolvePattern(ctx, r, p)
		if err != nil {
			return nil, err
		}

		if !known {
			continue
		}

		matches, err := r.Match(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to match %s: %w", p, err)
		}

		for _, m := range matches {
			key := m.Key()
			if _, ok := seen[key]; ok {
				continue
			}

			seen[key] = struct{}{}
			out = append(out, m)
		}
	}

	return out, nil
}

// resolveConcrete resolves a node that must not be a wildcard. ok is false
// for unknown nodes, which make the query result empty.
func (s *SchedulerState) resolveConcrete(ctx context.Context, r store.Reader, name string, n rdf.Node) (store.NodeID, bool, error) {
	n = s.Namespaces.ExpandNode(n)
	if n.IsWildcard() {
		return 0, false, fmt.Errorf("%w: %s must not be a wildcard", query.ErrInvalidPattern, name)
	}

	return resolveNode(ctx, r, n)
}

func project(ctx context.Context, r store.Reader, shape query.Shape, resp Response) (*Result, error) {
	result := &Result{Shape: shape, Bool: resp.Bool}

	var err error

	switch shape {
	case query.ShapeTriples:
		result.Triples, err = projectTriples(ctx, r, resp.Triples)
	case query.ShapeNodes:
		result.Nodes, err = projectNodes(ctx, r, resp.Nodes)
	case query.ShapeBool:
	}

	if err != nil {
		return nil, err
	}

	return result, nil
}
