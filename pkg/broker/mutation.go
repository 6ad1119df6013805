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

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// executeMutation runs one insert, remove or update under the store lock
// and completes op.
func (s *SchedulerState) executeMutation(ctx context.Context, op *Operation) {
	if op.Kind == KindProtectionFault {
		s.finish(op, Response{Status: StatusProtectionFault, Err: op.fault}, metrics.ComponentMutationExecutor)

		return
	}

	var resp Response

	err := s.locked(ctx, func() error {
		resp = s.mutate(ctx, op)

		return nil
	})
	if err != nil {
		resp = Response{Status: StatusOperationFailed, Err: err}
	}

	s.finish(op, resp, metrics.ComponentMutationExecutor)
}

func (s *SchedulerState) mutate(ctx context.Context, op *Operation) Response {
	var (
		bnodes map[string]string
		err    error
	)

	switch op.Kind {
	case KindInsert:
		bnodes, err = s.insert(ctx, op.Mutation.Insert)
	case KindRemove:
		err = s.remove(ctx, op.Mutation.Remove)
	case KindUpdate:
		// Two transactions. A committed remove stays committed if the
		// insert fails.
		if err = s.remove(ctx, op.Mutation.Remove); err != nil {
			err = fmt.Errorf("update remove phase: %w", err)

			break
		}

		if bnodes, err = s.insert(ctx, op.Mutation.Insert); err != nil {
			err = fmt.Errorf("update insert phase: %w", err)
		}
	default:
		return Response{Status: StatusInvalidParameter, Err: fmt.Errorf("%s is not a mutation", op.Kind)}
	}

	if err != nil {
		return Response{Status: StatusOperationFailed, Err: err}
	}

	return Response{Status: StatusOK, BNodes: bnodes}
}

// insert adds triples in one transaction. Blank node labels are minted to
// urn:uuid URIs, once per label.
func (s *SchedulerState) insert(ctx context.Context, triples []rdf.Triple) (map[string]string, error) {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin insert transaction: %w", err)
	}

	bnodes := make(map[string]string)

	for _, t := range triples {
		t = s.Namespaces.ExpandTriple(t)

		if err := validateInsert(t); err != nil {
			return nil, rollback(tx, err)
		}

		var ids [3]store.NodeID

		for i, n := range []rdf.Node{t.Subject, t.Predicate, t.Object} {
			id, err := tx.Intern(ctx, mint(n, bnodes))
			if err != nil {
				return nil, rollback(tx, fmt.Errorf("failed to intern %s: %w", n, err))
			}

			ids[i] = id
		}

		if err := tx.Add(ctx, store.IDTriple{S: ids[0], P: ids[1], O: ids[2]}); err != nil {
			return nil, rollback(tx, fmt.Errorf("failed to add %s: %w", t, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}

	if len(bnodes) == 0 {
		return nil, nil
	}

	return bnodes, nil
}

// remove deletes every stored triple matched by triples in one transaction.
func (s *SchedulerState) remove(ctx context.Context, triples []rdf.Triple) error {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin remove transaction: %w", err)
	}

	seen := make(map[string]struct{})

	var doomed []store.IDTriple

	for _, t := range triples {
		t = s.Namespaces.ExpandTriple(t)

		if err := t.Validate(); err != nil {
			return rollback(tx, fmt.Errorf("%w: %s", query.ErrInvalidPattern, err))
		}

		pattern, known, err := resolvePattern(ctx, tx, t)
		if err != nil {
			return rollback(tx, err)
		}

		if !known {
			continue
		}

		if !pattern.IsPattern() {
			if _, ok := seen[pattern.Key()]; !ok {
				seen[pattern.Key()] = struct{}{}
				doomed = append(doomed, pattern)
			}

			continue
		}

		matches, err := tx.Match(ctx, pattern)
		if err != nil {
			return rollback(tx, fmt.Errorf("failed to match %s: %w", t, err))
		}

		for _, m := range matches {
			key := m.Key()
			if _, ok := seen[key]; ok {
				continue
			}

			seen[key] = struct{}{}
			doomed = append(doomed, m)
		}
	}

	for _, t := range doomed {
		if err := tx.Delete(ctx, t); err != nil {
			return rollback(tx, fmt.Errorf("failed to delete %s: %w", t.Key(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remove: %w", err)
	}

	return nil
}

// validateInsert rejects malformed triples and wildcards, which only make
// sense in patterns.
func validateInsert(t rdf.Triple) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %s", query.ErrInvalidPattern, err)
	}

	for _, n := range []rdf.Node{t.Subject, t.Predicate, t.Object} {
		if n.IsWildcard() {
			return fmt.Errorf("%w: wildcard %s cannot be inserted", query.ErrInvalidPattern, n.Value)
		}
	}

	if t.Predicate.Kind == rdf.KindBNode {
		return fmt.Errorf("%w: predicate %s must not be a blank node", query.ErrInvalidPattern, t.Predicate.Value)
	}

	return nil
}

func mint(n rdf.Node, bnodes map[string]string) rdf.Node {
	if n.Kind != rdf.KindBNode {
		return n
	}

	uri, ok := bnodes[n.Value]
	if !ok {
		uri = "urn:uuid:" + uuid.NewString()
		bnodes[n.Value] = uri
	}

	return rdf.URI(uri)
}
