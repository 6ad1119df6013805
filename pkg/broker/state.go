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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// SchedulerState is shared by the scheduler loop, both executors and every
// subscription worker of one broker.
type SchedulerState struct {
	Store      store.Store
	Plugin     query.Plugin
	Mutations  *Queue
	Queries    *Queue
	Wake       *WakeSignal
	Registry   *Registry
	StoreLock  *ctxmutex.CtxMutex
	Namespaces *rdf.Namespaces
	Protection *ProtectionPolicy
	Sink       Sink
	log        *zap.SugaredLogger
	// onCycle is called after every completed cycle.
	onCycle func(time.Time)
	// WrapNum is the sequence number modulus of indications.
	WrapNum int
	closeMu sync.RWMutex
	closed  bool
}

// submit queues op unless the broker is closed, in which case op fails
// immediately.
func (s *SchedulerState) submit(op *Operation, wake bool) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		op.fail(StatusOperationFailed, ErrClosed)

		return
	}

	op.submitted = time.Now()

	if op.Kind.IsMutation() {
		s.Mutations.Push(op)
	} else {
		s.Queries.Push(op)
	}

	if wake {
		s.Wake.Signal()
	}
}

// close rejects all further submissions.
func (s *SchedulerState) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	s.closed = true
}

// failQueued completes everything still queued with ErrClosed.
func (s *SchedulerState) failQueued() int {
	n := 0

	for _, op := range append(s.Mutations.PopAll(), s.Queries.PopAll()...) {
		op.fail(StatusOperationFailed, ErrClosed)
		n++
	}

	return n
}

// read runs fn in a transaction that is always rolled back. The caller
// must hold StoreLock.
func (s *SchedulerState) read(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}

	err = fn(tx)
	if rbErr := tx.Rollback(); rbErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to roll back read transaction: %w", rbErr))
	}

	return err
}

// locked runs fn while holding StoreLock.
func (s *SchedulerState) locked(ctx context.Context, fn func() error) error {
	if err := s.StoreLock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	defer s.StoreLock.Unlock()

	return fn()
}

// finish records op's outcome and releases its waiter.
func (s *SchedulerState) finish(op *Operation, resp Response, component string) {
	metrics.RecordOperation(op.Kind.String(), resp.Status.String(), time.Since(op.submitted))

	if resp.Status == StatusOperationFailed && isUnexpected(resp.Err) {
		metrics.IncErrorCount(component, op.Owner)
		sentry.ReportOperationError(s.log, component, op.Kind.String(), resp.Err)
	} else if resp.Status != StatusOK {
		s.log.Debugf("Operation %s of %s (tx %d) finished with %s: %v", op.Kind, op.Owner, op.TxID, resp.Status, resp.Err)
	}

	op.complete(resp)
}

// isUnexpected separates store faults from bad requests.
func isUnexpected(err error) bool {
	return err != nil &&
		!errors.Is(err, query.ErrInvalidPattern) &&
		!errors.Is(err, ErrClosed)
}

// rollback aborts tx and combines any rollback failure with cause.
func rollback(tx store.Tx, cause error) error {
	if err := tx.Rollback(); err != nil {
		return multierr.Append(cause, fmt.Errorf("failed to roll back transaction: %w", err))
	}

	return cause
}

// resolveNode maps n to its store id. Wildcards map to store.Wildcard.
// known is false for nodes the store has never seen, including blank
// nodes, which can never match.
func resolveNode(ctx context.Context, r store.Reader, n rdf.Node) (id store.NodeID, known bool, err error) {
	if n.IsWildcard() {
		return store.Wildcard, true, nil
	}

	if n.Kind == rdf.KindBNode {
		return 0, false, nil
	}

	id, err = r.Lookup(ctx, n)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve %s: %w", n, err)
	}

	return id, true, nil
}

// resolvePattern resolves all three components. known is false if any
// concrete component is unknown, in which case nothing can match.
func resolvePattern(ctx context.Context, r store.Reader, t rdf.Triple) (store.IDTriple, bool, error) {
	var (
		out   store.IDTriple
		known bool
		err   error
	)

	if out.S, known, err = resolveNode(ctx, r, t.Subject); err != nil || !known {
		return out, false, err
	}

	if out.P, known, err = resolveNode(ctx, r, t.Predicate); err != nil || !known {
		return out, false, err
	}

	if out.O, known, err = resolveNode(ctx, r, t.Object); err != nil || !known {
		return out, false, err
	}

	return out, true, nil
}

// projectTriples renders id triples externally.
func projectTriples(ctx context.Context, r store.Reader, ids []store.IDTriple) ([]rdf.Triple, error) {
	out := make([]rdf.Triple, 0, len(ids))

	for _, t := range ids {
		s, err := r.Info(ctx, t.S)
		if err != nil {
			return nil, fmt.Errorf("failed to project subject %d: %w", t.S, err)
		}

		p, err := r.Info(ctx, t.P)
		if err != nil {
			return nil, fmt.Errorf("failed to project predicate %d: %w", t.P, err)
		}

		o, err := r.Info(ctx, t.O)
		if err != nil {
			return nil, fmt.Errorf("failed to project object %d: %w", t.O, err)
		}

		out = append(out, rdf.NewTriple(s, p, o))
	}

	return out, nil
}

func projectNodes(ctx context.Context, r store.Reader, ids []store.NodeID) ([]rdf.Node, error) {
	out := make([]rdf.Node, 0, len(ids))

	for _, id := range ids {
		n, err := r.Info(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to project node %d: %w", id, err)
		}

		out = append(out, n)
	}

	return out, nil
}
