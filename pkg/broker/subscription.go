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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/internal/fsm"
	"github.com/united-manufacturing-hub/smartspace/pkg/diff"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

const (
	continuationRetryInitial = 50 * time.Millisecond
	continuationRetryMax     = 5 * time.Second
)

// Subscription is a registered query whose result changes are pushed to
// its owner. Snapshot fields are owned by the worker goroutine.
type Subscription struct {
	createdAt time.Time
	fsm       *fsm.SubscriptionFSM
	log       *zap.SugaredLogger
	// stopped is closed together with the transition to STOPPED.
	stopped chan struct{}
	// ack is closed once the entry is removed from the registry.
	ack     chan struct{}
	triples diff.Snapshot[store.IDTriple]
	nodes   diff.Snapshot[store.NodeID]
	id      string
	owner   string
	query   query.Query

	digest      atomic.Uint64
	seq         atomic.Int64
	indications atomic.Int64

	txID     int
	shape    query.Shape
	stopOnce sync.Once
	ackOnce  sync.Once
	value    bool
}

func newSubscription(id, owner string, txID int, q query.Query, log *zap.SugaredLogger) *Subscription {
	return &Subscription{
		id:        id,
		owner:     owner,
		txID:      txID,
		query:     q,
		shape:     q.Shape(),
		fsm:       fsm.NewSubscriptionFSM(id, log),
		log:       log,
		stopped:   make(chan struct{}),
		ack:       make(chan struct{}),
		createdAt: time.Now(),
	}
}

func tripleKey(t store.IDTriple) string {
	return t.Key()
}

func nodeKey(id store.NodeID) string {
	return strconv.FormatInt(int64(id), 10)
}

// seed keeps the baseline result as the first snapshot.
func (sub *Subscription) seed(resp Response) {
	switch sub.shape {
	case query.ShapeTriples:
		sub.triples = diff.NewSnapshot(resp.Triples, tripleKey)
		sub.digest.Store(diff.Digest(sub.triples))
	case query.ShapeNodes:
		sub.nodes = diff.NewSnapshot(resp.Nodes, nodeKey)
		sub.digest.Store(diff.Digest(sub.nodes))
	case query.ShapeBool:
		sub.value = resp.Bool
	}
}

// delta is a computed change still in id form, together with the snapshot
// it leads to.
type delta struct {
	nextTriples    diff.Snapshot[store.IDTriple]
	nextNodes      diff.Snapshot[store.NodeID]
	addedTriples   []store.IDTriple
	removedTriples []store.IDTriple
	addedNodes     []store.NodeID
	removedNodes   []store.NodeID
	boolDiff       diff.BoolDiff
	value          bool
}

// compare diffs resp against the retained snapshot without keeping the new
// one. It returns nil if nothing changed.
func (sub *Subscription) compare(resp Response) *delta {
	switch sub.shape {
	case query.ShapeTriples:
		d := diff.Compute(sub.triples, resp.Triples, tripleKey)
		if d.IsEmpty() {
			return nil
		}

		return &delta{nextTriples: d.Next, addedTriples: d.Added, removedTriples: d.Removed}
	case query.ShapeNodes:
		d := diff.Compute(sub.nodes, resp.Nodes, nodeKey)
		if d.IsEmpty() {
			return nil
		}

		return &delta{nextNodes: d.Next, addedNodes: d.Added, removedNodes: d.Removed}
	case query.ShapeBool:
		d := diff.Bool(sub.value, resp.Bool)
		if !d.Changed {
			return nil
		}

		return &delta{boolDiff: d, value: resp.Bool}
	default:
		return nil
	}
}

// commit makes the snapshot d leads to the retained one.
func (sub *Subscription) commit(d *delta) {
	switch sub.shape {
	case query.ShapeTriples:
		sub.triples = d.nextTriples
		sub.digest.Store(diff.Digest(d.nextTriples))
	case query.ShapeNodes:
		sub.nodes = d.nextNodes
		sub.digest.Store(diff.Digest(d.nextNodes))
	case query.ShapeBool:
		sub.value = d.value
	}
}

// nextSeq bumps the sequence number, skipping 0 on wrap.
func (sub *Subscription) nextSeq(wrap int) int {
	seq := sub.seq.Load() + 1
	if seq == int64(wrap) {
		seq = 1
	}

	sub.seq.Store(seq)

	return int(seq)
}

// runWorker re-evaluates sub until it is stopped, emitting one indication
// per non-empty delta.
func (b *Broker) runWorker(sub *Subscription) {
	defer b.workers.Done()

	s := b.state

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = continuationRetryInitial
	retry.MaxInterval = continuationRetryMax
	retry.MaxElapsedTime = 0

	sub.log.Debug("Subscription worker started")

	for {
		stopped, pending := s.Registry.status(sub)
		if stopped {
			s.Registry.teardown(sub)
			sub.log.Debug("Subscription worker stopped")

			return
		}

		op := newContinuation(sub, false)
		s.submit(op, pending)

		// A stop that raced with the submit must still get a cycle.
		if !pending {
			if stopped, _ := s.Registry.status(sub); stopped {
				s.Wake.Signal()
			}
		}

		resp := op.await()
		if resp.Status != StatusOK {
			sub.log.Debugf("Continuation failed with %s: %v", resp.Status, resp.Err)

			select {
			case <-time.After(retry.NextBackOff()):
			case <-sub.stopped:
			}

			continue
		}

		retry.Reset()

		if stopped, _ := s.Registry.status(sub); stopped {
			continue
		}

		d := sub.compare(resp)
		if d == nil {
			continue
		}

		b.emit(sub, d)
	}
}

// emit projects d to external form and hands it to the sink. The retained
// snapshot only moves on once the projection succeeded, so a failed
// projection is retried by the next continuation.
func (b *Broker) emit(sub *Subscription, d *delta) {
	ind := Indication{SubscriptionID: sub.id, Owner: sub.owner}

	if sub.shape == query.ShapeBool {
		ind.Added = Result{Shape: query.ShapeBool, Bool: d.value, Nodes: []rdf.Node{rdf.Literal(d.boolDiff.Added)}}
		ind.Removed = Result{Shape: query.ShapeBool, Bool: !d.value, Nodes: []rdf.Node{rdf.Literal(d.boolDiff.Removed)}}
	} else {
		ctx := context.Background()

		err := b.state.locked(ctx, func() error {
			return b.state.read(ctx, func(tx store.Tx) error {
				var err error

				ind.Added, err = projectDelta(ctx, tx, sub.shape, d.addedTriples, d.addedNodes)
				if err != nil {
					return err
				}

				ind.Removed, err = projectDelta(ctx, tx, sub.shape, d.removedTriples, d.removedNodes)

				return err
			})
		})
		if err != nil {
			metrics.IncErrorCount(metrics.ComponentSubscription, sub.id)
			sentry.ReportIssuefWithContext(sentry.IssueTypeError, sub.log, map[string]interface{}{
				"component":    metrics.ComponentSubscription,
				"subscription": sub.id,
				"owner":        sub.owner,
			}, "[Subscription.emit] failed to project delta of %s: %v", sub.id, err)

			return
		}
	}

	sub.commit(d)

	ind.Seq = sub.nextSeq(b.state.WrapNum)
	sub.indications.Add(1)
	metrics.IncIndications()

	b.state.Sink.Deliver(ind)
}

func projectDelta(ctx context.Context, r store.Reader, shape query.Shape, triples []store.IDTriple, nodes []store.NodeID) (Result, error) {
	result := Result{Shape: shape}

	var err error

	if shape == query.ShapeTriples {
		result.Triples, err = projectTriples(ctx, r, triples)
	} else {
		result.Nodes, err = projectNodes(ctx, r, nodes)
	}

	return result, err
}
