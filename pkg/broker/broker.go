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

// Package broker serializes the operations of many KPs onto one triple
// store and keeps their subscriptions up to date.
//
// Handlers submit an Operation and block until it completes. A single
// scheduler goroutine drains the mutation and query queues each cycle and
// runs all mutations before any query. Each subscription has a worker
// goroutine that keeps re-evaluating its query and emits the difference to
// the previous result as an Indication.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/constants"
	"github.com/united-manufacturing-hub/smartspace/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// Broker is the public face of one smart space.
type Broker struct {
	state         *SchedulerState
	membership    *Membership
	log           *zap.SugaredLogger
	cancel        context.CancelFunc
	schedulerDone chan struct{}
	name          string
	workers       sync.WaitGroup
	startOnce     sync.Once
	closeOnce     sync.Once
}

// SubscribeResult is returned once the baseline has been evaluated.
type SubscribeResult struct {
	ID       string `json:"subscriptionId"`
	Baseline Result `json:"baseline"`
}

// New creates a broker over st. plugin may be nil, in which case only
// template queries are evaluated. sink may be nil to drop indications.
func New(cfg config.FullConfig, st store.Store, plugin query.Plugin, sink Sink) (*Broker, error) {
	log := logger.For(logger.ComponentCore)

	wrap := cfg.Space.IndicationWrapNum
	if wrap == 0 {
		wrap = constants.DefaultIndicationWrapNum
	}

	if wrap < 2 {
		return nil, fmt.Errorf("indication wrap number must be at least 2, got %d", wrap)
	}

	if sink == nil {
		sink = discardSink{}
	}

	membership, err := NewMembership(cfg.Space.SupportedProtocols, cfg.Space.RequireJoin, logger.For(logger.ComponentMembership))
	if err != nil {
		return nil, err
	}

	ns := rdf.NewNamespaces(cfg.Space.Namespaces)

	b := &Broker{
		state: &SchedulerState{
			Store:      st,
			Plugin:     plugin,
			Mutations:  NewQueue(),
			Queries:    NewQueue(),
			Wake:       NewWakeSignal(),
			Registry:   NewRegistry(logger.For(logger.ComponentRegistry)),
			StoreLock:  ctxmutex.NewCtxMutex(),
			Namespaces: ns,
			Protection: NewProtectionPolicy(cfg.Protection.Rules, ns, logger.For(logger.ComponentProtection)),
			Sink:       sink,
			WrapNum:    wrap,
			log:        logger.For(logger.ComponentScheduler),
		},
		membership:    membership,
		log:           log,
		name:          cfg.Space.Name,
		schedulerDone: make(chan struct{}),
	}

	if err := b.bootstrap(context.Background()); err != nil {
		return nil, err
	}

	for _, component := range []string{metrics.ComponentScheduler, metrics.ComponentMutationExecutor, metrics.ComponentQueryExecutor, metrics.ComponentSubscription} {
		metrics.InitErrorCounter(component, b.name)
	}

	return b, nil
}

// bootstrap interns the reasoner vocabulary so that it always resolves.
func (b *Broker) bootstrap(ctx context.Context) error {
	tx, err := b.state.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin bootstrap transaction: %w", err)
	}

	for _, n := range query.Vocabulary {
		if _, err := tx.Intern(ctx, n); err != nil {
			return rollback(tx, fmt.Errorf("failed to intern %s: %w", n, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bootstrap transaction: %w", err)
	}

	return nil
}

// OnCycle registers fn to be called after every scheduler cycle. It must
// be called before Start.
func (b *Broker) OnCycle(fn func(time.Time)) {
	b.state.onCycle = fn
}

// Start launches the scheduler. Later calls do nothing.
func (b *Broker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)

		go func() {
			defer close(b.schedulerDone)
			b.state.runScheduler(ctx)
		}()

		metrics.RegisterDebugProvider("space_"+b.name, b)
		b.log.Infof("Smart space %q started", b.name)
	})
}

// Close stops every subscription, waits for the workers to tear down,
// stops the scheduler and fails whatever is still queued.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		subs := b.state.Registry.closeAll()
		b.state.Wake.Signal()

		b.startOnce.Do(func() { close(b.schedulerDone) })

		for _, sub := range subs {
			<-sub.ack
		}

		b.workers.Wait()
		b.state.close()

		if b.cancel != nil {
			b.cancel()
		}

		<-b.schedulerDone

		if n := b.state.failQueued(); n > 0 {
			b.log.Infof("Failed %d queued operations on close", n)
		}

		metrics.UnregisterDebugProvider("space_" + b.name)
		b.log.Infof("Smart space %q closed", b.name)
	})

	return nil
}

// SubmitMutation queues an insert, remove or update and wakes the scheduler.
func (b *Broker) SubmitMutation(op *Operation) {
	b.state.submit(op, true)
}

// SubmitQuery queues a query and wakes the scheduler.
func (b *Broker) SubmitQuery(op *Operation) {
	b.state.submit(op, true)
}

// Await blocks until op completes. There is no timeout.
func (b *Broker) Await(op *Operation) Response {
	return op.await()
}

func (b *Broker) mutate(kind Kind, owner string, txID int, m Mutation) (Response, error) {
	if err := b.membership.Check(owner); err != nil {
		return Response{Status: StatusKPErrorRequest, Err: err}, newOperationError(StatusKPErrorRequest, err)
	}

	op := NewMutation(kind, owner, txID, m)
	b.SubmitMutation(op)
	resp := b.Await(op)

	return resp, resp.Error()
}

// Insert adds triples. Blank nodes are minted and returned in BNodes.
func (b *Broker) Insert(owner string, txID int, triples []rdf.Triple) (Response, error) {
	return b.mutate(KindInsert, owner, txID, Mutation{Insert: triples})
}

// Remove deletes every triple matching one of triples. Wildcards match any
// node.
func (b *Broker) Remove(owner string, txID int, triples []rdf.Triple) (Response, error) {
	return b.mutate(KindRemove, owner, txID, Mutation{Remove: triples})
}

// Update removes and then inserts. The two phases commit separately.
func (b *Broker) Update(owner string, txID int, insert, remove []rdf.Triple) (Response, error) {
	return b.mutate(KindUpdate, owner, txID, Mutation{Insert: insert, Remove: remove})
}

// Query evaluates q and returns its result in external form.
func (b *Broker) Query(owner string, txID int, q query.Query) (Result, error) {
	if err := b.membership.Check(owner); err != nil {
		return Result{}, newOperationError(StatusKPErrorRequest, err)
	}

	op := NewQuery(owner, txID, q)
	b.SubmitQuery(op)

	resp := b.Await(op)
	if err := resp.Error(); err != nil {
		return Result{}, err
	}

	return *resp.Result, nil
}

// Subscribe registers q and returns its full current result. Later
// changes are delivered to the sink.
func (b *Broker) Subscribe(owner string, txID int, q query.Query) (SubscribeResult, error) {
	if err := b.membership.Check(owner); err != nil {
		return SubscribeResult{}, newOperationError(StatusKPErrorRequest, err)
	}

	sub, err := b.state.Registry.register(owner, txID, q, logger.For(logger.ComponentSubscription))
	if err != nil {
		return SubscribeResult{}, newOperationError(StatusOperationFailed, err)
	}

	op := newContinuation(sub, true)
	b.state.submit(op, true)

	resp := op.await()
	if err := resp.Error(); err != nil {
		b.state.Registry.teardown(sub)

		return SubscribeResult{}, err
	}

	sub.seed(resp)
	b.membership.addSubscription(owner, sub.id)

	b.workers.Add(1)

	go b.runWorker(sub)

	sub.log.Infof("Subscribed %s query of %s", q.Kind, owner)

	return SubscribeResult{ID: sub.id, Baseline: *resp.Result}, nil
}

// Unsubscribe stops the subscription and returns once its worker has
// removed it from the registry.
func (b *Broker) Unsubscribe(id string) error {
	sub, err := b.state.Registry.stop(id)
	if err != nil {
		return newOperationError(StatusNotFound, err)
	}

	b.state.Wake.Signal()
	<-sub.ack

	b.membership.removeSubscription(sub.owner, id)
	sub.log.Info("Unsubscribed")

	return nil
}

// Join admits kp, checking its protocol version.
func (b *Broker) Join(kp, protocol string) error {
	if err := b.membership.Join(kp, protocol); err != nil {
		return newOperationError(StatusOf(err), err)
	}

	return nil
}

// Leave removes kp and stops its subscriptions.
func (b *Broker) Leave(kp string) error {
	ids, err := b.membership.Leave(kp)
	if err != nil {
		return newOperationError(StatusKPErrorRequest, err)
	}

	for _, id := range ids {
		if err := b.Unsubscribe(id); err != nil && !errors.Is(err, ErrUnknownSubscription) {
			return err
		}
	}

	return nil
}

// Subscriptions lists the live subscriptions.
func (b *Broker) Subscriptions() []SubscriptionInfo {
	return b.state.Registry.Infos()
}

// Members lists the joined KPs.
func (b *Broker) Members() []MemberInfo {
	return b.membership.Members()
}

// Namespaces returns the prefixes the broker expands.
func (b *Broker) Namespaces() *rdf.Namespaces {
	return b.state.Namespaces
}

// ReadStore runs fn against a read-only view of the store while holding
// the store lock. Waiting for the lock gives up when ctx is done.
func (b *Broker) ReadStore(ctx context.Context, fn func(r store.Reader) error) error {
	return b.state.locked(ctx, func() error {
		return b.state.read(ctx, func(tx store.Tx) error {
			return fn(tx)
		})
	})
}

// Stats counts the store contents if the backend supports it.
func (b *Broker) Stats(ctx context.Context) (store.Stats, error) {
	reporter, ok := b.state.Store.(store.StatsReporter)
	if !ok {
		return store.Stats{}, store.ErrStatsUnsupported
	}

	var stats store.Stats

	err := b.state.locked(ctx, func() error {
		var err error

		stats, err = reporter.Stats(ctx)

		return err
	})

	return stats, err
}

// PendingSince reports since when a wake has gone unanswered, or the zero
// time if the scheduler is idle.
func (b *Broker) PendingSince() time.Time {
	return b.state.Wake.PendingSince()
}

// Parked counts queued queries, mostly continuations waiting for the next
// cycle.
func (b *Broker) Parked() int {
	return b.state.Queries.Len()
}

// GetDebugInfo implements metrics.DebugProvider.
func (b *Broker) GetDebugInfo() interface{} {
	return map[string]interface{}{
		"name":             b.name,
		"subscriptions":    b.Subscriptions(),
		"members":          b.Members(),
		"queuedMutations":  b.state.Mutations.Len(),
		"queuedQueries":    b.state.Queries.Len(),
		"pendingWakeSince": b.PendingSince(),
	}
}
