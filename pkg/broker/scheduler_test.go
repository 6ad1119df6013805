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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/internal/fsm"
	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/memory"
)

// These specs drive cycles by hand on a broker that was never started, so
// the batch boundaries are exact.
var _ = Describe("Scheduler cycle", func() {
	var (
		b   *Broker
		ctx context.Context
	)

	a := rdf.URI("http://example.org/A")
	typ := rdf.URI(rdf.RDFType)
	bNode := rdf.URI("http://example.org/B")
	pattern := query.Template(rdf.NewTriple(a, typ, rdf.Any()))

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		b, err = New(config.Default(), memory.NewInMemoryStore(), nil, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(b.Close)
	})

	insertOp := func(txID int) *Operation {
		return NewMutation(KindInsert, "kp", txID, Mutation{Insert: []rdf.Triple{rdf.NewTriple(a, typ, bNode)}})
	}

	It("lets a query see mutations drained in the same cycle", func() {
		early := NewQuery("kp", 1, pattern)
		b.SubmitQuery(early)
		b.state.cycle(ctx)

		b.SubmitQuery(NewQuery("kp", 2, pattern))
		late := NewQuery("kp", 3, pattern)
		b.SubmitQuery(late)
		b.SubmitMutation(insertOp(4))
		b.state.cycle(ctx)

		Expect(early.Response().Status).To(Equal(StatusOK))
		Expect(early.Response().Result.Triples).To(BeEmpty())
		Expect(late.Response().Result.Triples).To(ConsistOf(rdf.NewTriple(a, typ, bNode)))
	})

	It("stores one triple for identical inserts in one batch", func() {
		first, second := insertOp(1), insertOp(2)
		b.SubmitMutation(first)
		b.SubmitMutation(second)

		q := NewQuery("kp", 3, pattern)
		b.SubmitQuery(q)
		b.state.cycle(ctx)

		Expect(first.Response().Status).To(Equal(StatusOK))
		Expect(second.Response().Status).To(Equal(StatusOK))
		Expect(q.Response().Triples).To(HaveLen(1))
	})

	It("completes every drained operation exactly once", func() {
		ops := []*Operation{insertOp(1), NewQuery("kp", 2, pattern), NewQuery("kp", 3, query.SPARQL("ASK {}"))}
		for _, op := range ops {
			b.state.submit(op, false)
		}

		Expect(b.state.Mutations.Len()).To(Equal(1))
		Expect(b.state.Queries.Len()).To(Equal(2))

		b.state.cycle(ctx)

		for _, op := range ops {
			Expect(op.Done()).To(BeClosed())
		}

		Expect(ops[2].Response().Status).To(Equal(StatusNotImplemented))
		Expect(b.state.Mutations.Len()).To(BeZero())
		Expect(b.state.Queries.Len()).To(BeZero())
	})

	Describe("subscription status", func() {
		var sub *Subscription

		BeforeEach(func() {
			var err error
			sub, err = b.state.Registry.register("kp", 1, pattern, b.log)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { b.state.Registry.teardown(sub) })
		})

		It("marks subscriptions pending after a mutation batch", func() {
			b.SubmitMutation(insertOp(2))
			b.state.cycle(ctx)

			Expect(sub.fsm.GetCurrentFSMState()).To(Equal(fsm.SubscriptionStatePending))
		})

		It("leaves subscriptions alone after a query-only batch", func() {
			b.SubmitQuery(NewQuery("kp", 2, pattern))
			b.state.cycle(ctx)

			Expect(sub.fsm.GetCurrentFSMState()).To(Equal(fsm.SubscriptionStateOngoing))
		})

		It("marks a subscription ongoing after its continuation ran", func() {
			b.SubmitMutation(insertOp(2))
			b.state.submit(newContinuation(sub, false), false)
			b.state.cycle(ctx)

			Expect(sub.fsm.GetCurrentFSMState()).To(Equal(fsm.SubscriptionStateOngoing))
		})

		It("resubmits an ongoing continuation without waking the scheduler", func() {
			Expect(b.state.Wake.PendingSince()).To(BeZero())

			b.workers.Add(1)

			go b.runWorker(sub)

			Eventually(b.state.Queries.Len).Should(Equal(1))
			Consistently(b.state.Wake.PendingSince, "50ms").Should(BeZero())

			_, err := b.state.Registry.stop(sub.id)
			Expect(err).NotTo(HaveOccurred())

			b.state.cycle(ctx)
			Eventually(sub.ack).Should(BeClosed())
		})

		It("never leaves STOPPED", func() {
			_, err := b.state.Registry.stop(sub.id)
			Expect(err).NotTo(HaveOccurred())

			b.SubmitMutation(insertOp(2))
			b.state.submit(newContinuation(sub, false), false)
			b.state.cycle(ctx)

			Expect(sub.fsm.GetCurrentFSMState()).To(Equal(fsm.SubscriptionStateStopped))

			b.state.Registry.teardown(sub)
			Expect(sub.ack).To(BeClosed())
			Expect(b.state.Registry.Len()).To(BeZero())
		})
	})
})

var _ = Describe("WakeSignal", func() {
	It("collapses signals into one wake", func() {
		w := NewWakeSignal()
		w.Signal()
		w.Signal()
		w.Signal()

		Expect(w.PendingSince()).NotTo(BeZero())
		Eventually(w.C()).Should(Receive())
		w.consumed()
		Consistently(w.C(), "20ms").ShouldNot(Receive())
		Expect(w.PendingSince()).To(BeZero())
	})
})

var _ = Describe("Subscription", func() {
	It("skips 0 when the sequence number wraps", func() {
		sub := newSubscription("kp_1", "kp", 1, query.Template(), zap.NewNop().Sugar())

		var seqs []int
		for range 5 {
			seqs = append(seqs, sub.nextSeq(3))
		}

		Expect(seqs).To(Equal([]int{1, 2, 1, 2, 1}))
	})
})
