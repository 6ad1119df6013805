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

package broker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/memory"
)

var _ = Describe("Broker", func() {
	var (
		b    *broker.Broker
		sink *broker.ChannelSink
	)

	BeforeEach(func() {
		b, sink = newTestBroker()
	})

	all := query.Template(rdf.NewTriple(rdf.Any(), rdf.Any(), rdf.Any()))

	queryAll := func() []rdf.Triple {
		result, err := b.Query("kp", 1, all)
		Expect(err).NotTo(HaveOccurred())

		return result.Triples
	}

	Describe("mutations and queries", func() {
		It("returns an inserted triple to a later query", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "type", "B")})
			Expect(err).NotTo(HaveOccurred())

			result, err := b.Query("kp", 2, query.Template(rdf.NewTriple(uri("A"), uri("type"), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(ConsistOf(triple("A", "type", "B")))
		})

		It("expands namespace prefixes", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{rdf.NewTriple(rdf.URI("ex:A"), rdf.URI("rdf:type"), rdf.URI("ex:B"))})
			Expect(err).NotTo(HaveOccurred())

			Expect(queryAll()).To(ConsistOf(rdf.NewTriple(uri("A"), rdf.URI(rdf.RDFType), uri("B"))))
		})

		It("stores a triple inserted twice only once", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "c"), triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			Expect(queryAll()).To(HaveLen(1))
		})

		It("de-duplicates the union of overlapping template patterns", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "c"), triple("A", "q", "d")})
			Expect(err).NotTo(HaveOccurred())

			result, err := b.Query("kp", 2, query.Template(
				rdf.NewTriple(uri("A"), rdf.Any(), rdf.Any()),
				rdf.NewTriple(rdf.Any(), uri("p"), rdf.Any()),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(ConsistOf(triple("A", "p", "c"), triple("A", "q", "d")))
		})

		It("keeps literals apart from URIs", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{rdf.NewTriple(uri("A"), uri("name"), rdf.Literal("A"))})
			Expect(err).NotTo(HaveOccurred())

			result, err := b.Query("kp", 2, query.Template(rdf.NewTriple(uri("A"), uri("name"), rdf.Literal("A"))))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(HaveLen(1))
			Expect(result.Triples[0].Object.IsLiteral()).To(BeTrue())
		})

		It("matches nothing for unknown nodes", func() {
			result, err := b.Query("kp", 1, query.Template(rdf.NewTriple(uri("nobody"), rdf.Any(), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(BeEmpty())
		})

		It("mints one URI per blank node label", func() {
			resp, err := b.Insert("kp", 1, []rdf.Triple{
				rdf.NewTriple(rdf.URI("_:x"), uri("knows"), rdf.URI("_:y")),
				rdf.NewTriple(rdf.URI("_:x"), uri("name"), rdf.Literal("x")),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.BNodes).To(HaveLen(2))
			Expect(resp.BNodes["_:x"]).To(HavePrefix("urn:uuid:"))
			Expect(resp.BNodes["_:x"]).NotTo(Equal(resp.BNodes["_:y"]))

			result, err := b.Query("kp", 2, query.Template(rdf.NewTriple(rdf.URI(resp.BNodes["_:x"]), rdf.Any(), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(HaveLen(2))
		})

		It("removes with wildcards", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "b"), triple("A", "q", "c"), triple("B", "p", "b")})
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Remove("kp", 2, []rdf.Triple{rdf.NewTriple(uri("A"), rdf.URI(rdf.WildcardShort), rdf.Any())})
			Expect(err).NotTo(HaveOccurred())

			Expect(queryAll()).To(ConsistOf(triple("B", "p", "b")))
		})

		It("ignores removals of unknown triples", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "b")})
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Remove("kp", 2, []rdf.Triple{triple("A", "p", "nothing"), triple("ghost", "p", "b")})
			Expect(err).NotTo(HaveOccurred())

			Expect(queryAll()).To(HaveLen(1))
		})

		It("replaces triples with an update", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("lamp", "state", "off")})
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Update("kp", 2, []rdf.Triple{triple("lamp", "state", "on")}, []rdf.Triple{triple("lamp", "state", "off")})
			Expect(err).NotTo(HaveOccurred())

			Expect(queryAll()).To(ConsistOf(triple("lamp", "state", "on")))
		})

		It("keeps the removal of an update whose insert fails", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "b")})
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Update("kp", 2,
				[]rdf.Triple{rdf.NewTriple(uri("A"), uri("p"), rdf.Any())},
				[]rdf.Triple{triple("A", "p", "b")},
			)
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))
			Expect(err).To(MatchError(ContainSubstring("insert phase")))

			Expect(queryAll()).To(BeEmpty())
		})

		It("skips the insert of an update whose removal fails", func() {
			_, err := b.Update("kp", 1,
				[]rdf.Triple{triple("A", "p", "b")},
				[]rdf.Triple{rdf.NewTriple(rdf.Literal("A"), uri("p"), rdf.Any())},
			)
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))
			Expect(errors.Is(err, query.ErrInvalidPattern)).To(BeTrue())

			Expect(queryAll()).To(BeEmpty())
		})

		It("rejects malformed patterns", func() {
			_, err := b.Query("kp", 1, query.Template(rdf.NewTriple(rdf.Literal("A"), uri("p"), rdf.Any())))
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))

			_, err = b.Insert("kp", 2, []rdf.Triple{rdf.NewTriple(uri("A"), rdf.URI(""), uri("b"))})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))
		})

		It("does not implement SPARQL", func() {
			_, err := b.Query("kp", 1, query.SPARQL("SELECT * WHERE { ?s ?p ?o }"))
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusNotImplemented))
			Expect(errors.Is(err, query.ErrNotImplemented)).To(BeTrue())
		})

		It("keeps failures confined to their own operation", func() {
			var wg sync.WaitGroup

			errs := make([]error, 20)
			for i := range errs {
				wg.Add(1)

				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					t := triple("A", "p", "c")
					if i%2 == 0 {
						t = rdf.NewTriple(uri("A"), uri("p"), rdf.Any())
					}

					_, errs[i] = b.Insert("kp", i, []rdf.Triple{t})
				}(i)
			}

			wg.Wait()

			for i, err := range errs {
				if i%2 == 0 {
					Expect(err).To(HaveOccurred())
				} else {
					Expect(err).NotTo(HaveOccurred())
				}
			}

			Expect(queryAll()).To(ConsistOf(triple("A", "p", "c")))
		})
	})

	Describe("plugin queries", func() {
		BeforeEach(func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{
				rdf.NewTriple(rdf.URI("ex:Robot"), rdf.URI("rdfs:subClassOf"), rdf.URI("ex:Machine")),
				rdf.NewTriple(rdf.URI("ex:r1"), rdf.URI("rdf:type"), rdf.URI("ex:Robot")),
				rdf.NewTriple(rdf.URI("ex:r1"), rdf.URI("ex:locatedIn"), rdf.URI("ex:hall1")),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("follows paths", func() {
			result, err := b.Query("kp", 2, query.Values(rdf.URI("ex:r1"), "ex:locatedIn"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Nodes).To(ConsistOf(uri("hall1")))
		})

		It("answers type questions with entailment", func() {
			result, err := b.Query("kp", 2, query.IsType(rdf.URI("ex:r1"), rdf.URI("ex:Machine")))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Bool).To(BeTrue())

			result, err = b.Query("kp", 3, query.IsSubtype(rdf.URI("ex:Machine"), rdf.URI("ex:Robot")))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Bool).To(BeFalse())
		})

		It("lists node types most specific first", func() {
			result, err := b.Query("kp", 2, query.NodeTypes(rdf.URI("ex:r1")))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Nodes).NotTo(BeEmpty())
			Expect(result.Nodes[0]).To(Equal(uri("Robot")))
		})

		It("returns empty results for unknown nodes", func() {
			result, err := b.Query("kp", 2, query.Values(rdf.URI("ex:ghost"), "ex:locatedIn"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Nodes).To(BeEmpty())

			result, err = b.Query("kp", 3, query.Related(rdf.URI("ex:r1"), "ex:locatedIn", rdf.URI("ex:ghost")))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Bool).To(BeFalse())
		})
	})

	Describe("subscriptions", func() {
		receive := func() broker.Indication {
			var ind broker.Indication
			Eventually(sink.C(), "2s").Should(Receive(&ind))

			return ind
		}

		It("delivers the baseline in full and later changes as deltas", func() {
			sub, err := b.Subscribe("kp", 1, query.Template(rdf.NewTriple(uri("A"), rdf.Any(), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.ID).To(Equal("kp_1"))
			Expect(sub.Baseline.Triples).To(BeEmpty())
			Consistently(sink.C(), "100ms").ShouldNot(Receive())

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			ind := receive()
			Expect(ind.SubscriptionID).To(Equal(sub.ID))
			Expect(ind.Owner).To(Equal("kp"))
			Expect(ind.Seq).To(Equal(1))
			Expect(ind.Added.Triples).To(ConsistOf(triple("A", "p", "c")))
			Expect(ind.Removed.Triples).To(BeEmpty())

			_, err = b.Remove("kp", 3, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			ind = receive()
			Expect(ind.Seq).To(Equal(2))
			Expect(ind.Added.Triples).To(BeEmpty())
			Expect(ind.Removed.Triples).To(ConsistOf(triple("A", "p", "c")))
		})

		It("returns existing matches as baseline only", func() {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			sub, err := b.Subscribe("kp", 2, query.Template(rdf.NewTriple(uri("A"), rdf.Any(), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Baseline.Triples).To(ConsistOf(triple("A", "p", "c")))

			_, err = b.Insert("kp", 3, []rdf.Triple{triple("B", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Consistently(sink.C(), "200ms").ShouldNot(Receive())
		})

		It("stays silent for mutations that do not change the result", func() {
			_, err := b.Subscribe("kp", 1, query.Template(rdf.NewTriple(uri("A"), rdf.Any(), rdf.Any())))
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			receive()

			_, err = b.Insert("kp", 3, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Consistently(sink.C(), "200ms").ShouldNot(Receive())
		})

		It("reports node results as node deltas", func() {
			_, err := b.Subscribe("kp", 1, query.Values(rdf.URI("ex:r1"), "ex:locatedIn"))
			Expect(err).NotTo(HaveOccurred())

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("r1", "locatedIn", "hall1")})
			Expect(err).NotTo(HaveOccurred())

			ind := receive()
			Expect(ind.Added.Nodes).To(ConsistOf(uri("hall1")))

			_, err = b.Update("kp", 3, []rdf.Triple{triple("r1", "locatedIn", "hall2")}, []rdf.Triple{triple("r1", "locatedIn", "hall1")})
			Expect(err).NotTo(HaveOccurred())

			ind = receive()
			Expect(ind.Added.Nodes).To(ConsistOf(uri("hall2")))
			Expect(ind.Removed.Nodes).To(ConsistOf(uri("hall1")))
		})

		It("reports boolean results only when they change", func() {
			sub, err := b.Subscribe("kp", 1, query.IsType(rdf.URI("ex:r1"), rdf.URI("ex:Robot")))
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Baseline.Bool).To(BeFalse())

			_, err = b.Insert("kp", 2, []rdf.Triple{rdf.NewTriple(uri("r1"), rdf.URI(rdf.RDFType), uri("Robot"))})
			Expect(err).NotTo(HaveOccurred())

			ind := receive()
			Expect(ind.Added.Nodes).To(ConsistOf(rdf.Literal(rdf.LiteralTrue)))
			Expect(ind.Removed.Nodes).To(ConsistOf(rdf.Literal(rdf.LiteralFalse)))

			_, err = b.Insert("kp", 3, []rdf.Triple{triple("r1", "name", "robbie")})
			Expect(err).NotTo(HaveOccurred())
			Consistently(sink.C(), "200ms").ShouldNot(Receive())
		})

		It("derives unique ids from owner and transaction", func() {
			first, err := b.Subscribe("kp", 7, all)
			Expect(err).NotTo(HaveOccurred())
			second, err := b.Subscribe("kp", 7, all)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.ID).To(Equal("kp_7"))
			Expect(second.ID).To(Equal("kp_8"))
		})

		It("does not register subscriptions whose baseline fails", func() {
			_, err := b.Subscribe("kp", 1, query.SPARQL("SELECT * WHERE { ?s ?p ?o }"))
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusNotImplemented))
			Expect(b.Subscriptions()).To(BeEmpty())
		})

		It("removes the subscription before Unsubscribe returns", func() {
			sub, err := b.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Subscriptions()).To(HaveLen(1))

			Expect(b.Unsubscribe(sub.ID)).To(Succeed())
			Expect(b.Subscriptions()).To(BeEmpty())

			err = b.Unsubscribe(sub.ID)
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusNotFound))
			Expect(errors.Is(err, broker.ErrUnknownSubscription)).To(BeTrue())
		})

		It("unsubscribes many subscriptions concurrently", func() {
			ids := make([]string, 10)
			for i := range ids {
				sub, err := b.Subscribe("kp", i*10, all)
				Expect(err).NotTo(HaveOccurred())
				ids[i] = sub.ID
			}

			var wg sync.WaitGroup

			for _, id := range ids {
				wg.Add(1)

				go func(id string) {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(b.Unsubscribe(id)).To(Succeed())

					for _, info := range b.Subscriptions() {
						Expect(info.ID).NotTo(Equal(id))
					}
				}(id)
			}

			wg.Wait()
			Expect(b.Subscriptions()).To(BeEmpty())
		})

		It("emits no indication after Unsubscribe returns", func() {
			sub, err := b.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Unsubscribe(sub.ID)).To(Succeed())

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Consistently(sink.C(), "200ms").ShouldNot(Receive())
		})

		It("exposes a digest of the retained result", func() {
			_, err := b.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())
			before := b.Subscriptions()[0].Digest

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			receive()

			Eventually(func() string { return b.Subscriptions()[0].Digest }).ShouldNot(Equal(before))
			Expect(b.Subscriptions()[0].Seq).To(BeEquivalentTo(1))
		})
	})

	Describe("sequence numbers", func() {
		It("wraps back to 1 at the modulus", func() {
			cfg := testConfig()
			cfg.Space.IndicationWrapNum = 3
			wrapped, wrappedSink := startBroker(cfg, memory.NewInMemoryStore())

			_, err := wrapped.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())

			var seqs []int

			for i, obj := range []string{"a", "b", "c", "d", "e"} {
				_, err := wrapped.Insert("kp", i+2, []rdf.Triple{triple("A", "p", obj)})
				Expect(err).NotTo(HaveOccurred())

				var ind broker.Indication
				Eventually(wrappedSink.C(), "2s").Should(Receive(&ind))
				seqs = append(seqs, ind.Seq)
			}

			Expect(seqs).To(Equal([]int{1, 2, 1, 2, 1}))
		})
	})

	Describe("protection", func() {
		It("denies mutations on reserved pairs to other KPs", func() {
			cfg := testConfig()
			cfg.Protection.Rules = []config.ProtectionRule{{Subject: "ex:door", Predicate: "ex:state", Owner: "controller"}}
			guarded, _ := startBroker(cfg, memory.NewInMemoryStore())

			_, err := guarded.Insert("intruder", 1, []rdf.Triple{triple("door", "state", "open")})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusProtectionFault))
			Expect(errors.Is(err, broker.ErrProtectionFault)).To(BeTrue())

			_, err = guarded.Remove("intruder", 2, []rdf.Triple{rdf.NewTriple(uri("door"), rdf.Any(), rdf.Any())})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusProtectionFault))

			_, err = guarded.Insert("controller", 3, []rdf.Triple{triple("door", "state", "open")})
			Expect(err).NotTo(HaveOccurred())

			_, err = guarded.Insert("intruder", 4, []rdf.Triple{triple("door", "color", "red")})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("membership", func() {
		var joined *broker.Broker

		BeforeEach(func() {
			cfg := testConfig()
			cfg.Space.RequireJoin = true
			joined, _ = startBroker(cfg, memory.NewInMemoryStore())
		})

		It("rejects operations from KPs that have not joined", func() {
			_, err := joined.Insert("kp", 1, []rdf.Triple{triple("A", "p", "c")})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusKPErrorRequest))

			Expect(joined.Join("kp", "1.0.0")).To(Succeed())

			_, err = joined.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects duplicate joins and unsupported protocols", func() {
			Expect(joined.Join("kp", "1.2.0")).To(Succeed())
			Expect(broker.StatusOf(joined.Join("kp", "1.2.0"))).To(Equal(broker.StatusKPErrorRequest))

			err := joined.Join("old", "0.9.0")
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusInvalidParameter))
			Expect(errors.Is(err, broker.ErrIncompatibleVersion)).To(BeTrue())
		})

		It("stops the subscriptions of a KP that leaves", func() {
			Expect(joined.Join("kp", "")).To(Succeed())

			_, err := joined.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())
			Expect(joined.Members()).To(ConsistOf(HaveField("Subscriptions", 1)))

			Expect(joined.Leave("kp")).To(Succeed())
			Expect(joined.Subscriptions()).To(BeEmpty())
			Expect(joined.Members()).To(BeEmpty())

			Expect(broker.StatusOf(joined.Leave("kp"))).To(Equal(broker.StatusKPErrorRequest))
		})
	})

	Describe("store faults", func() {
		var (
			flaky *flakyStore
			fb    *broker.Broker
			fsink *broker.ChannelSink
			subA  query.Query
		)

		BeforeEach(func() {
			flaky = &flakyStore{Store: memory.NewInMemoryStore()}
			fb, fsink = startBroker(testConfig(), flaky)
			subA = query.Template(rdf.NewTriple(uri("A"), rdf.Any(), rdf.Any()))
		})

		It("delivers a delta whose projection failed once the store recovers", func() {
			sub, err := fb.Subscribe("kp", 1, subA)
			Expect(err).NotTo(HaveOccurred())

			flaky.failInfo.Store(true)

			_, err = fb.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(flaky.failures.Load, "2s").Should(BeNumerically(">", 0))
			Consistently(fsink.C(), "100ms").ShouldNot(Receive())

			flaky.failInfo.Store(false)

			_, err = fb.Insert("kp", 3, []rdf.Triple{triple("B", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			var ind broker.Indication
			Eventually(fsink.C(), "2s").Should(Receive(&ind))
			Expect(ind.SubscriptionID).To(Equal(sub.ID))
			Expect(ind.Seq).To(Equal(1))
			Expect(ind.Added.Triples).To(ConsistOf(triple("A", "p", "c")))
			Expect(ind.Removed.Triples).To(BeEmpty())
		})

		It("keeps a subscription alive through failed continuations", func() {
			sub, err := fb.Subscribe("kp", 1, subA)
			Expect(err).NotTo(HaveOccurred())

			flaky.failMatch.Store(true)

			_, err = fb.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(flaky.failures.Load, "2s").Should(BeNumerically(">=", 2))
			Expect(fb.Subscriptions()).To(HaveLen(1))

			flaky.failMatch.Store(false)

			var ind broker.Indication
			Eventually(fsink.C(), "3s").Should(Receive(&ind))
			Expect(ind.SubscriptionID).To(Equal(sub.ID))
			Expect(ind.Seq).To(Equal(1))
			Expect(ind.Added.Triples).To(ConsistOf(triple("A", "p", "c")))
		})

		It("unsubscribes promptly while a continuation backs off", func() {
			sub, err := fb.Subscribe("kp", 1, subA)
			Expect(err).NotTo(HaveOccurred())

			flaky.failMatch.Store(true)

			_, err = fb.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(flaky.failures.Load, "2s").Should(BeNumerically(">=", 2))

			done := make(chan error, 1)
			go func() { done <- fb.Unsubscribe(sub.ID) }()

			Eventually(done, "1s").Should(Receive(BeNil()))
			Expect(fb.Subscriptions()).To(BeEmpty())
			Consistently(fsink.C(), "100ms").ShouldNot(Receive())
		})

		It("rolls back the whole insert", func() {
			faulty, _ := startBroker(testConfig(), &faultyStore{Store: memory.NewInMemoryStore(), failing: uri("broken")})

			_, err := faulty.Insert("kp", 1, []rdf.Triple{triple("fine", "p", "o"), triple("broken", "p", "o")})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))
			Expect(errors.Is(err, errInjected)).To(BeTrue())

			result, err := faulty.Query("kp", 2, all)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Triples).To(BeEmpty())
		})
	})

	Describe("store access", func() {
		It("reads the store directly", func(ctx SpecContext) {
			_, err := b.Insert("kp", 1, []rdf.Triple{triple("A", "p", "c")})
			Expect(err).NotTo(HaveOccurred())

			var matches []store.IDTriple

			Expect(b.ReadStore(ctx, func(r store.Reader) error {
				var err error
				matches, err = r.Match(ctx, store.IDTriple{})

				return err
			})).To(Succeed())
			Expect(matches).To(HaveLen(1))

			stats, err := b.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Triples).To(BeEquivalentTo(1))
		}, SpecTimeout(5*time.Second))

		It("publishes debug info", func() {
			info, ok := b.GetDebugInfo().(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(info).To(HaveKeyWithValue("name", "test"))
		})
	})

	Describe("closing", func() {
		It("stops subscriptions and rejects new operations", func() {
			_, err := b.Subscribe("kp", 1, all)
			Expect(err).NotTo(HaveOccurred())

			Expect(b.Close()).To(Succeed())
			Expect(b.Subscriptions()).To(BeEmpty())

			_, err = b.Insert("kp", 2, []rdf.Triple{triple("A", "p", "c")})
			Expect(broker.StatusOf(err)).To(Equal(broker.StatusOperationFailed))
			Expect(errors.Is(err, broker.ErrClosed)).To(BeTrue())

			_, err = b.Subscribe("kp", 3, all)
			Expect(errors.Is(err, broker.ErrClosed)).To(BeTrue())
		})

		It("fails operations still queued", func() {
			idle, err := broker.New(testConfig(), memory.NewInMemoryStore(), nil, nil)
			Expect(err).NotTo(HaveOccurred())

			op := broker.NewMutation(broker.KindInsert, "kp", 1, broker.Mutation{Insert: []rdf.Triple{triple("A", "p", "c")}})
			idle.SubmitMutation(op)
			Consistently(op.Done(), "50ms").ShouldNot(BeClosed())

			Expect(idle.Close()).To(Succeed())
			Eventually(op.Done()).Should(BeClosed())
			Expect(errors.Is(op.Response().Err, broker.ErrClosed)).To(BeTrue())
		})
	})

	It("maps errors to statuses", func() {
		Expect(broker.StatusOf(nil)).To(Equal(broker.StatusOK))
		Expect(broker.StatusOf(broker.ErrUnknownSubscription)).To(Equal(broker.StatusNotFound))
		Expect(broker.StatusOf(errors.New("boom"))).To(Equal(broker.StatusOperationFailed))
		Expect(broker.StatusProtectionFault.String()).To(Equal("m3:SIB.Error.ProtectionFault"))
		Expect(strings.HasPrefix(broker.StatusOK.String(), "m3:")).To(BeTrue())
	})
})

var _ = Describe("Broker without plugin", func() {
	It("answers template queries but not path queries", func() {
		b, err := broker.New(testConfig(), memory.NewInMemoryStore(), nil, nil)
		Expect(err).NotTo(HaveOccurred())
		b.Start(context.Background())
		DeferCleanup(b.Close)

		_, err = b.Query("kp", 1, query.Template(rdf.NewTriple(rdf.Any(), rdf.Any(), rdf.Any())))
		Expect(err).NotTo(HaveOccurred())

		_, err = b.Query("kp", 2, query.Values(uri("A"), "ex:p"))
		Expect(broker.StatusOf(err)).To(Equal(broker.StatusNotImplemented))
	})
})
