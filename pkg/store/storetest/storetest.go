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


// Package storetest holds the behavior every store.Store backend must show.
package storetest

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// DescribeStore registers the conformance tests for a backend. open is
// called once per test and must return an empty store.
func DescribeStore(name string, open func() store.Store) bool {
	return Describe(name+" conformance", func() {
		var (
			ctx context.Context
			s   store.Store
		)

		BeforeEach(func() {
			ctx = context.Background()
			s = open()
		})

		AfterEach(func() {
			_ = s.Close()
		})

		intern := func(tx store.Tx, n rdf.Node) store.NodeID {
			id, err := tx.Intern(ctx, n)
			Expect(err).NotTo(HaveOccurred())

			return id
		}

		It("gives URIs positive and literals negative ids", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			a := intern(tx, rdf.URI("http://example.org/a"))
			b := intern(tx, rdf.URI("http://example.org/b"))
			l := intern(tx, rdf.Literal("http://example.org/a"))

			Expect(a).To(BeNumerically(">", 0))
			Expect(b).To(BeNumerically(">", 0))
			Expect(a).NotTo(Equal(b))
			Expect(l).To(BeNumerically("<", 0))
			Expect(l.IsLiteral()).To(BeTrue())

			Expect(intern(tx, rdf.URI("http://example.org/a"))).To(Equal(a))

			node, err := tx.Info(ctx, l)
			Expect(err).NotTo(HaveOccurred())
			Expect(node).To(Equal(rdf.Literal("http://example.org/a")))
		})

		It("reports unknown nodes as not found", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			_, err = tx.Lookup(ctx, rdf.URI("http://example.org/missing"))
			Expect(err).To(MatchError(store.ErrNotFound))

			_, err = tx.Info(ctx, 4242)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("refuses to intern blank nodes", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			_, err = tx.Intern(ctx, rdf.URI("_:b1"))
			Expect(err).To(MatchError(store.ErrBlankNode))
		})

		It("matches patterns with wildcards after commit", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())

			a := intern(tx, rdf.URI("a"))
			b := intern(tx, rdf.URI("b"))
			p := intern(tx, rdf.URI("p"))
			q := intern(tx, rdf.URI("q"))
			x := intern(tx, rdf.Literal("x"))

			for _, t := range []store.IDTriple{{S: a, P: p, O: x}, {S: a, P: q, O: b}, {S: b, P: p, O: x}} {
				Expect(tx.Add(ctx, t)).To(Succeed())
			}

			Expect(tx.Add(ctx, store.IDTriple{S: a, P: p, O: x})).To(Succeed())
			Expect(tx.Commit()).To(Succeed())

			tx, err = s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			all, err := tx.Match(ctx, store.IDTriple{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))

			byP, err := tx.Match(ctx, store.IDTriple{P: p})
			Expect(err).NotTo(HaveOccurred())
			Expect(byP).To(ConsistOf(store.IDTriple{S: a, P: p, O: x}, store.IDTriple{S: b, P: p, O: x}))

			bySO, err := tx.Match(ctx, store.IDTriple{S: a, O: b})
			Expect(err).NotTo(HaveOccurred())
			Expect(bySO).To(ConsistOf(store.IDTriple{S: a, P: q, O: b}))

			exact, err := tx.Match(ctx, store.IDTriple{S: b, P: p, O: x})
			Expect(err).NotTo(HaveOccurred())
			Expect(exact).To(HaveLen(1))

			none, err := tx.Match(ctx, store.IDTriple{S: b, P: q})
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeEmpty())
		})

		It("sees its own writes and discards them on rollback", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())

			a := intern(tx, rdf.URI("a"))
			p := intern(tx, rdf.URI("p"))
			Expect(tx.Add(ctx, store.IDTriple{S: a, P: p, O: a})).To(Succeed())

			got, err := tx.Match(ctx, store.IDTriple{S: a})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))

			Expect(tx.Rollback()).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())

			tx, err = s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			_, err = tx.Lookup(ctx, rdf.URI("a"))
			Expect(err).To(MatchError(store.ErrNotFound))

			all, err := tx.Match(ctx, store.IDTriple{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(BeEmpty())
		})

		It("deletes triples and ignores missing ones", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())

			a := intern(tx, rdf.URI("a"))
			p := intern(tx, rdf.URI("p"))
			Expect(tx.Add(ctx, store.IDTriple{S: a, P: p, O: a})).To(Succeed())
			Expect(tx.Commit()).To(Succeed())

			tx, err = s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Delete(ctx, store.IDTriple{S: a, P: p, O: a})).To(Succeed())
			Expect(tx.Delete(ctx, store.IDTriple{S: p, P: p, O: p})).To(Succeed())
			Expect(tx.Commit()).To(Succeed())

			tx, err = s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = tx.Rollback() }()

			all, err := tx.Match(ctx, store.IDTriple{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(BeEmpty())

			id, err := tx.Lookup(ctx, rdf.URI("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(a))
		})

		It("rejects use of a finished transaction", func() {
			tx, err := s.BeginTx(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Commit()).To(Succeed())

			Expect(tx.Commit()).To(MatchError(store.ErrTxClosed))
			_, err = tx.Match(ctx, store.IDTriple{})
			Expect(err).To(MatchError(store.ErrTxClosed))
		})

		It("refuses new transactions after close", func() {
			Expect(s.Close()).To(Succeed())

			_, err := s.BeginTx(ctx)
			Expect(err).To(MatchError(store.ErrClosed))
		})
	})
}
