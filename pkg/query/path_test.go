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


package query_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
)

var _ = Describe("ParsePath", func() {
	It("parses single-quoted lists", func() {
		e, err := query.ParsePath(`['seq', 'rdf:type', ['rep*', 'rdfs:subClassOf']]`)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Op).To(Equal(query.OpSeq))
		Expect(e.Args).To(HaveLen(2))
		Expect(e.Args[0]).To(Equal(&query.Expr{Op: query.OpPredicate, Name: "rdf:type"}))
		Expect(e.Args[1].Op).To(Equal(query.OpRepStar))
		Expect(e.String()).To(Equal(`['seq', 'rdf:type', ['rep*', 'rdfs:subClassOf']]`))
	})

	It("parses JSON lists", func() {
		e, err := query.ParsePath(`["or", "ex:a", ["inv", "ex:b"], ["value", "ex:c"], "self"]`)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Op).To(Equal(query.OpOr))
		Expect(e.Args[1].Op).To(Equal(query.OpInv))
		Expect(e.Args[2]).To(Equal(&query.Expr{Op: query.OpValue, Name: "ex:c"}))
		Expect(e.Args[3].Op).To(Equal(query.OpSelf))
	})

	It("treats a bare name as one predicate", func() {
		e, err := query.ParsePath("http://example.org/knows")
		Expect(err).NotTo(HaveOccurred())
		Expect(e).To(Equal(&query.Expr{Op: query.OpPredicate, Name: "http://example.org/knows"}))
	})

	It("treats a list without operator as a sequence", func() {
		e, err := query.ParsePath(`['ex:a', 'ex:b']`)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Op).To(Equal(query.OpSeq))
		Expect(e.Args).To(HaveLen(2))
	})

	DescribeTable("rejects malformed paths",
		func(path string) {
			_, err := query.ParsePath(path)
			Expect(err).To(MatchError(query.ErrInvalidPattern))
		},
		Entry("empty", ""),
		Entry("empty list", "[]"),
		Entry("broken list", "['seq', "),
		Entry("operator without arguments", "'rep*'"),
		Entry("rep* with two arguments", "['rep*', 'a', 'b']"),
		Entry("value without node", "['value']"),
	)

	DescribeTable("reports unsupported operators",
		func(path string) {
			_, err := query.ParsePath(path)
			Expect(err).To(MatchError(query.ErrNotImplemented))
		},
		Entry("filter", "['filter', 'ex:a']"),
		Entry("members", "['seq', 'ex:a', 'members']"),
	)
})

var _ = Describe("Query", func() {
	It("derives the result shape from the kind", func() {
		Expect(query.Template().Shape()).To(Equal(query.ShapeTriples))
		Expect(query.Values(rdf.URI("a"), "p").Shape()).To(Equal(query.ShapeNodes))
		Expect(query.NodeTypes(rdf.URI("a")).Shape()).To(Equal(query.ShapeNodes))
		Expect(query.IsType(rdf.URI("a"), rdf.URI("b")).Shape()).To(Equal(query.ShapeBool))
	})

	DescribeTable("validates",
		func(q query.Query, valid bool) {
			err := q.Validate()
			if valid {
				Expect(err).NotTo(HaveOccurred())
			} else {
				Expect(err).To(MatchError(query.ErrInvalidPattern))
			}
		},
		Entry("template", query.Template(rdf.NewTriple(rdf.URI("a"), rdf.URI("p"), rdf.Literal("x"))), true),
		Entry("template without patterns", query.Template(), false),
		Entry("empty object", query.Template(rdf.NewTriple(rdf.URI("a"), rdf.URI("p"), rdf.Literal(""))), false),
		Entry("literal subject", query.Template(rdf.NewTriple(rdf.Literal("a"), rdf.URI("p"), rdf.URI("b"))), false),
		Entry("literal predicate", query.Template(rdf.NewTriple(rdf.URI("a"), rdf.Literal("p"), rdf.URI("b"))), false),
		Entry("values without path", query.Values(rdf.URI("a"), ""), false),
		Entry("related", query.Related(rdf.URI("a"), "p", rdf.URI("b")), true),
		Entry("istype without type", query.IsType(rdf.URI("a"), rdf.Node{}), false),
		Entry("sparql", query.SPARQL("SELECT * WHERE {?s ?p ?o}"), true),
		Entry("unknown kind", query.Query{Kind: "wql"}, false),
	)
})
