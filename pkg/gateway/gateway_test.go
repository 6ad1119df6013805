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

package gateway_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/gateway"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/memory"
)

const ex = "http://example.org/"

type result struct {
	Bool    *bool        `json:"bool"`
	Shape   string       `json:"shape"`
	Triples []rdf.Triple `json:"triples"`
	Nodes   []rdf.Node   `json:"nodes"`
}

type reply struct {
	Result         *result           `json:"result"`
	BNodes         map[string]string `json:"bnodes"`
	RequestID      string            `json:"requestId"`
	Status         string            `json:"status"`
	Error          string            `json:"error"`
	SubscriptionID string            `json:"subscriptionId"`
	TxID           int               `json:"txId"`
}

type indication struct {
	Added          result `json:"added"`
	Removed        result `json:"removed"`
	SubscriptionID string `json:"subscriptionId"`
	Seq            int    `json:"seq"`
}

var _ = Describe("Gateway", func() {
	var (
		server      *httptest.Server
		indications *gateway.Indications
		cfg         config.FullConfig
		st          store.Store
	)

	fact := rdf.NewTriple(rdf.URI(ex+"pump1"), rdf.URI(rdf.RDFType), rdf.URI(ex+"Pump"))
	pattern := query.Template(rdf.NewTriple(rdf.Any(), rdf.URI(rdf.RDFType), rdf.URI(ex+"Pump")))

	BeforeEach(func() {
		cfg = config.Default()
		cfg.Space.Name = "gateway"
		st = memory.NewInMemoryStore()
	})

	JustBeforeEach(func() {
		indications = gateway.NewIndications(time.Minute)

		b, err := broker.New(cfg, st, nil, indications)
		Expect(err).NotTo(HaveOccurred())

		b.Start(context.Background())

		g := gateway.New(cfg.Gateway, b, indications)
		server = httptest.NewServer(g.Handler())

		DeferCleanup(func() {
			indications.Close()
			server.Close()
			Expect(b.Close()).To(Succeed())
		})
	})

	do := func(method, path string, body any) (int, reply) {
		var reader io.Reader = http.NoBody
		if body != nil {
			payload, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())

			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequest(method, server.URL+path, reader)
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var r reply
		Expect(json.NewDecoder(resp.Body).Decode(&r)).To(Succeed())
		Expect(resp.Header.Get("X-Request-Id")).To(Equal(r.RequestID))

		return resp.StatusCode, r
	}

	post := func(path string, body any) (int, reply) {
		return do(http.MethodPost, path, body)
	}

	dial := func(kp string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/kp/" + kp + "/indications"

		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		DeferCleanup(conn.Close)

		return conn
	}

	next := func(conn *websocket.Conn) indication {
		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

		_, payload, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())

		var ind indication
		Expect(json.Unmarshal(payload, &ind)).To(Succeed())

		return ind
	}

	It("inserts and queries triples", func() {
		code, r := post("/v1/kp/kp1/insert", map[string]any{"txId": 1, "triples": []rdf.Triple{fact}})
		Expect(code).To(Equal(http.StatusOK))
		Expect(r.Status).To(Equal("m3:Success"))
		Expect(r.TxID).To(Equal(1))
		Expect(r.RequestID).NotTo(BeEmpty())

		code, r = post("/v1/kp/kp1/query", map[string]any{"txId": 2, "query": pattern})
		Expect(code).To(Equal(http.StatusOK))
		Expect(r.Result.Shape).To(Equal("triples"))
		Expect(r.Result.Triples).To(ConsistOf(fact))
	})

	It("returns minted blank nodes", func() {
		bnode := rdf.NewTriple(rdf.URI("_:b1"), rdf.URI(rdf.RDFType), rdf.URI(ex+"Pump"))

		code, r := post("/v1/kp/kp1/insert", map[string]any{"txId": 1, "triples": []rdf.Triple{bnode}})
		Expect(code).To(Equal(http.StatusOK))
		Expect(r.BNodes).To(HaveKeyWithValue("_:b1", HavePrefix("urn:uuid:")))
	})

	It("removes and updates triples", func() {
		post("/v1/kp/kp1/insert", map[string]any{"txId": 1, "triples": []rdf.Triple{fact}})

		moved := rdf.NewTriple(rdf.URI(ex+"pump2"), rdf.URI(rdf.RDFType), rdf.URI(ex+"Pump"))
		code, _ := post("/v1/kp/kp1/update", map[string]any{"txId": 2, "insert": []rdf.Triple{moved}, "remove": []rdf.Triple{fact}})
		Expect(code).To(Equal(http.StatusOK))

		_, r := post("/v1/kp/kp1/query", map[string]any{"query": pattern})
		Expect(r.Result.Triples).To(ConsistOf(moved))

		code, _ = post("/v1/kp/kp1/remove", map[string]any{"txId": 3, "triples": []rdf.Triple{moved}})
		Expect(code).To(Equal(http.StatusOK))

		_, r = post("/v1/kp/kp1/query", map[string]any{"query": pattern})
		Expect(r.Result.Triples).To(BeEmpty())
	})

	It("rejects malformed bodies", func() {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/kp/kp1/insert", strings.NewReader("{not json"))
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var r reply
		Expect(json.NewDecoder(resp.Body).Decode(&r)).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(r.Status).To(Equal("m3:KP.Error.Message.Syntax"))
	})

	It("reports unsupported query kinds as not implemented", func() {
		code, r := post("/v1/kp/kp1/query", map[string]any{"query": query.SPARQL("ASK {}")})
		Expect(code).To(Equal(http.StatusNotImplemented))
		Expect(r.Status).To(Equal("m3:SIB.Failure.NotImplemented"))
		Expect(r.Error).NotTo(BeEmpty())
	})

	It("answers plugin queries without a reasoner as not implemented", func() {
		code, _ := post("/v1/kp/kp1/query", map[string]any{"query": query.IsType(rdf.URI(ex+"pump1"), rdf.URI(ex+"Pump"))})
		Expect(code).To(Equal(http.StatusNotImplemented))
	})

	Describe("subscriptions", func() {
		It("returns the baseline and pushes indications", func() {
			post("/v1/kp/kp1/insert", map[string]any{"txId": 1, "triples": []rdf.Triple{fact}})

			code, r := post("/v1/kp/kp1/subscribe", map[string]any{"txId": 2, "query": pattern})
			Expect(code).To(Equal(http.StatusOK))
			Expect(r.SubscriptionID).To(Equal("kp1_2"))
			Expect(r.Result.Triples).To(ConsistOf(fact))

			conn := dial("kp1")

			added := rdf.NewTriple(rdf.URI(ex+"pump2"), rdf.URI(rdf.RDFType), rdf.URI(ex+"Pump"))
			post("/v1/kp/kp1/insert", map[string]any{"txId": 3, "triples": []rdf.Triple{added}})

			ind := next(conn)
			Expect(ind.SubscriptionID).To(Equal("kp1_2"))
			Expect(ind.Seq).To(Equal(1))
			Expect(ind.Added.Triples).To(ConsistOf(added))
			Expect(ind.Removed.Triples).To(BeEmpty())

			post("/v1/kp/kp1/remove", map[string]any{"txId": 4, "triples": []rdf.Triple{fact}})

			ind = next(conn)
			Expect(ind.Seq).To(Equal(2))
			Expect(ind.Removed.Triples).To(ConsistOf(fact))
		})

		It("keeps indications for a KP without a socket until it connects", func() {
			_, r := post("/v1/kp/kp1/subscribe", map[string]any{"txId": 1, "query": pattern})
			Expect(r.Status).To(Equal("m3:Success"))

			post("/v1/kp/kp2/insert", map[string]any{"txId": 1, "triples": []rdf.Triple{fact}})
			Eventually(func() int { return indications.Backlogged("kp1") }).Should(Equal(1))

			ind := next(dial("kp1"))
			Expect(ind.Seq).To(Equal(1))
			Expect(ind.Added.Triples).To(ConsistOf(fact))
			Expect(indications.Backlogged("kp1")).To(BeZero())
		})

		It("lists and removes subscriptions", func() {
			_, r := post("/v1/kp/kp1/subscribe", map[string]any{"txId": 5, "query": pattern})
			id := r.SubscriptionID

			resp, err := http.Get(server.URL + "/v1/subscriptions")
			Expect(err).NotTo(HaveOccurred())

			var listing struct {
				Subscriptions []broker.SubscriptionInfo `json:"subscriptions"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&listing)).To(Succeed())
			resp.Body.Close()
			Expect(listing.Subscriptions).To(HaveLen(1))
			Expect(listing.Subscriptions[0].ID).To(Equal(id))

			code, _ := do(http.MethodDelete, "/v1/subscriptions/"+id, nil)
			Expect(code).To(Equal(http.StatusOK))

			code, r = do(http.MethodDelete, "/v1/subscriptions/"+id, nil)
			Expect(code).To(Equal(http.StatusNotFound))
			Expect(r.Status).To(Equal("m3:SIB.Error.NotFound"))
		})
	})

	Describe("membership", func() {
		BeforeEach(func() {
			cfg.Space.RequireJoin = true
		})

		It("refuses operations before join", func() {
			code, r := post("/v1/kp/kp1/insert", map[string]any{"triples": []rdf.Triple{fact}})
			Expect(code).To(Equal(http.StatusForbidden))
			Expect(r.Status).To(Equal("m3:KP.Error.Request"))

			code, _ = post("/v1/kp/kp1/join", map[string]any{"protocol": "1.2.0"})
			Expect(code).To(Equal(http.StatusOK))

			code, _ = post("/v1/kp/kp1/insert", map[string]any{"triples": []rdf.Triple{fact}})
			Expect(code).To(Equal(http.StatusOK))

			code, _ = post("/v1/kp/kp1/leave", nil)
			Expect(code).To(Equal(http.StatusOK))

			code, _ = post("/v1/kp/kp1/leave", nil)
			Expect(code).To(Equal(http.StatusForbidden))
		})

		It("rejects unsupported protocol versions", func() {
			code, r := post("/v1/kp/kp1/join", map[string]any{"protocol": "0.9.0"})
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(r.Status).To(Equal("m3:SIB.Error.InvalidParameter"))
		})
	})

	It("reports store stats", func() {
		post("/v1/kp/kp1/insert", map[string]any{"triples": []rdf.Triple{fact}})

		resp, err := http.Get(server.URL + "/v1/stats")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var stats struct {
			Triples int64 `json:"triples"`
			Nodes   int64 `json:"nodes"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(stats.Triples).To(BeNumerically(">=", 1))
		Expect(stats.Nodes).To(BeNumerically(">=", 3))
	})

	It("lists the namespace bindings", func() {
		resp, err := http.Get(server.URL + "/v1/namespaces")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var bindings map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&bindings)).To(Succeed())
		Expect(bindings).To(HaveKeyWithValue("rdf", rdf.NamespaceRDF))
		Expect(bindings).To(HaveKeyWithValue("sib", rdf.NamespaceSIB))
	})

	Context("with a store that cannot count", func() {
		BeforeEach(func() {
			cached, err := store.NewCachedStore(countlessStore{Store: memory.NewInMemoryStore()}, 8)
			Expect(err).NotTo(HaveOccurred())

			st = cached
		})

		It("reports stats as not implemented", func() {
			resp, err := http.Get(server.URL + "/v1/stats")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
		})
	})
})

// countlessStore hides the Stats method of the wrapped store.
type countlessStore struct {
	store.Store
}
