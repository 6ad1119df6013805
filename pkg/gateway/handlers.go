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

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

type joinRequest struct {
	Protocol string `json:"protocol"`
}

type mutationRequest struct {
	Triples []rdf.Triple `json:"triples"`
	TxID    int          `json:"txId"`
}

type updateRequest struct {
	Insert []rdf.Triple `json:"insert"`
	Remove []rdf.Triple `json:"remove"`
	TxID   int          `json:"txId"`
}

type queryRequest struct {
	Query query.Query `json:"query"`
	TxID  int         `json:"txId"`
}

// envelope is the body of every operation response.
type envelope struct {
	Result         *resultBody       `json:"result,omitempty"`
	BNodes         map[string]string `json:"bnodes,omitempty"`
	RequestID      string            `json:"requestId"`
	Error          string            `json:"error,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Status         broker.Status     `json:"status"`
	TxID           int               `json:"txId,omitempty"`
}

// resultBody is a broker.Result with its shape spelled out, so that a
// false boolean result is distinguishable from a missing one.
type resultBody struct {
	Bool    *bool        `json:"bool,omitempty"`
	Shape   string       `json:"shape"`
	Triples []rdf.Triple `json:"triples,omitempty"`
	Nodes   []rdf.Node   `json:"nodes,omitempty"`
}

func newResultBody(r broker.Result) *resultBody {
	body := &resultBody{Shape: r.Shape.String()}

	switch r.Shape {
	case query.ShapeBool:
		v := r.Bool
		body.Bool = &v
		body.Nodes = r.Nodes
	case query.ShapeNodes:
		body.Nodes = r.Nodes
	default:
		body.Triples = r.Triples
	}

	return body
}

// httpStatus maps an operation status onto an HTTP status code.
func httpStatus(s broker.Status) int {
	switch s {
	case broker.StatusOK:
		return http.StatusOK
	case broker.StatusNotFound:
		return http.StatusNotFound
	case broker.StatusNotImplemented:
		return http.StatusNotImplemented
	case broker.StatusKPErrorRequest, broker.StatusProtectionFault:
		return http.StatusForbidden
	case broker.StatusInvalidParameter, broker.StatusMessageSyntax:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) write(c *gin.Context, code int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentGateway, c.FullPath(), fmt.Errorf("failed to encode response: %w", err), g.log)
		c.AbortWithStatus(http.StatusInternalServerError)

		return
	}

	c.Data(code, "application/json; charset=utf-8", payload)
}

func (g *Gateway) reply(c *gin.Context, env envelope, err error) {
	env.RequestID = c.GetString(requestIDHeader)
	env.Status = broker.StatusOf(err)

	if err != nil {
		env.Error = err.Error()
	}

	g.write(c, httpStatus(env.Status), env)
}

// decode reads the request body into v and answers malformed bodies
// itself. An empty body leaves v untouched.
func (g *Gateway) decode(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}

	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		g.write(c, http.StatusBadRequest, envelope{
			RequestID: c.GetString(requestIDHeader),
			Status:    broker.StatusMessageSyntax,
			Error:     fmt.Sprintf("malformed request body: %s", err),
		})

		return false
	}

	return true
}

func (g *Gateway) handleJoin(c *gin.Context) {
	var req joinRequest
	if !g.decode(c, &req) {
		return
	}

	g.reply(c, envelope{}, g.broker.Join(c.Param("kp"), req.Protocol))
}

func (g *Gateway) handleLeave(c *gin.Context) {
	g.reply(c, envelope{}, g.broker.Leave(c.Param("kp")))
}

func (g *Gateway) handleInsert(c *gin.Context) {
	var req mutationRequest
	if !g.decode(c, &req) {
		return
	}

	resp, err := g.broker.Insert(c.Param("kp"), req.TxID, req.Triples)
	g.reply(c, envelope{TxID: req.TxID, BNodes: resp.BNodes}, err)
}

func (g *Gateway) handleRemove(c *gin.Context) {
	var req mutationRequest
	if !g.decode(c, &req) {
		return
	}

	_, err := g.broker.Remove(c.Param("kp"), req.TxID, req.Triples)
	g.reply(c, envelope{TxID: req.TxID}, err)
}

func (g *Gateway) handleUpdate(c *gin.Context) {
	var req updateRequest
	if !g.decode(c, &req) {
		return
	}

	resp, err := g.broker.Update(c.Param("kp"), req.TxID, req.Insert, req.Remove)
	g.reply(c, envelope{TxID: req.TxID, BNodes: resp.BNodes}, err)
}

func (g *Gateway) handleQuery(c *gin.Context) {
	var req queryRequest
	if !g.decode(c, &req) {
		return
	}

	result, err := g.broker.Query(c.Param("kp"), req.TxID, req.Query)

	env := envelope{TxID: req.TxID}
	if err == nil {
		env.Result = newResultBody(result)
	}

	g.reply(c, env, err)
}

func (g *Gateway) handleSubscribe(c *gin.Context) {
	var req queryRequest
	if !g.decode(c, &req) {
		return
	}

	sub, err := g.broker.Subscribe(c.Param("kp"), req.TxID, req.Query)

	env := envelope{TxID: req.TxID}
	if err == nil {
		env.SubscriptionID = sub.ID
		env.Result = newResultBody(sub.Baseline)
	}

	g.reply(c, env, err)
}

func (g *Gateway) handleUnsubscribe(c *gin.Context) {
	id := c.Param("id")
	g.reply(c, envelope{SubscriptionID: id}, g.broker.Unsubscribe(id))
}

func (g *Gateway) handleSubscriptions(c *gin.Context) {
	g.write(c, http.StatusOK, gin.H{
		"subscriptions": g.broker.Subscriptions(),
		"members":       g.broker.Members(),
	})
}

func (g *Gateway) handleNamespaces(c *gin.Context) {
	g.write(c, http.StatusOK, g.broker.Namespaces().Bindings())
}

type statsBody struct {
	store.Stats
	Subscriptions int `json:"subscriptions"`
	Members       int `json:"members"`
	Parked        int `json:"parked"`
}

func (g *Gateway) handleStats(c *gin.Context) {
	stats, err := g.broker.Stats(c.Request.Context())

	switch {
	case errors.Is(err, store.ErrStatsUnsupported):
		g.write(c, http.StatusNotImplemented, gin.H{"error": err.Error()})

		return
	case err != nil:
		metrics.IncErrorCountAndLog(metrics.ComponentGateway, "stats", err, g.log)
		g.write(c, http.StatusServiceUnavailable, gin.H{"error": err.Error()})

		return
	}

	g.write(c, http.StatusOK, statsBody{
		Stats:         stats,
		Subscriptions: len(g.broker.Subscriptions()),
		Members:       len(g.broker.Members()),
		Parked:        g.broker.Parked(),
	})
}

func (g *Gateway) handleIndications(c *gin.Context) {
	kp := c.Param("kp")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warnf("Failed to upgrade indication socket of %s: %s", kp, err)

		return
	}

	s := g.indications.attach(kp, conn)
	s.log.Info("Indication socket connected")

	g.indications.serve(s)
}
