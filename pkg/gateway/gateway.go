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

// Package gateway exposes a broker over HTTP. Requests map one to one onto
// broker operations and indications are pushed over a websocket per KP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
)

const requestIDHeader = "X-Request-Id"

// Gateway serves the HTTP API of one broker.
type Gateway struct {
	broker      *broker.Broker
	indications *Indications
	engine      *gin.Engine
	server      *http.Server
	upgrader    websocket.Upgrader
	log         *zap.SugaredLogger
}

// New builds the router. indications must be the sink the broker was
// created with.
func New(cfg config.GatewayConfig, b *broker.Broker, indications *Indications) *Gateway {
	g := &Gateway{
		broker:      b,
		indications: indications,
		log:         logger.For(logger.ComponentGateway),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	g.engine = gin.New()
	g.engine.Use(g.requestID(), g.accessLog(), gin.CustomRecovery(g.recovered))
	g.routes(g.engine.Group("/v1"))

	g.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

func (g *Gateway) routes(v1 *gin.RouterGroup) {
	kp := v1.Group("/kp/:kp")
	kp.POST("/join", g.handleJoin)
	kp.POST("/leave", g.handleLeave)
	kp.POST("/insert", g.handleInsert)
	kp.POST("/remove", g.handleRemove)
	kp.POST("/update", g.handleUpdate)
	kp.POST("/query", g.handleQuery)
	kp.POST("/subscribe", g.handleSubscribe)
	kp.GET("/indications", g.handleIndications)

	v1.GET("/subscriptions", g.handleSubscriptions)
	v1.DELETE("/subscriptions/:id", g.handleUnsubscribe)
	v1.GET("/stats", g.handleStats)
	v1.GET("/namespaces", g.handleNamespaces)
}

// Handler returns the router, mostly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// ListenAndServe blocks until the server fails or is shut down. A clean
// shutdown returns nil.
func (g *Gateway) ListenAndServe() error {
	g.log.Infof("Gateway listening on %s", g.server.Addr)

	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and closes the indication sockets.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.indications.Close()

	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}

	return nil
}

func (g *Gateway) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (g *Gateway) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		g.log.Debugw("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"requestId", c.GetString(requestIDHeader))
	}
}

func (g *Gateway) recovered(c *gin.Context, recovered any) {
	sentry.ReportIssuef(sentry.IssueTypeError, g.log, "[Gateway] panic while serving %s %s: %v", c.Request.Method, c.FullPath(), recovered)
	c.AbortWithStatus(http.StatusInternalServerError)
}
