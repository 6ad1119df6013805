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


package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
)

const (
	// Component Labels.
	ComponentScheduler         = "scheduler"
	ComponentMutationExecutor  = "mutation_executor"
	ComponentQueryExecutor     = "query_executor"
	ComponentSubscription      = "subscription"
	ComponentRegistry          = "registry"
	ComponentMembership        = "membership"
	ComponentStore             = "store"
	ComponentGateway           = "gateway"
	ComponentStarvationChecker = "starvation_checker"

	// Queue Labels.
	QueueMutations = "mutations"
	QueueQueries   = "queries"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "sib"
	subsystem = "broker"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	schedulerCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_cycles_total",
			Help:      "Total number of completed scheduler cycles",
		},
	)

	cycleDuration = promauto.NewSummary(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_cycle_duration_milliseconds",
			Help:      "Time taken by one scheduler cycle (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
	)

	batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_size",
			Help:      "Number of operations drained from a queue in one cycle",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
		[]string{"queue"},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of executed operations by kind and resulting status",
		},
		[]string{"kind", "status"},
	)

	operationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_latency_seconds",
			Help:      "Time from submission to completion of an operation",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"kind"},
	)

	activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions currently held in the registry",
		},
	)

	joinedKPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "joined_kps",
			Help:      "Number of knowledge processors currently joined",
		},
	)

	indicationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "indications_total",
			Help:      "Total number of subscription indications emitted",
		},
	)

	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_starved_total_seconds",
			Help:      "Total seconds queued work waited without a completed scheduler cycle",
		},
	)
)

// DebugProvider exposes broker introspection data on the debug endpoint.
// The returned value must be JSON-serializable.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

var (
	debugProviders   = make(map[string]DebugProvider)
	debugProvidersMu sync.RWMutex
)

func RegisterDebugProvider(name string, provider DebugProvider) {
	debugProvidersMu.Lock()
	defer debugProvidersMu.Unlock()

	debugProviders[name] = provider
}

func UnregisterDebugProvider(name string) {
	debugProvidersMu.Lock()
	defer debugProvidersMu.Unlock()

	delete(debugProviders, name)
}

func handleDebug(w http.ResponseWriter, _ *http.Request) {
	debugProvidersMu.RLock()

	result := make(map[string]interface{}, len(debugProviders))
	for name, provider := range debugProviders {
		result[name] = provider.GetDebugInfo()
	}

	debugProvidersMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetupMetricsEndpoint starts serving /metrics and /debug/broker on addr in
// the background. The caller owns shutdown of the returned server.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/broker", handleDebug)

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter and logs the error.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Errorf("%s/%s: %s", component, instance, err)
	}
}

func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter makes the series visible with a zero value.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

func ObserveCycle(duration time.Duration) {
	schedulerCycles.Inc()
	cycleDuration.Observe(float64(duration.Microseconds()) / 1000.0)
}

func ObserveBatchSize(queue string, size int) {
	batchSize.WithLabelValues(queue).Observe(float64(size))
}

func RecordOperation(kind, status string, latency time.Duration) {
	operationsTotal.WithLabelValues(kind, status).Inc()
	operationLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

func SetJoinedKPs(n int) {
	joinedKPs.Set(float64(n))
}

func IncIndications() {
	indicationsTotal.Inc()
}

func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}
