// Package metrics exposes Prometheus collectors for session activity.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"apphost/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session collectors. A nil *Metrics records nothing.
type Metrics struct {
	connects         *prometheus.CounterVec
	invocations      *prometheus.CounterVec
	collectionTurns  *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphost_connects_total",
			Help: "Connection attempts by result.",
		}, []string{"result"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphost_tool_invocations_total",
			Help: "Tool invocations by result.",
		}, []string{"result"}),
		collectionTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphost_collection_turns_total",
			Help: "Parameter collection turns by outcome.",
		}, []string{"outcome"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphost_routing_decisions_total",
			Help: "Message routing decisions by action.",
		}, []string{"action"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apphost_tool_call_duration_seconds",
			Help:    "Latency of tool calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"app"}),
	}
	if reg != nil {
		reg.MustRegister(m.connects, m.invocations, m.collectionTurns, m.routingDecisions, m.toolCallDuration)
	}
	return m
}

// ConnectResult counts a connection attempt ("connected", "init_failed", "list_failed").
func (m *Metrics) ConnectResult(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

// Invocation counts a tool invocation outcome.
func (m *Metrics) Invocation(result string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(result).Inc()
}

// CollectionTurn counts one parameter collection turn.
func (m *Metrics) CollectionTurn(outcome string) {
	if m == nil {
		return
	}
	m.collectionTurns.WithLabelValues(outcome).Inc()
}

// RoutingDecision counts a classified message.
func (m *Metrics) RoutingDecision(action string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(action).Inc()
}

// ObserveToolCall records how long a tool call took.
func (m *Metrics) ObserveToolCall(appID string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCallDuration.WithLabelValues(appID).Observe(d.Seconds())
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logging.Info("metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
