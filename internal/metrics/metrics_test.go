package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectResult("connected")
	m.ConnectResult("connected")
	m.ConnectResult("init_failed")
	m.Invocation("executed")
	m.CollectionTurn("completed")
	m.RoutingDecision("respond")
	m.ObserveToolCall("weather-app", 20*time.Millisecond)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"connected", m.connects.WithLabelValues("connected"), 2},
		{"init_failed", m.connects.WithLabelValues("init_failed"), 1},
		{"executed", m.invocations.WithLabelValues("executed"), 1},
		{"completed", m.collectionTurns.WithLabelValues("completed"), 1},
		{"respond", m.routingDecisions.WithLabelValues("respond"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.toolCallDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectResult("connected")
	m.Invocation("failed")
	m.CollectionTurn("continued")
	m.RoutingDecision("invoke_tool")
	m.ObserveToolCall("x", time.Second)
}
