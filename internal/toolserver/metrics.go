package toolserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "halcyon_tool_calls_total",
		Help: "Total tool invocations by server, tool, and outcome.",
	}, []string{"server", "tool", "outcome"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "halcyon_tool_call_duration_seconds",
		Help:    "Tool invocation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "tool"})

	serversReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "halcyon_tool_servers_ready",
		Help: "Number of tool servers currently connected and ready.",
	})

	serverPingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "halcyon_tool_server_pings_total",
		Help: "Total health probe pings by result.",
	}, []string{"result"})
)

func recordToolCall(server, tool, outcome string, seconds float64) {
	toolCallsTotal.WithLabelValues(server, tool, outcome).Inc()
	toolCallDuration.WithLabelValues(server, tool).Observe(seconds)
}

func recordPing(success bool) {
	if success {
		serverPingsTotal.WithLabelValues("success").Inc()
	} else {
		serverPingsTotal.WithLabelValues("failure").Inc()
	}
}
