// Package metrics defines label keys and collectors shared by packages which
// reach the remote store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keys for salesops metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	TableLabel  = "table"
	OpLabel     = "op"
	StatusLabel = "status"
)

// Collectors of remote Gateway calls.
var (
	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_gateway_calls_total",
		Help: "Cumulative number of remote gateway calls, by table, operation & status.",
	}, []string{TableLabel, OpLabel, StatusLabel})
	GatewayCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesops_gateway_call_seconds",
		Help:    "Latency of remote gateway calls, by table & operation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{TableLabel, OpLabel})
)

// Status maps an error to its Ok or Fail status label.
func Status(err error) string {
	if err != nil {
		return Fail
	}
	return Ok
}
