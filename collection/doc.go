// Package collection implements the synchronized collection: an in-memory,
// ordered set of entities of one type which hydrates from a remote table,
// stays live by applying the table's change events, and applies local
// mutations optimistically before their remote calls resolve.
//
// A Collection never fails terminally. A failed fetch leaves the current set
// in place; a failed or ended subscription marks the Collection Stale, and it
// resubscribes with backoff and refetches to repair missed events. Failed
// remote calls never roll back local state: instead each mutation returns an
// *Op recording the status of its remote call.
package collection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.salesops.dev/core/metrics"
)

var (
	eventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_collection_events_applied_total",
		Help: "Cumulative number of remote change events applied, by table & event type.",
	}, []string{metrics.TableLabel, "type"})
	eventsIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_collection_events_ignored_total",
		Help: "Cumulative number of remote change events ignored due to a tombstone of a locally deleted record.",
	}, []string{metrics.TableLabel})
	recordsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_collection_records_rejected_total",
		Help: "Cumulative number of remote records or events rejected as malformed.",
	}, []string{metrics.TableLabel})
	opsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_collection_ops_resolved_total",
		Help: "Cumulative number of local mutations resolved, by table, operation & status.",
	}, []string{metrics.TableLabel, metrics.OpLabel, metrics.StatusLabel})
	opsPendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "salesops_collection_ops_pending",
		Help: "Number of local mutations having pending remote calls.",
	}, []string{metrics.TableLabel})
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesops_collection_loads_total",
		Help: "Cumulative number of (re)loads of collections, by table & fetch status.",
	}, []string{metrics.TableLabel, metrics.StatusLabel})
	staleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "salesops_collection_stale",
		Help: "Whether the collection lacks a live change subscription (1) or not (0).",
	}, []string{metrics.TableLabel})
)
