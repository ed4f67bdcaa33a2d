// Package metrics exposes the orchestrator's Prometheus collectors. The
// per-node allocated and worker-slot gauges are fed from inbound
// metrics:node frames; the remaining
// collectors are registered but not updated by any orchestrator component.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the metric families this component exposes, registered
// against a single prometheus.Registerer at composition-root time.
type Registry struct {
	ConnectedNodes     prometheus.Gauge
	NodesByStatus      *prometheus.GaugeVec
	PodsByStatus       *prometheus.GaugeVec
	SchedulingFailures prometheus.Counter
	ReconcileTicks     prometheus.Counter
	ReconcileDuration  prometheus.Histogram
	NodeAllocated      *prometheus.GaugeVec
	NodeAvailable      *prometheus.GaugeVec
	WorkerSlotsTotal   *prometheus.GaugeVec
	WorkerSlotsFree    *prometheus.GaugeVec
	DispatchRPCTimeout prometheus.Counter
}

// New constructs and registers all collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ConnectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "connected_nodes",
			Help:      "Number of nodes with an active channel connection.",
		}),
		NodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "nodes_by_status",
			Help:      "Number of nodes currently in each status.",
		}, []string{"status"}),
		PodsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "pods_by_status",
			Help:      "Number of pods currently in each status.",
		}, []string{"status"}),
		SchedulingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "scheduling_failures_total",
			Help:      "Total number of pod placements that found no compatible node.",
		}),
		ReconcileTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "reconcile_ticks_total",
			Help:      "Total number of reconcile passes executed.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetforge",
			Subsystem: "orchestrator",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a full reconcile pass across all active deployments.",
			Buckets:   prometheus.DefBuckets,
		}),
		NodeAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "node",
			Name:      "allocated",
			Help:      "Allocated resource quantity per node, by resource name.",
		}, []string{"node_id", "resource"}),
		NodeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "node",
			Name:      "available",
			Help:      "Allocatable resource quantity per node, by resource name.",
		}, []string{"node_id", "resource"}),
		WorkerSlotsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "node",
			Name:      "worker_slots_total",
			Help:      "Total worker slots reported by a node's last metrics:node frame.",
		}, []string{"node_id"}),
		WorkerSlotsFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetforge",
			Subsystem: "node",
			Name:      "worker_slots_free",
			Help:      "Free worker slots reported by a node's last metrics:node frame.",
		}, []string{"node_id"}),
		DispatchRPCTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetforge",
			Subsystem: "dispatch",
			Name:      "rpc_timeouts_total",
			Help:      "Total number of pod:deploy/pod:stop RPCs that exceeded their deadline.",
		}),
	}

	reg.MustRegister(
		m.ConnectedNodes,
		m.NodesByStatus,
		m.PodsByStatus,
		m.SchedulingFailures,
		m.ReconcileTicks,
		m.ReconcileDuration,
		m.NodeAllocated,
		m.NodeAvailable,
		m.WorkerSlotsTotal,
		m.WorkerSlotsFree,
		m.DispatchRPCTimeout,
	)
	return m
}

// ObserveNodeMetrics records a node's self-reported resource and
// worker-slot figures from an inbound metrics:node frame.
func (m *Registry) ObserveNodeMetrics(nodeID string, allocated map[string]float64, slotsTotal, slotsFree int) {
	for resource, qty := range allocated {
		m.NodeAllocated.WithLabelValues(nodeID, resource).Set(qty)
	}
	m.WorkerSlotsTotal.WithLabelValues(nodeID).Set(float64(slotsTotal))
	m.WorkerSlotsFree.WithLabelValues(nodeID).Set(float64(slotsFree))
}

// SetNodeCounts overwrites the nodes-by-status gauge from a fresh count
// snapshot, clearing any status not present in counts.
func (m *Registry) SetNodeCounts(counts map[string]int) {
	m.NodesByStatus.Reset()
	for status, n := range counts {
		m.NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetPodCounts overwrites the pods-by-status gauge from a fresh count
// snapshot.
func (m *Registry) SetPodCounts(counts map[string]int) {
	m.PodsByStatus.Reset()
	for status, n := range counts {
		m.PodsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
