package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_instances_total",
			Help: "Number of instances by lifecycle state and failure domain",
		},
		[]string{"state", "domain"},
	)

	FleetCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_fleet_capacity",
			Help: "Desired number of instances",
		},
	)

	FleetPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_fleet_present",
			Help: "Number of non-terminal instances counted toward capacity",
		},
	)

	BackendPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_backend_pool_size",
			Help: "Number of instances registered with the load balancer",
		},
	)

	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_probes_total",
			Help: "Total number of health probes by verdict",
		},
		[]string{"verdict"},
	)

	// Repair metrics
	RepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_repairs_total",
			Help: "Total number of instances terminated by the repair controller",
		},
	)

	GraceRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_grace_recoveries_total",
			Help: "Total number of failure episodes that recovered within the grace period",
		},
	)

	RetriesExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_retries_exhausted_total",
			Help: "Total number of collaborator operations that spent their retry budget",
		},
		[]string{"operation"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_reconcile_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_instances_created_total",
			Help: "Total number of instances created by the reconciler, by domain",
		},
		[]string{"domain"},
	)

	InstancesDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_instances_drained_total",
			Help: "Total number of instances voluntarily removed, by domain",
		},
		[]string{"domain"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(FleetCapacity)
	prometheus.MustRegister(FleetPresent)
	prometheus.MustRegister(BackendPoolSize)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(RepairsTotal)
	prometheus.MustRegister(GraceRecoveries)
	prometheus.MustRegister(RetriesExhausted)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(InstancesCreated)
	prometheus.MustRegister(InstancesDrained)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
