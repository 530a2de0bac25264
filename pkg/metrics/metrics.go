package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_hosts_total",
			Help: "Total number of hosts by state",
		},
		[]string{"state"},
	)

	HostAllocatedVCPUs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_host_allocated_vcpus",
			Help: "Allocated vCPUs per host",
		},
		[]string{"host"},
	)

	HostAllocatedMemoryMiB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_host_allocated_memory_mib",
			Help: "Allocated memory in MiB per host",
		},
		[]string{"host"},
	)

	// Connection pool metrics
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_pool_size",
			Help: "Connections held per host pool",
		},
		[]string{"host"},
	)

	PoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_pool_active_connections",
			Help: "Checked-out connections per host pool",
		},
		[]string{"host"},
	)

	PoolCheckouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_pool_checkout_count",
			Help: "Total connection checkouts per host pool",
		},
		[]string{"host"},
	)

	PoolFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_pool_failure_count",
			Help: "Total connection failures per host pool",
		},
		[]string{"host"},
	)

	PoolReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_pool_reconnect_count",
			Help: "Total reconnect attempts per host pool",
		},
		[]string{"host"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_scheduling_latency_seconds",
			Help:    "Time taken to select and reserve a host in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_placements_total",
			Help: "Total placement attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_migrations_total",
			Help: "Total migrations by mode and terminal state",
		},
		[]string{"mode", "state"},
	)

	MigrationDowntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_migration_downtime_seconds",
			Help:    "Cutover downtime in seconds",
			Buckets: []float64{.01, .05, .1, .3, .5, 1, 3, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(HostAllocatedVCPUs)
	prometheus.MustRegister(HostAllocatedMemoryMiB)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolActive)
	prometheus.MustRegister(PoolCheckouts)
	prometheus.MustRegister(PoolFailures)
	prometheus.MustRegister(PoolReconnects)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDowntime)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ScrubEndpoint removes credentials from an endpoint before it is used
// as a metric label
func ScrubEndpoint(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == '@' {
			return endpoint[i+1:]
		}
	}
	return endpoint
}
