package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bootstrap metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slurmboot_phase_duration_seconds",
			Help:    "Duration of each bootstrap phase in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	WaitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmboot_wait_attempts_total",
			Help: "Readiness probe attempts by target and result",
		},
		[]string{"target", "result"},
	)

	ConfigWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmboot_config_writes_total",
			Help: "Configuration files written by file name and whether content changed",
		},
		[]string{"file", "changed"},
	)

	AccountingEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slurmboot_accounting_entities_total",
			Help: "Accounting entities requested by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Inventory metrics
	Tenants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slurmboot_tenants",
			Help: "Tenant entries by state (valid, rejected, provisioned)",
		},
		[]string{"state"},
	)

	GPUShare = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slurmboot_gpu_share",
			Help: "GPUs assigned per compute node",
		},
		[]string{"node"},
	)

	// Daemon metrics
	DaemonUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slurmboot_daemon_up",
			Help: "Whether a supervised daemon is running (1 = running, 0 = exited)",
		},
		[]string{"daemon"},
	)

	DaemonExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slurmboot_daemon_exit_code",
			Help: "Exit code of a daemon that has exited",
		},
		[]string{"daemon"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(WaitAttempts)
	prometheus.MustRegister(ConfigWrites)
	prometheus.MustRegister(AccountingEntities)
	prometheus.MustRegister(Tenants)
	prometheus.MustRegister(GPUShare)
	prometheus.MustRegister(DaemonUp)
	prometheus.MustRegister(DaemonExitCode)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
