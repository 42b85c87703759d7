/*
Package metrics provides Prometheus metrics and health endpoints for the
bootstrap orchestrator.

All metrics are registered on the default registry at package init and are
prefixed slurmboot_:

	slurmboot_phase_duration_seconds{phase}       bootstrap phase latency
	slurmboot_wait_attempts_total{target,result}  readiness probe attempts
	slurmboot_config_writes_total{file,changed}   configuration writes
	slurmboot_accounting_entities_total{kind,result}
	slurmboot_tenants{state}                      valid, rejected, provisioned
	slurmboot_gpu_share{node}                     GPUs per compute node
	slurmboot_daemon_up{daemon}                   1 while running
	slurmboot_daemon_exit_code{daemon}

# Health

The health registry tracks the bootstrap phase and one entry per
supervised daemon. The
Collector polls daemon liveness and updates both the registry and the
daemon gauges. /ready reports ready only when every required daemon is
running; before the daemons are known the node is not ready.

# Endpoints

When SLURMBOOT_METRICS_ADDR is set, Serve exposes:

	/metrics  Prometheus exposition
	/health   200 while no supervised daemon has stopped, 503 otherwise
	/ready    200 when every required daemon runs
	/live     200 while the orchestrator process is alive

Timing a phase:

	timer := metrics.NewTimer()
	err := render()
	timer.ObserveDurationVec(metrics.PhaseDuration, "render")
*/
package metrics
