/*
Package bootstrap sequences the start of one cluster node.

A node runs one of three roles. The controller role runs the accounting
daemon and the controller, the worker role runs the compute daemon, and the
all role runs everything. Every role runs the authentication daemon.

# Phases

	plan          resolve topology and tenants, render configuration in memory
	identity      service accounts, host identity, tenants, admin group
	key           create (controller) or wait for the shared cluster key
	render        write configuration into every configuration root
	runtime-dirs  spool, run and log directories
	munged        start the authentication daemon
	store-wait    controller: wait for the accounting store (fatal)
	slurmdbd      controller: start the accounting daemon
	slurmdbd-wait controller: wait until sacctmgr answers (fatal)
	accounting    controller: register cluster, accounts and users
	slurmctld     controller: start the controller
	slurmd        worker: start the compute daemon
	supervise     wait for the first daemon exit

A failure in any phase stops the daemons started so far and is returned as
a *StartupError, which the command maps to exit code 70.

# Supervision

Once every daemon runs, the orchestrator streams daemon logs with a [tag]
prefix, mirrors daemon liveness into metrics and, on controller roles,
resumes the compute nodes as soon as the controller answers. The first
daemon to exit stops the others and its exit code becomes the node's exit
code. Cancelling the context stops everything and Run returns nil.

Each run is recorded in the local journal together with the digests of the
files it wrote and the accounting entities it confirmed.
*/
package bootstrap
