/*
Package types defines the data structures shared by every slurmboot package.

The types here describe the cluster a container is bootstrapping: the node
topology, the GPU split across the two compute nodes, the tenant registry,
the system identities that must exist before daemons start, and the daemons
the sequencer launches.

# Core Types

Topology:
  - NodeRole: controller, worker, or all (both)
  - NodeSpec: name, address, role, CPU/memory inventory and GPU share
  - GpuAllocation: total GPUs split ceil/floor across node A and node B

Tenancy:
  - TenantSpec: validated tenant name with uid and gid
  - Identity: a system user the identity provisioner ensures

Daemons:
  - DaemonSpec: binary, arguments, log file and run-as identity
  - DaemonMunge, DaemonSlurmdbd, DaemonSlurmctld, DaemonSlurmd tags

All values are computed once per process start and treated as immutable
afterwards; packages pass them by value or by read-only pointer.
*/
package types
