package types

import (
	"fmt"
	"os"
	"strings"
)

// NodeRole selects which daemons a container runs locally
type NodeRole string

const (
	NodeRoleController NodeRole = "controller"
	NodeRoleWorker     NodeRole = "worker"
	NodeRoleAll        NodeRole = "all"
)

// ParseNodeRole maps the role selector to a NodeRole. "both" is accepted as an
// alias for "all"; an empty value selects "all".
func ParseNodeRole(s string) (NodeRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "both":
		return NodeRoleAll, nil
	case "controller", "ctld":
		return NodeRoleController, nil
	case "worker", "compute":
		return NodeRoleWorker, nil
	default:
		return "", fmt.Errorf("unknown role %q (want all, controller or worker)", s)
	}
}

// RunsController reports whether the role starts slurmdbd and slurmctld
func (r NodeRole) RunsController() bool {
	return r == NodeRoleAll || r == NodeRoleController
}

// RunsWorker reports whether the role starts slurmd
func (r NodeRole) RunsWorker() bool {
	return r == NodeRoleAll || r == NodeRoleWorker
}

// NodeSpec describes one node of the cluster topology
type NodeSpec struct {
	Name     string
	Addr     string
	Role     NodeRole
	CPUs     int
	MemoryMB int64
	GPUs     int
}

// GpuAllocation is the split of the cluster GPU total across the two workers
type GpuAllocation struct {
	Total int
	NodeA int
	NodeB int
}

// TenantSpec is one validated tenant: a login identity, an accounting
// account and a partition share the same name
type TenantSpec struct {
	Name string `yaml:"name" json:"name"`
	UID  int    `yaml:"uid" json:"uid"`
	GID  int    `yaml:"gid" json:"gid"`
}

// Identity is a system user that must exist before daemons start
type Identity struct {
	Name  string
	UID   int // 0 lets the system pick
	GID   int
	Home  string
	Shell string
	// System identities get no login shell and no home directory creation
	System bool
}

// Daemon tags
const (
	DaemonMunge     = "munged"
	DaemonSlurmdbd  = "slurmdbd"
	DaemonSlurmctld = "slurmctld"
	DaemonSlurmd    = "slurmd"
)

// DaemonSpec describes how to launch one supervised daemon
type DaemonSpec struct {
	Tag     string
	Path    string
	Args    []string
	Env     []string
	LogPath string
	// Run as this identity when non-nil
	User *Identity
}

// FileMode values used for generated files
const (
	ModeConfig    os.FileMode = 0644
	ModePrivate   os.FileMode = 0600
	ModeKey       os.FileMode = 0400
	ModeTenantDir os.FileMode = 0770
)
