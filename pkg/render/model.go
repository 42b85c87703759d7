package render

import (
	"fmt"
	"strings"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/topology"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// Plugin pairs selected by the isolation toggle
const (
	ProctrackCgroup    = "proctrack/cgroup"
	ProctrackLinuxproc = "proctrack/linuxproc"
	TaskCgroup         = "task/cgroup,task/affinity"
	TaskNone           = "task/none"
)

// Fixed administrative partitions
const (
	PartitionDebug = "debug"
	PartitionGPU   = "gpu"
)

// NodeLine is one compute node declaration
type NodeLine struct {
	Name     string
	Addr     string
	CPUs     int
	MemoryMB int64
	Gres     string
}

// Line renders the NodeName statement
func (n NodeLine) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "NodeName=%s NodeAddr=%s CPUs=%d RealMemory=%d", n.Name, n.Addr, n.CPUs, n.MemoryMB)
	if n.Gres != "" {
		fmt.Fprintf(&b, " Gres=%s", n.Gres)
	}
	b.WriteString(" State=UNKNOWN")
	return b.String()
}

// Partition is one partition declaration
type Partition struct {
	Name    string
	Nodes   []string
	Default bool
	// Access holds allow-list attributes such as AllowGroups=a,b
	Access []string
}

// Line renders the PartitionName statement
func (p Partition) Line() string {
	def := "NO"
	if p.Default {
		def = "YES"
	}
	parts := []string{
		"PartitionName=" + p.Name,
		"Nodes=" + strings.Join(p.Nodes, ","),
		"Default=" + def,
		"MaxTime=INFINITE",
		"State=UP",
	}
	parts = append(parts, p.Access...)
	return strings.Join(parts, " ")
}

// Document is the typed cluster configuration. Every value that used to be
// a textual placeholder is a field here and is rendered exactly once.
type Document struct {
	ClusterName    string
	ControlMachine string
	ControlAddr    string
	AccountingHost string
	LogDir         string

	ProctrackType string
	TaskPlugin    string
	Isolation     bool
	GresTypes     []string

	Nodes []NodeLine
	// AdminPartitions are debug and gpu; TenantPartitions follow registry order
	AdminPartitions  []Partition
	TenantPartitions []Partition

	GresBindings []topology.GresBinding

	DB      config.Database
	DbdHost string
}

// Partitions returns admin partitions followed by tenant partitions
func (d *Document) Partitions() []Partition {
	out := make([]Partition, 0, len(d.AdminPartitions)+len(d.TenantPartitions))
	out = append(out, d.AdminPartitions...)
	return append(out, d.TenantPartitions...)
}

// Inputs are the resolved values a Document is built from
type Inputs struct {
	Config   *config.Config
	Topology *topology.Topology
	Tenants  []types.TenantSpec
	// Bindings are the local node's GPU device bindings
	Bindings []topology.GresBinding
}

// Build assembles the document and checks that every partition only
// references declared nodes
func Build(in Inputs) (*Document, error) {
	cfg, topo := in.Config, in.Topology
	workers := topo.WorkerNames()

	doc := &Document{
		ClusterName:    cfg.ClusterName,
		ControlMachine: topo.Controller.Name,
		ControlAddr:    topo.Controller.Addr,
		AccountingHost: cfg.DbdHost,
		LogDir:         cfg.LogDir,
		Isolation:      cfg.Isolation,
		GresBindings:   in.Bindings,
		DB:             cfg.DB,
		DbdHost:        cfg.DbdHost,
	}

	if cfg.Isolation {
		doc.ProctrackType, doc.TaskPlugin = ProctrackCgroup, TaskCgroup
	} else {
		doc.ProctrackType, doc.TaskPlugin = ProctrackLinuxproc, TaskNone
	}

	if topo.GPUs.Total > 0 {
		doc.GresTypes = []string{"gpu"}
	}

	for _, w := range topo.Workers {
		doc.Nodes = append(doc.Nodes, NodeLine{
			Name:     w.Name,
			Addr:     w.Addr,
			CPUs:     w.CPUs,
			MemoryMB: w.MemoryMB,
			Gres:     topology.GresString(w.GPUs),
		})
	}

	adminAccess := AdminAccess(in.Tenants, cfg.AdminGroup)
	doc.AdminPartitions = []Partition{
		{Name: PartitionDebug, Nodes: workers, Default: true, Access: adminAccess},
		{Name: PartitionGPU, Nodes: workers, Access: adminAccess},
	}

	for _, t := range in.Tenants {
		doc.TenantPartitions = append(doc.TenantPartitions, Partition{
			Name:   t.Name,
			Nodes:  workers,
			Access: TenantAccess(t.Name, cfg.AdminGroup, cfg.AdminAccount),
		})
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate enforces that partitions reference declared nodes only
func (d *Document) Validate() error {
	known := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		known[n.Name] = true
	}
	for _, p := range d.Partitions() {
		if len(p.Nodes) == 0 {
			return fmt.Errorf("partition %s has no nodes", p.Name)
		}
		for _, n := range p.Nodes {
			if !known[n] {
				return fmt.Errorf("partition %s references unknown node %s", p.Name, n)
			}
		}
	}
	return nil
}

// AdminAccess is the access string of the debug and gpu partitions: open to
// everyone without tenants, restricted to root and the admin group otherwise
func AdminAccess(tenants []types.TenantSpec, adminGroup string) []string {
	if len(tenants) == 0 || adminGroup == "" {
		return []string{"AllowGroups=ALL"}
	}
	return []string{"AllowGroups=root," + adminGroup}
}

// TenantAccess restricts a tenant partition to the tenant and the optional
// admin group and account
func TenantAccess(name, adminGroup, adminAccount string) []string {
	groups := []string{name}
	if adminGroup != "" {
		groups = append(groups, adminGroup)
	}
	accounts := []string{name}
	if adminAccount != "" {
		accounts = append(accounts, adminAccount)
	}
	return []string{
		"AllowGroups=" + strings.Join(groups, ","),
		"AllowAccounts=" + strings.Join(accounts, ","),
	}
}
