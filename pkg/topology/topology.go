// Package topology derives the node inventory of the three-node cluster
// (one controller, two compute nodes) from configuration and from the host
// the orchestrator runs on.
package topology

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pbnjay/memory"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/types"
)

var gpuCountPattern = regexp.MustCompile(`^[0-9]+$`)

// Topology is the resolved cluster layout as seen from the local node
type Topology struct {
	Controller types.NodeSpec
	Workers    [2]types.NodeSpec
	GPUs       types.GpuAllocation
	// Local is the node this process configures
	Local types.NodeSpec
}

// HostInfo reports host inventory; replaced in tests
type HostInfo interface {
	CPUs() int
	MemoryMB() int64
}

type localHost struct{}

func (localHost) CPUs() int { return runtime.NumCPU() }

func (localHost) MemoryMB() int64 {
	return int64(memory.TotalMemory() / units.MiB)
}

// LocalHost returns the HostInfo of the running machine
func LocalHost() HostInfo {
	return localHost{}
}

// Resolve builds the topology for cfg using host for inventory that the
// configuration does not pin.
func Resolve(cfg *config.Config, host HostInfo) *Topology {
	logger := log.WithComponent("topology")

	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = host.CPUs()
	}
	memMB := cfg.MemoryMB
	if memMB <= 0 {
		memMB = host.MemoryMB()
	}

	gpus := SplitGPUs(ParseGPUCount(cfg.GPUCount))

	t := &Topology{
		Controller: types.NodeSpec{
			Name: cfg.ControllerHost,
			Addr: cfg.ControllerHost,
			Role: types.NodeRoleController,
		},
		GPUs: gpus,
	}
	t.Workers[0] = types.NodeSpec{
		Name: cfg.NodeA, Addr: cfg.NodeA, Role: types.NodeRoleWorker,
		CPUs: cpus, MemoryMB: memMB, GPUs: gpus.NodeA,
	}
	t.Workers[1] = types.NodeSpec{
		Name: cfg.NodeB, Addr: cfg.NodeB, Role: types.NodeRoleWorker,
		CPUs: cpus, MemoryMB: memMB, GPUs: gpus.NodeB,
	}

	t.Local = t.lookupLocal(cfg.LocalNode, cfg.Role, cpus, memMB)

	logger.Info().
		Str("controller", t.Controller.Name).
		Str("node_a", t.Workers[0].Name).
		Str("node_b", t.Workers[1].Name).
		Str("local", t.Local.Name).
		Int("cpus", cpus).
		Str("memory", units.BytesSize(float64(memMB*units.MiB))).
		Int("gpus_total", gpus.Total).
		Int("gpus_a", gpus.NodeA).
		Int("gpus_b", gpus.NodeB).
		Msg("Resolved topology")

	return t
}

func (t *Topology) lookupLocal(name string, role types.NodeRole, cpus int, memMB int64) types.NodeSpec {
	for _, w := range t.Workers {
		if w.Name == name {
			w.Role = role
			return w
		}
	}
	if name == t.Controller.Name {
		c := t.Controller
		c.Role = role
		return c
	}
	// Unknown local name: it gets inventory but never GPUs
	return types.NodeSpec{Name: name, Addr: name, Role: role, CPUs: cpus, MemoryMB: memMB}
}

// Nodes returns the controller followed by both workers
func (t *Topology) Nodes() []types.NodeSpec {
	return []types.NodeSpec{t.Controller, t.Workers[0], t.Workers[1]}
}

// WorkerNames returns the compute node names in order
func (t *Topology) WorkerNames() []string {
	return []string{t.Workers[0].Name, t.Workers[1].Name}
}

// HasNode reports whether name is part of the inventory
func (t *Topology) HasNode(name string) bool {
	for _, n := range t.Nodes() {
		if n.Name == name {
			return true
		}
	}
	return false
}

// ParseGPUCount accepts only a non-negative integer literal. Anything else,
// including an empty value, resolves to zero.
func ParseGPUCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if !gpuCountPattern.MatchString(raw) {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// SplitGPUs gives node A the ceiling and node B the floor of total/2
func SplitGPUs(total int) types.GpuAllocation {
	if total < 0 {
		total = 0
	}
	return types.GpuAllocation{
		Total: total,
		NodeA: (total + 1) / 2,
		NodeB: total / 2,
	}
}

// GresString is the node-line GRES attribute for a share, empty for zero
func GresString(share int) string {
	if share <= 0 {
		return ""
	}
	return fmt.Sprintf("gpu:%d", share)
}
