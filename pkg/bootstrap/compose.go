package bootstrap

import (
	"fmt"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/tenant"
	"github.com/fanyadan/my-slurm/pkg/topology"
)

// Composition is everything derived from configuration before any side
// effect on users, keys or daemons
type Composition struct {
	Topology *topology.Topology
	Registry *tenant.Registry
	Bindings []topology.GresBinding
	Document *render.Document
	Files    *render.Set
}

// Compose resolves the topology and tenant registry and renders the
// configuration files for the local node. Every node composes the same
// registry, so slurm.conf is identical cluster-wide.
func Compose(cfg *config.Config, host topology.HostInfo, devices *topology.DeviceEnumerator) (*Composition, error) {
	topo := topology.Resolve(cfg, host)
	reg := tenant.Parse(cfg.Tenants, cfg.TenantUIDBase, cfg.TenantGIDBase)

	bindings, err := devices.Bindings(topo.Local.Name, topo.Local.GPUs)
	if err != nil {
		return nil, fmt.Errorf("failed to bind GPU devices: %w", err)
	}

	doc, err := render.Build(render.Inputs{
		Config:   cfg,
		Topology: topo,
		Tenants:  reg.Tenants,
		Bindings: bindings,
	})
	if err != nil {
		return nil, err
	}

	files, err := doc.Render(render.Options{IncludeDbd: cfg.Role.RunsController()})
	if err != nil {
		return nil, err
	}

	return &Composition{
		Topology: topo,
		Registry: reg,
		Bindings: bindings,
		Document: doc,
		Files:    files,
	}, nil
}
