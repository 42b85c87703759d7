package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/accounting"
	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/daemon"
	"github.com/fanyadan/my-slurm/pkg/health"
	"github.com/fanyadan/my-slurm/pkg/identity"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/metrics"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/security"
	"github.com/fanyadan/my-slurm/pkg/topology"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// Orchestrator brings up the local node: identities, key, configuration and
// daemons in dependency order, then supervises the daemons
type Orchestrator struct {
	cfg *config.Config

	runner          command.Runner
	launcher        daemon.Launcher
	host            topology.HostInfo
	devices         *topology.DeviceEnumerator
	storeChecker    health.Checker
	logOut          io.Writer
	grace           time.Duration
	runtimeDirs     []RuntimeDir
	collectInterval time.Duration

	prov     *identity.Provisioner
	sup      *daemon.Supervisor
	streamer *daemon.Streamer
	journal  *Journal
	comp     *Composition
	logger   zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRunner replaces the runner used for system tools
func WithRunner(r command.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithLauncher replaces the daemon launcher
func WithLauncher(l daemon.Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithHost replaces host inventory introspection
func WithHost(h topology.HostInfo) Option {
	return func(o *Orchestrator) { o.host = h }
}

// WithDevices replaces GPU device enumeration
func WithDevices(d *topology.DeviceEnumerator) Option {
	return func(o *Orchestrator) { o.devices = d }
}

// WithStoreChecker replaces the accounting store reachability probe
func WithStoreChecker(c health.Checker) Option {
	return func(o *Orchestrator) { o.storeChecker = c }
}

// WithLogOutput sets where daemon log lines are streamed
func WithLogOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.logOut = w }
}

// WithGrace sets the SIGTERM to SIGKILL grace period
func WithGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithRuntimeDirs replaces the daemon runtime directories
func WithRuntimeDirs(dirs []RuntimeDir) Option {
	return func(o *Orchestrator) { o.runtimeDirs = dirs }
}

// New creates an orchestrator for cfg
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:             cfg,
		runner:          command.NewExecRunner(time.Minute),
		launcher:        daemon.ExecLauncher{},
		host:            topology.LocalHost(),
		devices:         topology.NewDeviceEnumerator(cfg.SharedDir),
		storeChecker:    health.NewTCPChecker(cfg.DB.Addr()),
		logOut:          os.Stdout,
		grace:           daemon.DefaultGrace,
		runtimeDirs:     DefaultRuntimeDirs(cfg),
		collectInterval: 5 * time.Second,
		logger:          log.WithNode(cfg.LocalNode),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.prov = identity.FromConfig(cfg, o.runner)
	o.sup = daemon.NewSupervisor(o.grace)
	o.streamer = daemon.NewStreamer(o.logOut)
	o.journal = NewJournal(cfg.StateDir)
	return o
}

// Run executes the bootstrap and supervises the daemons until one exits or
// ctx is cancelled. It returns nil after cancellation, a *StartupError when
// bootstrap failed and a *daemon.ExitError when a daemon exited.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	o.journal.Begin(o.cfg.LocalNode, o.cfg.Role)
	defer func() { o.journal.Finish(err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, o.cfg.MetricsAddr)
	}

	o.logger.Info().
		Str("role", string(o.cfg.Role)).
		Str("cluster", o.cfg.ClusterName).
		Str("run_id", o.journal.RunID()).
		Msg("Bootstrapping node")

	if err := o.start(ctx); err != nil {
		if stopErr := o.sup.StopAll(); stopErr != nil {
			o.logger.Error().Err(stopErr).Msg("Errors while stopping daemons")
		}
		o.streamer.Stop()
		if ctx.Err() != nil {
			o.logger.Info().Msg("Startup interrupted, all daemons stopped")
			return nil
		}
		o.logger.Error().Err(err).Msg("Bootstrap failed")
		return err
	}

	o.journal.Phase(PhaseSupervise)
	metrics.SetPhase(string(PhaseSupervise))
	o.journal.Checkpoint()

	collector := metrics.NewCollector(watched(o.sup.Handles()), o.collectInterval)
	o.sup.Background(collector.Run)
	if o.cfg.Role.RunsController() {
		o.sup.Background(o.resumeNodes)
	}

	o.logger.Info().Int("daemons", len(o.sup.Handles())).Msg("Node is up")
	err = o.sup.Run(ctx)
	o.streamer.Stop()
	return err
}

// start runs every bootstrap phase in order
func (o *Orchestrator) start(ctx context.Context) error {
	err := o.phase(PhasePlan, func() error {
		comp, err := Compose(o.cfg, o.host, o.devices)
		if err != nil {
			return err
		}
		o.comp = comp
		metrics.Tenants.WithLabelValues("valid").Set(float64(len(comp.Registry.Tenants)))
		metrics.Tenants.WithLabelValues("rejected").Set(float64(len(comp.Registry.Rejected)))
		for _, w := range comp.Topology.Workers {
			metrics.GPUShare.WithLabelValues(w.Name).Set(float64(w.GPUs))
		}
		return nil
	})
	if err != nil {
		return err
	}

	var ready []types.TenantSpec
	err = o.phase(PhaseIdentity, func() error {
		var err error
		ready, err = o.prov.Provision(ctx, identity.PlanFromConfig(o.cfg, o.comp.Registry.Tenants))
		if err != nil {
			return err
		}
		metrics.Tenants.WithLabelValues("provisioned").Set(float64(len(ready)))
		names := make([]string, 0, len(ready))
		for _, t := range ready {
			names = append(names, t.Name)
		}
		o.journal.SetTenants(names)
		return nil
	})
	if err != nil {
		return err
	}

	err = o.phase(PhaseKey, func() error {
		key, err := security.NewKeyCoordinator(o.cfg, o.prov.Chown).Ensure(ctx, o.cfg.Role)
		if err != nil {
			return err
		}
		o.journal.SetKey(key.Fingerprint)
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.phase(PhaseRender, o.writeConfig); err != nil {
		return err
	}
	if err := o.phase(PhaseRuntimeDirs, o.ensureRuntimeDirs); err != nil {
		return err
	}
	if err := o.phase(PhaseMunge, func() error { return o.launch(o.mungeSpec()) }); err != nil {
		return err
	}

	if o.cfg.Role.RunsController() {
		if err := o.startController(ctx); err != nil {
			return err
		}
	}

	if o.cfg.Role.RunsWorker() {
		err := o.phase(PhaseSlurmd, func() error {
			return o.launch(o.slurmdSpec(o.comp.Topology.Local.Name))
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) startController(ctx context.Context) error {
	err := o.phase(PhaseStoreWait, func() error {
		_, err := health.Wait(ctx, "accounting store "+o.cfg.DB.Addr(), o.storeChecker, o.cfg.DBWait, countAttempt("store"))
		return err
	})
	if err != nil {
		return err
	}

	if err := o.phase(PhaseSlurmdbd, func() error { return o.launch(o.slurmdbdSpec()) }); err != nil {
		return err
	}

	err = o.phase(PhaseDbdWait, func() error {
		_, err := health.Wait(ctx, types.DaemonSlurmdbd, health.AccountingChecker(o.runner), o.cfg.DbdWait, countAttempt(types.DaemonSlurmdbd))
		return err
	})
	if err != nil {
		return err
	}

	err = o.phase(PhaseAccounting, func() error {
		plan := accounting.Plan{
			Cluster:      o.cfg.ClusterName,
			AdminAccount: o.cfg.AdminAccount,
			Tenants:      o.comp.Registry.Tenants,
		}
		if o.cfg.Host != nil {
			plan.AdminUsers = []string{o.cfg.Host.Name}
		}
		entities, err := accounting.NewBootstrapper(o.runner).Bootstrap(ctx, plan)
		for _, e := range entities {
			metrics.AccountingEntities.WithLabelValues(e.Kind, entityResult(e)).Inc()
		}
		o.journal.Confirmed(entities)
		return err
	})
	if err != nil {
		return err
	}

	return o.phase(PhaseSlurmctld, func() error { return o.launch(o.slurmctldSpec()) })
}

// writeConfig places the rendered files in every configuration root and
// checks the required ones are in place
func (o *Orchestrator) writeConfig() error {
	written, err := render.NewWriter(o.cfg.ConfDirs, o.prov.Chown).Write(o.comp.Files)
	if err != nil {
		return err
	}
	for _, w := range written {
		metrics.ConfigWrites.WithLabelValues(filepath.Base(w.Path), strconv.FormatBool(w.Changed)).Inc()
	}
	o.journal.Rendered(written)

	required := []string{render.SlurmConf}
	if o.cfg.Role.RunsController() {
		required = append(required, render.SlurmdbdConf)
	}
	for _, dir := range o.cfg.ConfDirs {
		for _, name := range required {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("required configuration %s missing: %w", path, err)
			}
		}
	}
	return nil
}

// launch starts spec, registers it with the supervisor and follows its log
func (o *Orchestrator) launch(spec types.DaemonSpec) error {
	var offset int64
	if info, err := os.Stat(spec.LogPath); err == nil {
		offset = info.Size()
	}

	h, err := o.launcher.Start(spec)
	if err != nil {
		return err
	}
	o.sup.Add(h)
	metrics.ReportDaemon(spec.Tag, true, "started")

	if spec.LogPath != "" {
		// Streaming failures are already logged by the streamer
		_ = o.streamer.Follow(spec.Tag, spec.LogPath, offset)
	}
	return nil
}

// resumeNodes waits for the controller and returns every worker to
// service. It never fails the node.
func (o *Orchestrator) resumeNodes(ctx context.Context) {
	_, err := health.Wait(ctx, types.DaemonSlurmctld, health.ControllerChecker(o.runner), o.cfg.CtldWait, countAttempt(types.DaemonSlurmctld))
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn().Err(err).Msg("Controller not responding, skipping node resume")
		}
		return
	}

	for _, node := range o.comp.Topology.WorkerNames() {
		if _, err := o.runner.Run(ctx, "scontrol", "update", "NodeName="+node, "State=RESUME"); err != nil {
			o.logger.Debug().Err(err).Str("node_name", node).Msg("Node resume failed")
			continue
		}
		o.logger.Info().Str("node_name", node).Msg("Node resumed")
	}
}

func (o *Orchestrator) phase(p Phase, fn func() error) error {
	o.journal.Phase(p)
	metrics.SetPhase(string(p))
	o.logger.Debug().Str("phase", string(p)).Msg("Entering phase")

	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.PhaseDuration, string(p))

	if err != nil {
		return &StartupError{Phase: p, Err: err}
	}
	return nil
}

func countAttempt(target string) func(health.Result) {
	return func(r health.Result) {
		result := "failure"
		if r.Healthy {
			result = "success"
		}
		metrics.WaitAttempts.WithLabelValues(target, result).Inc()
	}
}

func entityResult(e accounting.Entity) string {
	switch {
	case e.Err != nil:
		return "failed"
	case e.Created:
		return "created"
	default:
		return "exists"
	}
}

func watched(handles []daemon.Handle) []metrics.Watched {
	out := make([]metrics.Watched, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}
