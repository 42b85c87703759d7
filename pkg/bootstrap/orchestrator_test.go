package bootstrap

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/daemon"
	"github.com/fanyadan/my-slurm/pkg/health"
	"github.com/fanyadan/my-slurm/pkg/identity"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/security"
	"github.com/fanyadan/my-slurm/pkg/storage"
	"github.com/fanyadan/my-slurm/pkg/topology"
	"github.com/fanyadan/my-slurm/pkg/types"
)

type staticHost struct{}

func (staticHost) CPUs() int       { return 4 }
func (staticHost) MemoryMB() int64 { return 8000 }

// fakeHandle is a daemon that runs until exit or Stop is called
type fakeHandle struct {
	tag  string
	done chan struct{}
	once sync.Once
	code int

	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
	})
}

func (h *fakeHandle) Tag() string           { return h.tag }
func (h *fakeHandle) Pid() int              { return 4242 }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitCode() int         { return h.code }

func (h *fakeHandle) Stop(time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(143)
	return nil
}

func (h *fakeHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []types.DaemonSpec
	handles map[string]*fakeHandle
	onStart func(h *fakeHandle)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[string]*fakeHandle)}
}

func (l *fakeLauncher) Start(spec types.DaemonSpec) (daemon.Handle, error) {
	h := &fakeHandle{tag: spec.Tag, done: make(chan struct{})}
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.handles[spec.Tag] = h
	onStart := l.onStart
	l.mu.Unlock()

	if onStart != nil {
		onStart(h)
	}
	return h, nil
}

func (l *fakeLauncher) tags() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var tags []string
	for _, s := range l.specs {
		tags = append(tags, s.Tag)
	}
	return tags
}

func (l *fakeLauncher) spec(tag string) types.DaemonSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.specs {
		if s.Tag == tag {
			return s
		}
	}
	return types.DaemonSpec{}
}

func (l *fakeLauncher) handle(tag string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[tag]
}

const testPasswd = `root:x:0:0:root:/root:/bin/bash
munge:x:990:990::/var/lib/munge:/usr/sbin/nologin
slurm:x:991:991::/var/lib/slurm:/usr/sbin/nologin
teama:x:2000:2000::/home/teama:/bin/bash
`

const testGroup = `root:x:0:
munge:x:990:
slurm:x:991:
teama:x:2000:
slurmadmin:x:1000:
`

func testConfig(t *testing.T, role types.NodeRole, local string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	passwd := filepath.Join(dir, "passwd")
	group := filepath.Join(dir, "group")
	require.NoError(t, os.WriteFile(passwd, []byte(testPasswd), 0644))
	require.NoError(t, os.WriteFile(group, []byte(testGroup), 0644))

	fast := config.WaitPolicy{Attempts: 3, Interval: 5 * time.Millisecond}
	return &config.Config{
		Role:           role,
		ClusterName:    "linux",
		ControllerHost: "slurmctld",
		NodeA:          "c1",
		NodeB:          "c2",
		LocalNode:      local,
		DbdHost:        "slurmctld",
		Tenants:        "teama",
		TenantUIDBase:  2000,
		TenantGIDBase:  2000,
		TenantRoot:     filepath.Join(dir, "tenants"),
		AdminGroup:     "slurmadmin",
		DB:             config.Database{Host: "127.0.0.1", Port: 3306, User: "slurm", Password: "pw", Name: "slurm_acct_db"},
		SharedDir:      filepath.Join(dir, "shared"),
		ConfDirs:       []string{filepath.Join(dir, "etc", "slurm"), filepath.Join(dir, "etc", "slurm-llnl")},
		StateDir:       filepath.Join(dir, "state"),
		LogDir:         filepath.Join(dir, "log"),
		MungeKeyPath:   filepath.Join(dir, "etc", "munge", "munge.key"),
		PasswdFile:     passwd,
		GroupFile:      group,
		DBWait:         fast,
		KeyWait:        fast,
		DbdWait:        fast,
		CtldWait:       fast,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, runner command.Runner, launcher daemon.Launcher, store health.Checker) *Orchestrator {
	t.Helper()
	return New(cfg,
		WithRunner(runner),
		WithLauncher(launcher),
		WithHost(staticHost{}),
		WithDevices(&topology.DeviceEnumerator{
			Pattern:        filepath.Join(cfg.SharedDir, "no-such-device*"),
			PlaceholderDir: filepath.Join(cfg.SharedDir, "gpus"),
		}),
		WithStoreChecker(store),
		WithLogOutput(io.Discard),
		WithGrace(time.Second),
		WithRuntimeDirs([]RuntimeDir{
			{Path: filepath.Join(cfg.SharedDir, "..", "run", "munge"), Owner: identity.MungeUser, Mode: 0755},
			{Path: cfg.LogDir, Mode: 0755},
		}),
	)
}

// closedAddr returns an address nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func latestRun(t *testing.T, dir string) *storage.Run {
	t.Helper()
	store, err := storage.OpenReadOnly(dir)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	return runs[len(runs)-1]
}

func TestRun_StoreUnreachableIsFatal(t *testing.T) {
	cfg := testConfig(t, types.NodeRoleAll, "c1")
	launcher := newFakeLauncher()
	runner := &command.FakeRunner{}
	store := health.NewTCPChecker(closedAddr(t)).WithTimeout(100 * time.Millisecond)

	err := newTestOrchestrator(t, cfg, runner, launcher, store).Run(context.Background())
	require.Error(t, err)

	var startup *StartupError
	require.ErrorAs(t, err, &startup)
	assert.Equal(t, PhaseStoreWait, startup.Phase)
	assert.Equal(t, ExitStartupFailure, ExitCode(err))

	// Only the authentication daemon ran, and it was stopped again
	assert.Equal(t, []string{types.DaemonMunge}, launcher.tags())
	assert.True(t, launcher.handle(types.DaemonMunge).wasStopped())
	for _, line := range runner.Lines() {
		assert.NotContains(t, line, "sacctmgr")
	}

	assert.FileExists(t, filepath.Join(cfg.ConfDirs[0], render.SlurmConf))
	assert.FileExists(t, cfg.MungeKeyPath)

	run := latestRun(t, cfg.StateDir)
	assert.Equal(t, storage.OutcomeFailed, run.Outcome)
	assert.Equal(t, ExitStartupFailure, run.ExitCode)
	assert.Equal(t, string(PhaseStoreWait), run.Phase)
	assert.NotEmpty(t, run.KeyFingerprint)
}

func TestRun_AllRoleStartsInOrderAndReportsFirstExit(t *testing.T) {
	cfg := testConfig(t, types.NodeRoleAll, "c1")
	launcher := newFakeLauncher()

	resumed := make(chan struct{})
	var once sync.Once
	runner := &command.FakeRunner{Handler: func(name string, args []string) (command.Result, error) {
		if name == "scontrol" && len(args) > 1 && args[1] == "NodeName=c2" {
			once.Do(func() { close(resumed) })
		}
		return command.Result{}, nil
	}}
	launcher.onStart = func(h *fakeHandle) {
		if h.tag == types.DaemonSlurmd {
			go func() {
				<-resumed
				h.exit(3)
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	storeUp := health.NewExecChecker(runner, "true")
	err := newTestOrchestrator(t, cfg, runner, launcher, storeUp).Run(ctx)

	var exit *daemon.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, types.DaemonSlurmd, exit.Tag)
	assert.Equal(t, 3, ExitCode(err))

	assert.Equal(t, []string{
		types.DaemonMunge,
		types.DaemonSlurmdbd,
		types.DaemonSlurmctld,
		types.DaemonSlurmd,
	}, launcher.tags())
	for _, tag := range []string{types.DaemonMunge, types.DaemonSlurmdbd, types.DaemonSlurmctld} {
		assert.True(t, launcher.handle(tag).wasStopped(), tag)
	}

	assert.Equal(t, []string{"-D", "-N", "c1"}, launcher.spec(types.DaemonSlurmd).Args)
	munge := launcher.spec(types.DaemonMunge)
	require.NotNil(t, munge.User)
	assert.Equal(t, 990, munge.User.UID)

	lines := runner.Lines()
	assert.Contains(t, lines, "sacctmgr -n -P show cluster")
	assert.Contains(t, lines, "sacctmgr -i add cluster linux")
	assert.Contains(t, lines, "sacctmgr -i add user teama DefaultAccount=teama")
	assert.Contains(t, lines, "scontrol ping")
	assert.Contains(t, lines, "scontrol update NodeName=c1 State=RESUME")
	assert.Contains(t, lines, "scontrol update NodeName=c2 State=RESUME")

	for _, dir := range cfg.ConfDirs {
		assert.FileExists(t, filepath.Join(dir, render.SlurmConf))
		assert.FileExists(t, filepath.Join(dir, render.SlurmdbdConf))
	}
	info, err := os.Stat(cfg.MungeKeyPath)
	require.NoError(t, err)
	assert.Equal(t, types.ModeKey, info.Mode().Perm())
	assert.DirExists(t, filepath.Join(cfg.TenantRoot, "teama"))

	run := latestRun(t, cfg.StateDir)
	assert.Equal(t, storage.OutcomeExited, run.Outcome)
	assert.Equal(t, 3, run.ExitCode)
	assert.Equal(t, []string{"teama"}, run.Tenants)

	store, err := storage.OpenReadOnly(cfg.StateDir)
	require.NoError(t, err)
	defer store.Close()
	entities, err := store.ListEntities()
	require.NoError(t, err)
	var keys []string
	for _, e := range entities {
		keys = append(keys, e.Key)
	}
	assert.Contains(t, keys, "cluster/linux")
	assert.Contains(t, keys, "account/teama")
	renders, err := store.ListRenders()
	require.NoError(t, err)
	assert.NotEmpty(t, renders)
}

func TestRun_CancelStopsEverything(t *testing.T) {
	cfg := testConfig(t, types.NodeRoleWorker, "c2")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.SharedKeyPath()), 0700))
	require.NoError(t, os.WriteFile(cfg.SharedKeyPath(), bytes.Repeat([]byte{1}, security.KeySize), 0400))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := newFakeLauncher()
	launcher.onStart = func(h *fakeHandle) {
		if h.tag == types.DaemonSlurmd {
			cancel()
		}
	}
	runner := &command.FakeRunner{}

	err := newTestOrchestrator(t, cfg, runner, launcher, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))

	assert.Equal(t, []string{types.DaemonMunge, types.DaemonSlurmd}, launcher.tags())
	assert.Equal(t, []string{"-D", "-N", "c2"}, launcher.spec(types.DaemonSlurmd).Args)
	assert.True(t, launcher.handle(types.DaemonMunge).wasStopped())
	assert.True(t, launcher.handle(types.DaemonSlurmd).wasStopped())

	// Workers never touch accounting and never render the accounting config
	assert.Empty(t, runner.Lines())
	assert.NoFileExists(t, filepath.Join(cfg.ConfDirs[0], render.SlurmdbdConf))

	assert.Equal(t, storage.OutcomeStopped, latestRun(t, cfg.StateDir).Outcome)
}

func TestRun_WorkerWithoutKeyIsFatal(t *testing.T) {
	cfg := testConfig(t, types.NodeRoleWorker, "c1")
	launcher := newFakeLauncher()

	err := newTestOrchestrator(t, cfg, &command.FakeRunner{}, launcher, nil).Run(context.Background())

	var startup *StartupError
	require.ErrorAs(t, err, &startup)
	assert.Equal(t, PhaseKey, startup.Phase)
	assert.ErrorIs(t, err, security.ErrKeyNotReady)
	assert.Empty(t, launcher.tags())
}

func TestRun_HostUIDCollisionIsFatal(t *testing.T) {
	cfg := testConfig(t, types.NodeRoleAll, "c1")
	cfg.Host = &config.HostIdentity{Name: "alice", UID: 2000, GID: 2000}
	launcher := newFakeLauncher()

	err := newTestOrchestrator(t, cfg, &command.FakeRunner{}, launcher, nil).Run(context.Background())

	var startup *StartupError
	require.ErrorAs(t, err, &startup)
	assert.Equal(t, PhaseIdentity, startup.Phase)
	assert.ErrorIs(t, err, identity.ErrUIDConflict)
	assert.Equal(t, ExitStartupFailure, ExitCode(err))
	assert.Empty(t, launcher.tags())
}

func TestCompose_SlurmConfIdenticalOnEveryNode(t *testing.T) {
	shared := t.TempDir()
	var confs [][]byte
	for _, tc := range []struct {
		role  types.NodeRole
		local string
	}{
		{types.NodeRoleController, "slurmctld"},
		{types.NodeRoleWorker, "c1"},
		{types.NodeRoleWorker, "c2"},
	} {
		cfg := testConfig(t, tc.role, tc.local)
		cfg.Tenants = "teama,teamb:3001"
		cfg.GPUCount = "3"
		cfg.SharedDir = filepath.Join(shared, "shared")
		cfg.LogDir = filepath.Join(shared, "log")

		comp, err := Compose(cfg, staticHost{}, topology.NewDeviceEnumerator(cfg.SharedDir))
		require.NoError(t, err)
		assert.Equal(t, []string{"teama", "teamb"}, comp.Registry.Names())
		assert.Equal(t, tc.role.RunsController(), comp.Files.Get(render.SlurmdbdConf) != nil)

		conf := comp.Files.Get(render.SlurmConf)
		require.NotNil(t, conf)
		confs = append(confs, conf.Data)
	}

	assert.Equal(t, confs[0], confs[1])
	assert.Equal(t, confs[1], confs[2])
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, 0},
		{"startup", &StartupError{Phase: PhaseKey, Err: security.ErrKeyNotReady}, ExitStartupFailure},
		{"daemon", &daemon.ExitError{Tag: "slurmd", Code: 137}, 137},
		{"other", io.ErrUnexpectedEOF, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
