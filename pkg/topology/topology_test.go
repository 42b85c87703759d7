package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/types"
)

type fakeHost struct {
	cpus int
	mem  int64
}

func (h fakeHost) CPUs() int       { return h.cpus }
func (h fakeHost) MemoryMB() int64 { return h.mem }

func testConfig(local string, gpus string) *config.Config {
	return &config.Config{
		Role:           types.NodeRoleWorker,
		ControllerHost: "slurmctld",
		NodeA:          "c1",
		NodeB:          "c2",
		LocalNode:      local,
		GPUCount:       gpus,
	}
}

func TestSplitGPUs_Properties(t *testing.T) {
	for total := 0; total <= 64; total++ {
		a := SplitGPUs(total)
		assert.Equal(t, total, a.NodeA+a.NodeB, "total %d", total)
		assert.Contains(t, []int{a.NodeB, a.NodeB + 1}, a.NodeA, "total %d", total)
	}
}

func TestSplitGPUs_Scenarios(t *testing.T) {
	tests := []struct {
		total int
		a, b  int
	}{
		{total: 10, a: 5, b: 5},
		{total: 7, a: 4, b: 3},
		{total: 1, a: 1, b: 0},
		{total: 0, a: 0, b: 0},
	}
	for _, tt := range tests {
		got := SplitGPUs(tt.total)
		assert.Equal(t, types.GpuAllocation{Total: tt.total, NodeA: tt.a, NodeB: tt.b}, got)
	}
}

func TestParseGPUCount(t *testing.T) {
	tests := map[string]int{
		"":     0,
		"8":    8,
		" 3 ":  3,
		"-2":   0,
		"two":  0,
		"1.5":  0,
		"4gpu": 0,
		"+4":   0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseGPUCount(in), "input %q", in)
	}
}

func TestResolve_WorkerLocal(t *testing.T) {
	topo := Resolve(testConfig("c1", "7"), fakeHost{cpus: 8, mem: 16000})

	assert.Equal(t, "slurmctld", topo.Controller.Name)
	assert.Equal(t, 0, topo.Controller.GPUs)
	assert.Equal(t, 4, topo.Workers[0].GPUs)
	assert.Equal(t, 3, topo.Workers[1].GPUs)
	assert.Equal(t, 8, topo.Workers[1].CPUs)
	assert.Equal(t, int64(16000), topo.Workers[0].MemoryMB)

	assert.Equal(t, "c1", topo.Local.Name)
	assert.Equal(t, 4, topo.Local.GPUs)
	assert.Equal(t, types.NodeRoleWorker, topo.Local.Role)
	assert.Equal(t, []string{"c1", "c2"}, topo.WorkerNames())
	assert.True(t, topo.HasNode("slurmctld"))
	assert.False(t, topo.HasNode("c3"))
}

func TestResolve_ControllerNeverHasGPUs(t *testing.T) {
	cfg := testConfig("slurmctld", "10")
	cfg.Role = types.NodeRoleAll
	topo := Resolve(cfg, fakeHost{cpus: 2, mem: 1024})

	assert.Equal(t, "slurmctld", topo.Local.Name)
	assert.Equal(t, 0, topo.Local.GPUs)
	assert.Equal(t, types.NodeRoleAll, topo.Local.Role)
}

func TestResolve_ConfigOverridesHost(t *testing.T) {
	cfg := testConfig("c2", "")
	cfg.CPUs = 4
	cfg.MemoryMB = 2048
	topo := Resolve(cfg, fakeHost{cpus: 64, mem: 999999})

	assert.Equal(t, 4, topo.Local.CPUs)
	assert.Equal(t, int64(2048), topo.Local.MemoryMB)
	assert.Equal(t, 0, topo.GPUs.Total)
}

func TestGresString(t *testing.T) {
	assert.Equal(t, "", GresString(0))
	assert.Equal(t, "gpu:5", GresString(5))
}

func TestDeviceEnumerator_RealDevices(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"nvidia2", "nvidia0", "nvidia1", "nvidiactl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	d := &DeviceEnumerator{
		Pattern:        filepath.Join(dir, "nvidia[0-9]*"),
		PlaceholderDir: filepath.Join(dir, "fake"),
	}
	bindings, err := d.Bindings("c1", 2)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, filepath.Join(dir, "nvidia0"), bindings[0].File)
	assert.Equal(t, filepath.Join(dir, "nvidia1"), bindings[1].File)
	assert.Equal(t, "c1", bindings[0].Node)
	assert.NoDirExists(t, filepath.Join(dir, "fake"))
}

func TestDeviceEnumerator_Placeholders(t *testing.T) {
	dir := t.TempDir()
	d := &DeviceEnumerator{
		Pattern:        filepath.Join(dir, "dev", "nvidia[0-9]*"),
		PlaceholderDir: filepath.Join(dir, "gpus"),
	}

	bindings, err := d.Bindings("c2", 3)
	require.NoError(t, err)
	require.Len(t, bindings, 3)
	for i, b := range bindings {
		assert.Equal(t, "gpu", b.Name)
		assert.FileExists(t, b.File)
		assert.Equal(t, filepath.Join(dir, "gpus", "c2", "gpu"+string(rune('0'+i))), b.File)
	}

	// Idempotent on re-run
	again, err := d.Bindings("c2", 3)
	require.NoError(t, err)
	assert.Equal(t, bindings, again)
}

func TestDeviceEnumerator_TopsUpShortDeviceList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nvidia0"), nil, 0644))

	d := &DeviceEnumerator{
		Pattern:        filepath.Join(dir, "nvidia[0-9]*"),
		PlaceholderDir: filepath.Join(dir, "fake"),
	}
	bindings, err := d.Bindings("c1", 3)
	require.NoError(t, err)
	require.Len(t, bindings, 3)
	assert.Equal(t, filepath.Join(dir, "nvidia0"), bindings[0].File)
	assert.Equal(t, filepath.Join(dir, "fake", "c1", "gpu1"), bindings[1].File)
	assert.Equal(t, filepath.Join(dir, "fake", "c1", "gpu2"), bindings[2].File)
	assert.NoFileExists(t, filepath.Join(dir, "fake", "c1", "gpu0"))
}

func TestDeviceEnumerator_ZeroShare(t *testing.T) {
	d := NewDeviceEnumerator(t.TempDir())
	bindings, err := d.Bindings("c1", 0)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}
