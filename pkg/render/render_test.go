package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/topology"
	"github.com/fanyadan/my-slurm/pkg/types"
)

type staticHost struct{}

func (staticHost) CPUs() int       { return 4 }
func (staticHost) MemoryMB() int64 { return 8000 }

func baseConfig() *config.Config {
	return &config.Config{
		Role:           types.NodeRoleAll,
		ClusterName:    "linux",
		ControllerHost: "slurmctld",
		NodeA:          "c1",
		NodeB:          "c2",
		LocalNode:      "c1",
		DbdHost:        "slurmctld",
		LogDir:         "/var/log/slurm",
		AdminGroup:     "slurmadmin",
		DB: config.Database{
			Host: "mysql", Port: 3306, User: "slurm", Password: "pw", Name: "slurm_acct_db",
		},
	}
}

func buildDoc(t *testing.T, cfg *config.Config, tenants []types.TenantSpec) *Document {
	t.Helper()
	topo := topology.Resolve(cfg, staticHost{})
	doc, err := Build(Inputs{Config: cfg, Topology: topo, Tenants: tenants})
	require.NoError(t, err)
	return doc
}

func renderSlurmConf(t *testing.T, doc *Document) string {
	t.Helper()
	set, err := doc.Render(Options{})
	require.NoError(t, err)
	f := set.Get(SlurmConf)
	require.NotNil(t, f)
	return string(f.Data)
}

func TestRender_NoGPUsNoTenants(t *testing.T) {
	doc := buildDoc(t, baseConfig(), nil)
	conf := renderSlurmConf(t, doc)

	assert.Contains(t, conf, "SlurmctldHost=slurmctld(slurmctld)\n")
	assert.Contains(t, conf, "NodeName=c1 NodeAddr=c1 CPUs=4 RealMemory=8000 State=UNKNOWN\n")
	assert.Contains(t, conf, "NodeName=c2 NodeAddr=c2 CPUs=4 RealMemory=8000 State=UNKNOWN\n")
	assert.NotContains(t, conf, "Gres")
	assert.Contains(t, conf, "PartitionName=debug Nodes=c1,c2 Default=YES MaxTime=INFINITE State=UP AllowGroups=ALL\n")
	assert.Contains(t, conf, "PartitionName=gpu Nodes=c1,c2 Default=NO MaxTime=INFINITE State=UP AllowGroups=ALL\n")
	assert.Contains(t, conf, "ProctrackType=proctrack/linuxproc\n")
	assert.Contains(t, conf, "TaskPlugin=task/none\n")
	assert.NotContains(t, conf, "{{")
	assert.NotContains(t, conf, "<no value>")
	assert.True(t, strings.HasSuffix(conf, "AllowGroups=ALL\n"), "no dangling tenant stanza")
	assert.NotContains(t, conf, "\n\n\n")
}

func TestRender_GPUSplit(t *testing.T) {
	tests := []struct {
		gpus  string
		gresA string
		gresB string
	}{
		{gpus: "10", gresA: " Gres=gpu:5 ", gresB: " Gres=gpu:5 "},
		{gpus: "7", gresA: " Gres=gpu:4 ", gresB: " Gres=gpu:3 "},
		{gpus: "1", gresA: " Gres=gpu:1 ", gresB: ""},
	}

	for _, tt := range tests {
		t.Run(tt.gpus, func(t *testing.T) {
			cfg := baseConfig()
			cfg.GPUCount = tt.gpus
			conf := renderSlurmConf(t, buildDoc(t, cfg, nil))

			assert.Contains(t, conf, "\nGresTypes=gpu\n")
			lines := strings.Split(conf, "\n")
			var lineA, lineB string
			for _, l := range lines {
				if strings.HasPrefix(l, "NodeName=c1 ") {
					lineA = l
				}
				if strings.HasPrefix(l, "NodeName=c2 ") {
					lineB = l
				}
			}
			assert.Contains(t, lineA, tt.gresA)
			if tt.gresB == "" {
				assert.NotContains(t, lineB, "Gres=")
			} else {
				assert.Contains(t, lineB, tt.gresB)
			}
		})
	}
}

func TestRender_InvalidGPUCountRendersNoGres(t *testing.T) {
	cfg := baseConfig()
	cfg.GPUCount = "lots"
	conf := renderSlurmConf(t, buildDoc(t, cfg, nil))
	assert.NotContains(t, conf, "Gres")
}

func TestRender_TenantPartitions(t *testing.T) {
	cfg := baseConfig()
	cfg.AdminAccount = "admin"
	tenants := []types.TenantSpec{
		{Name: "teama", UID: 1001, GID: 2001},
		{Name: "teamb", UID: 2001, GID: 2001},
	}
	conf := renderSlurmConf(t, buildDoc(t, cfg, tenants))

	assert.Contains(t, conf, "PartitionName=debug Nodes=c1,c2 Default=YES MaxTime=INFINITE State=UP AllowGroups=root,slurmadmin\n")
	a := "PartitionName=teama Nodes=c1,c2 Default=NO MaxTime=INFINITE State=UP AllowGroups=teama,slurmadmin AllowAccounts=teama,admin"
	b := "PartitionName=teamb Nodes=c1,c2 Default=NO MaxTime=INFINITE State=UP AllowGroups=teamb,slurmadmin AllowAccounts=teamb,admin"
	assert.True(t, strings.HasSuffix(conf, a+"\n"+b+"\n"), conf)
	assert.Less(t, strings.Index(conf, "PartitionName=gpu"), strings.Index(conf, "PartitionName=teama"))
}

func TestTenantAccess_WithoutAdmin(t *testing.T) {
	assert.Equal(t, []string{"AllowGroups=x", "AllowAccounts=x"}, TenantAccess("x", "", ""))
}

func TestRender_Isolation(t *testing.T) {
	cfg := baseConfig()
	cfg.Isolation = true
	doc := buildDoc(t, cfg, nil)

	set, err := doc.Render(Options{})
	require.NoError(t, err)
	conf := string(set.Get(SlurmConf).Data)
	assert.Contains(t, conf, "ProctrackType=proctrack/cgroup\n")
	assert.Contains(t, conf, "TaskPlugin=task/cgroup,task/affinity\n")
	require.NotNil(t, set.Get(CgroupConf))
	assert.Contains(t, string(set.Get(CgroupConf).Data), "ConstrainDevices=yes")
	assert.Empty(t, set.Stale)

	cfg.Isolation = false
	set, err = buildDoc(t, cfg, nil).Render(Options{})
	require.NoError(t, err)
	assert.Nil(t, set.Get(CgroupConf))
	assert.Equal(t, []string{CgroupConf}, set.Stale)
}

func TestRender_SlurmdbdConf(t *testing.T) {
	set, err := buildDoc(t, baseConfig(), nil).Render(Options{IncludeDbd: true})
	require.NoError(t, err)
	f := set.Get(SlurmdbdConf)
	require.NotNil(t, f)
	assert.Equal(t, uint32(0600), f.Mode)
	assert.Equal(t, "slurm", f.Owner)
	assert.Contains(t, string(f.Data), "StorageHost=mysql\n")
	assert.Contains(t, string(f.Data), "StoragePort=3306\n")
	assert.Contains(t, string(f.Data), "StorageLoc=slurm_acct_db\n")

	set, err = buildDoc(t, baseConfig(), nil).Render(Options{})
	require.NoError(t, err)
	assert.Nil(t, set.Get(SlurmdbdConf))
}

func TestRender_GresConf(t *testing.T) {
	cfg := baseConfig()
	cfg.GPUCount = "2"
	topo := topology.Resolve(cfg, staticHost{})
	doc, err := Build(Inputs{
		Config:   cfg,
		Topology: topo,
		Bindings: []topology.GresBinding{{Node: "c1", Name: "gpu", File: "/dev/nvidia0"}},
	})
	require.NoError(t, err)

	set, err := doc.Render(Options{})
	require.NoError(t, err)
	gres := string(set.Get(GresConf).Data)
	assert.True(t, strings.HasSuffix(gres, "\nNodeName=c1 Name=gpu File=/dev/nvidia0\n"), gres)
	assert.NotContains(t, gres, "c2")
}

func TestDocument_ValidateUnknownNode(t *testing.T) {
	doc := buildDoc(t, baseConfig(), nil)
	doc.TenantPartitions = append(doc.TenantPartitions, Partition{Name: "x", Nodes: []string{"c9"}})
	assert.ErrorContains(t, doc.Validate(), "unknown node c9")

	doc = buildDoc(t, baseConfig(), nil)
	doc.AdminPartitions[0].Nodes = nil
	assert.Error(t, doc.Validate())
}

func TestWriter_DualRootsIdempotent(t *testing.T) {
	root := t.TempDir()
	dirs := []string{filepath.Join(root, "etc", "slurm"), filepath.Join(root, "etc", "slurm-llnl")}
	tenants := []types.TenantSpec{{Name: "teama", UID: 1001, GID: 2001}}

	cfg := baseConfig()
	cfg.GPUCount = "7"
	cfg.Isolation = true

	var chowned []string
	w := NewWriter(dirs, func(path, owner string) error {
		chowned = append(chowned, path+":"+owner)
		return nil
	})

	set1, err := buildDoc(t, cfg, tenants).Render(Options{IncludeDbd: true})
	require.NoError(t, err)
	first, err := w.Write(set1)
	require.NoError(t, err)
	assert.Len(t, first, 2*len(set1.Files))
	for _, wr := range first {
		assert.True(t, wr.Changed)
	}

	snapshot := func() map[string][]byte {
		out := make(map[string][]byte)
		for _, d := range dirs {
			for _, name := range []string{SlurmConf, GresConf, CgroupConf, SlurmdbdConf} {
				data, err := os.ReadFile(filepath.Join(d, name))
				require.NoError(t, err)
				out[filepath.Join(filepath.Base(d), name)] = data
			}
		}
		return out
	}
	before := snapshot()
	firstInfo, err := os.Stat(filepath.Join(dirs[0], SlurmConf))
	require.NoError(t, err)

	set2, err := buildDoc(t, cfg, tenants).Render(Options{IncludeDbd: true})
	require.NoError(t, err)
	second, err := w.Write(set2)
	require.NoError(t, err)
	for _, wr := range second {
		assert.False(t, wr.Changed, wr.Path)
	}
	after := snapshot()
	assert.Equal(t, before, after)

	secondInfo, err := os.Stat(filepath.Join(dirs[0], SlurmConf))
	require.NoError(t, err)
	assert.True(t, os.SameFile(firstInfo, secondInfo), "unchanged file is left in place")

	for _, name := range []string{SlurmConf, GresConf, CgroupConf, SlurmdbdConf} {
		assert.Equal(t, after[filepath.Join("slurm", name)], after[filepath.Join("slurm-llnl", name)], name)
	}

	info, err := os.Stat(filepath.Join(dirs[0], SlurmdbdConf))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Contains(t, chowned, filepath.Join(dirs[1], SlurmdbdConf)+":slurm")

	// Turning isolation off removes cgroup.conf from both roots
	cfg.Isolation = false
	set3, err := buildDoc(t, cfg, tenants).Render(Options{IncludeDbd: true})
	require.NoError(t, err)
	_, err = w.Write(set3)
	require.NoError(t, err)
	for _, d := range dirs {
		assert.NoFileExists(t, filepath.Join(d, CgroupConf))
	}
}

func TestWriter_NoForce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SlurmConf), []byte("keep"), 0644))

	w := NewWriter([]string{dir}, nil)
	w.Force = false

	set, err := buildDoc(t, baseConfig(), nil).Render(Options{})
	require.NoError(t, err)
	_, err = w.Write(set)
	require.ErrorIs(t, err, ErrExists)

	data, err := os.ReadFile(filepath.Join(dir, SlurmConf))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
	assert.NoFileExists(t, filepath.Join(dir, GresConf))
}

func TestWriter_UnchangedFileGetsModeRestored(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter([]string{dir}, nil)

	set, err := buildDoc(t, baseConfig(), nil).Render(Options{IncludeDbd: true})
	require.NoError(t, err)
	_, err = w.Write(set)
	require.NoError(t, err)

	path := filepath.Join(dir, SlurmdbdConf)
	require.NoError(t, os.Chmod(path, 0644))

	written, err := w.Write(set)
	require.NoError(t, err)
	for _, wr := range written {
		assert.False(t, wr.Changed, wr.Path)
	}
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.conf")
	require.NoError(t, AtomicWrite(path, []byte("a"), 0644))
	require.NoError(t, AtomicWrite(path, []byte("b"), 0644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "b", string(data))
	assert.Equal(t, Digest([]byte("b")), Digest(data))
}
