package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/identity"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// RuntimeDir is a directory a daemon expects before it starts
type RuntimeDir struct {
	Path  string
	Owner string
	Mode  os.FileMode
}

// DefaultRuntimeDirs lists the spool, run and log directories of munged and
// the slurm daemons
func DefaultRuntimeDirs(cfg *config.Config) []RuntimeDir {
	return []RuntimeDir{
		{Path: "/run/munge", Owner: identity.MungeUser, Mode: 0755},
		{Path: "/var/lib/munge", Owner: identity.MungeUser, Mode: 0711},
		{Path: "/var/log/munge", Owner: identity.MungeUser, Mode: 0700},
		{Path: "/var/spool/slurmctld", Owner: identity.SlurmUser, Mode: 0755},
		{Path: "/var/spool/slurmd", Mode: 0755},
		{Path: "/var/run/slurmd", Owner: identity.SlurmUser, Mode: 0755},
		{Path: "/var/run/slurmdbd", Owner: identity.SlurmUser, Mode: 0755},
		{Path: cfg.LogDir, Owner: identity.SlurmUser, Mode: 0755},
	}
}

func (o *Orchestrator) ensureRuntimeDirs() error {
	for _, d := range o.runtimeDirs {
		if err := os.MkdirAll(d.Path, d.Mode); err != nil {
			return fmt.Errorf("failed to create %s: %w", d.Path, err)
		}
		if err := os.Chmod(d.Path, d.Mode); err != nil {
			o.logger.Debug().Err(err).Str("path", d.Path).Msg("chmod failed")
		}
		if d.Owner == "" {
			continue
		}
		if err := o.prov.Chown(d.Path, d.Owner); err != nil {
			o.logger.Debug().Err(err).Str("path", d.Path).Msg("chown failed")
		}
	}
	return nil
}

func (o *Orchestrator) logPath(tag string) string {
	return filepath.Join(o.cfg.LogDir, tag+".log")
}

func (o *Orchestrator) mungeSpec() types.DaemonSpec {
	spec := types.DaemonSpec{
		Tag:     types.DaemonMunge,
		Path:    "munged",
		Args:    []string{"--foreground", "--key-file", o.cfg.MungeKeyPath},
		LogPath: o.logPath(types.DaemonMunge),
	}

	u, err := o.prov.LookupUser(identity.MungeUser)
	if err != nil || u == nil {
		o.logger.Warn().Err(err).Msg("munge identity not found, starting munged as the current user")
		return spec
	}
	spec.User = &types.Identity{Name: u.Name, UID: u.Uid, GID: u.Gid, System: true}
	return spec
}

func (o *Orchestrator) slurmdbdSpec() types.DaemonSpec {
	return types.DaemonSpec{
		Tag:     types.DaemonSlurmdbd,
		Path:    "slurmdbd",
		Args:    []string{"-D"},
		LogPath: o.logPath(types.DaemonSlurmdbd),
	}
}

func (o *Orchestrator) slurmctldSpec() types.DaemonSpec {
	return types.DaemonSpec{
		Tag:     types.DaemonSlurmctld,
		Path:    "slurmctld",
		Args:    []string{"-D"},
		LogPath: o.logPath(types.DaemonSlurmctld),
	}
}

func (o *Orchestrator) slurmdSpec(node string) types.DaemonSpec {
	return types.DaemonSpec{
		Tag:     types.DaemonSlurmd,
		Path:    "slurmd",
		Args:    []string{"-D", "-N", node},
		LogPath: o.logPath(types.DaemonSlurmd),
	}
}
