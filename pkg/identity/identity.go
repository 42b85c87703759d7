package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/moby/sys/user"
	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// Service identity names
const (
	MungeUser = "munge"
	SlurmUser = "slurm"
)

// NoLoginShell is the shell of service identities
const NoLoginShell = "/usr/sbin/nologin"

// LoginShell is the shell of host and tenant identities
const LoginShell = "/bin/bash"

// ServiceAccounts are created before any daemon starts
var ServiceAccounts = []types.Identity{
	{Name: MungeUser, Home: "/var/lib/munge", Shell: NoLoginShell, System: true},
	{Name: SlurmUser, Home: "/var/lib/slurm", Shell: NoLoginShell, System: true},
}

// ErrUIDConflict is matched by errors.Is when a uid belongs to another name
var ErrUIDConflict = errors.New("uid already in use")

// ConflictError reports a uid owned by a different identity
type ConflictError struct {
	Name  string
	UID   int
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot create %s: uid %d already belongs to %s", e.Name, e.UID, e.Owner)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrUIDConflict
}

// Provisioner makes sure identities exist. Reads parse the passwd and group
// databases directly; changes go through the system tools.
type Provisioner struct {
	runner     command.Runner
	passwdFile string
	groupFile  string
	// homeRoot prefixes service account home directories
	homeRoot string
	// chown is os.Chown; tests replace it when not running as root
	chown  func(path string, uid, gid int) error
	logger zerolog.Logger
}

// NewProvisioner creates a provisioner over the given account databases
func NewProvisioner(runner command.Runner, passwdFile, groupFile string) *Provisioner {
	return &Provisioner{
		runner:     runner,
		passwdFile: passwdFile,
		groupFile:  groupFile,
		chown:      os.Chown,
		logger:     log.WithComponent("identity"),
	}
}

// FromConfig creates a provisioner for the configured account databases
func FromConfig(cfg *config.Config, runner command.Runner) *Provisioner {
	return NewProvisioner(runner, cfg.PasswdFile, cfg.GroupFile)
}

// LookupUser returns the named user or nil when it does not exist
func (p *Provisioner) LookupUser(name string) (*user.User, error) {
	return p.findUser(func(u user.User) bool { return u.Name == name })
}

// UserByUID returns the user owning uid or nil
func (p *Provisioner) UserByUID(uid int) (*user.User, error) {
	return p.findUser(func(u user.User) bool { return u.Uid == uid })
}

// LookupGroup returns the named group or nil
func (p *Provisioner) LookupGroup(name string) (*user.Group, error) {
	return p.findGroup(func(g user.Group) bool { return g.Name == name })
}

// GroupByGID returns the group with gid or nil
func (p *Provisioner) GroupByGID(gid int) (*user.Group, error) {
	return p.findGroup(func(g user.Group) bool { return g.Gid == gid })
}

func (p *Provisioner) findUser(match func(user.User) bool) (*user.User, error) {
	users, err := user.ParsePasswdFileFilter(p.passwdFile, match)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.passwdFile, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (p *Provisioner) findGroup(match func(user.Group) bool) (*user.Group, error) {
	groups, err := user.ParseGroupFileFilter(p.groupFile, match)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.groupFile, err)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return &groups[0], nil
}

// EnsureServiceAccounts creates the munge and slurm system identities
func (p *Provisioner) EnsureServiceAccounts(ctx context.Context) error {
	for _, id := range ServiceAccounts {
		existing, err := p.LookupUser(id.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := p.EnsureUser(ctx, id); err != nil {
			return err
		}
		p.ensureHome(id)
	}
	return nil
}

// EnsureGroup makes sure a group named name exists. A positive gid pins the
// group id; an existing group with that gid under another name is reused.
// The returned gid is the one actually in effect.
func (p *Provisioner) EnsureGroup(ctx context.Context, name string, gid int) (int, error) {
	if gid > 0 {
		existing, err := p.GroupByGID(gid)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if existing.Name != name {
				p.logger.Debug().Str("group", name).Int("gid", gid).Str("existing", existing.Name).
					Msg("Reusing existing group with requested gid")
			}
			return gid, nil
		}
	}

	existing, err := p.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.Gid, nil
	}

	args := []string{}
	if gid > 0 {
		args = append(args, "-g", strconv.Itoa(gid))
	}
	args = append(args, name)
	if _, err := p.runner.Run(ctx, "groupadd", args...); err != nil {
		return 0, fmt.Errorf("failed to create group %s: %w", name, err)
	}

	created, err := p.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	if created == nil {
		return 0, fmt.Errorf("group %s missing after groupadd", name)
	}
	p.logger.Info().Str("group", name).Int("gid", created.Gid).Msg("Created group")
	return created.Gid, nil
}

// EnsureUser creates id unless a user with the same name exists. A pinned
// uid owned by a different name yields a *ConflictError.
func (p *Provisioner) EnsureUser(ctx context.Context, id types.Identity) error {
	existing, err := p.LookupUser(id.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		if id.UID > 0 && existing.Uid != id.UID {
			p.logger.Warn().Str("user", id.Name).Int("want_uid", id.UID).Int("uid", existing.Uid).
				Msg("User exists with a different uid, keeping it")
		}
		return nil
	}

	if err := p.checkUID(id.Name, id.UID); err != nil {
		return err
	}

	var args []string
	if id.System {
		args = append(args, "--system", "--no-create-home")
	} else {
		args = append(args, "--create-home")
	}
	if id.UID > 0 {
		args = append(args, "-u", strconv.Itoa(id.UID))
	}
	if id.GID > 0 {
		args = append(args, "-g", strconv.Itoa(id.GID))
	} else if id.System {
		args = append(args, "--user-group")
	}
	if id.Home != "" {
		args = append(args, "--home-dir", id.Home)
	}
	if id.Shell != "" {
		args = append(args, "--shell", id.Shell)
	}
	args = append(args, id.Name)

	if _, err := p.runner.Run(ctx, "useradd", args...); err != nil {
		return fmt.Errorf("failed to create user %s: %w", id.Name, err)
	}

	p.logger.Info().Str("user", id.Name).Int("uid", id.UID).Bool("system", id.System).Msg("Created user")
	return nil
}

func (p *Provisioner) checkUID(name string, uid int) error {
	if uid <= 0 {
		return nil
	}
	owner, err := p.UserByUID(uid)
	if err != nil {
		return err
	}
	if owner != nil && owner.Name != name {
		return &ConflictError{Name: name, UID: uid, Owner: owner.Name}
	}
	return nil
}

// EnsureHostIdentity mirrors the host user inside the container. A uid that
// already belongs to another name is an error the caller treats as fatal.
func (p *Provisioner) EnsureHostIdentity(ctx context.Context, host *config.HostIdentity) error {
	if host == nil {
		return nil
	}

	existing, err := p.LookupUser(host.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := p.checkUID(host.Name, host.UID); err != nil {
			return fmt.Errorf("host identity: %w", err)
		}
	}

	gid, err := p.EnsureGroup(ctx, host.Name, host.GID)
	if err != nil {
		return err
	}

	err = p.EnsureUser(ctx, types.Identity{
		Name:  host.Name,
		UID:   host.UID,
		GID:   gid,
		Home:  filepath.Join("/home", host.Name),
		Shell: LoginShell,
	})
	if err != nil {
		return fmt.Errorf("host identity: %w", err)
	}
	return nil
}

// EnsureTenants creates every tenant's group, user and work directory under
// root. A tenant whose uid belongs to someone else is skipped with a warning
// before anything is created for it. It returns the tenants that are in
// place, carrying the ids in effect.
func (p *Provisioner) EnsureTenants(ctx context.Context, tenants []types.TenantSpec, root string) ([]types.TenantSpec, error) {
	var ready []types.TenantSpec

	for _, t := range tenants {
		existing, err := p.LookupUser(t.Name)
		if err != nil {
			return ready, err
		}
		if existing == nil {
			err := p.checkUID(t.Name, t.UID)
			if errors.Is(err, ErrUIDConflict) {
				p.logger.Warn().Err(err).Str("tenant", t.Name).Msg("Skipping tenant identity")
				continue
			}
			if err != nil {
				return ready, err
			}
		}

		gid, err := p.EnsureGroup(ctx, t.Name, t.GID)
		if err != nil {
			return ready, err
		}

		err = p.EnsureUser(ctx, types.Identity{
			Name:  t.Name,
			UID:   t.UID,
			GID:   gid,
			Home:  filepath.Join("/home", t.Name),
			Shell: LoginShell,
		})
		if err != nil {
			return ready, err
		}

		in, err := p.LookupUser(t.Name)
		if err != nil {
			return ready, err
		}
		if in != nil {
			t.UID = in.Uid
		}
		t.GID = gid

		if err := p.ensureWorkDir(root, t); err != nil {
			return ready, err
		}
		ready = append(ready, t)
	}

	return ready, nil
}

func (p *Provisioner) ensureWorkDir(root string, t types.TenantSpec) error {
	dir := filepath.Join(root, t.Name)
	if err := os.MkdirAll(dir, types.ModeTenantDir); err != nil {
		return fmt.Errorf("failed to create tenant directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, types.ModeTenantDir); err != nil {
		p.logger.Debug().Err(err).Str("path", dir).Msg("chmod failed")
	}
	if err := p.chown(dir, t.UID, t.GID); err != nil {
		p.logger.Debug().Err(err).Str("path", dir).Msg("chown failed")
	}
	return nil
}

// EnsureAdminGroup creates the admin group and adds members that are not
// already in it
func (p *Provisioner) EnsureAdminGroup(ctx context.Context, group string, members ...string) error {
	if group == "" {
		return nil
	}
	if _, err := p.EnsureGroup(ctx, group, 0); err != nil {
		return err
	}

	g, err := p.LookupGroup(group)
	if err != nil {
		return err
	}

	for _, m := range members {
		if m == "" || (g != nil && slices.Contains(g.List, m)) {
			continue
		}
		if _, err := p.runner.Run(ctx, "usermod", "-aG", group, m); err != nil {
			return fmt.Errorf("failed to add %s to %s: %w", m, group, err)
		}
		p.logger.Info().Str("user", m).Str("group", group).Msg("Added user to admin group")
	}
	return nil
}

// Chown changes ownership of path to the named user and its primary group.
// It matches render.Chowner.
func (p *Provisioner) Chown(path, owner string) error {
	u, err := p.LookupUser(owner)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("unknown user %s", owner)
	}
	return p.chown(path, u.Uid, u.Gid)
}

func (p *Provisioner) ensureHome(id types.Identity) {
	if id.Home == "" {
		return
	}
	home := filepath.Join(p.homeRoot, id.Home)
	if err := os.MkdirAll(home, 0755); err != nil {
		p.logger.Debug().Err(err).Str("path", home).Msg("Could not create home directory")
		return
	}
	if err := p.Chown(home, id.Name); err != nil {
		p.logger.Debug().Err(err).Str("path", home).Msg("chown failed")
	}
}

// Plan lists every identity a node needs before its daemons start
type Plan struct {
	Host       *config.HostIdentity
	Tenants    []types.TenantSpec
	TenantRoot string
	AdminGroup string
}

// PlanFromConfig builds the plan for cfg and the parsed tenants
func PlanFromConfig(cfg *config.Config, tenants []types.TenantSpec) Plan {
	return Plan{
		Host:       cfg.Host,
		Tenants:    tenants,
		TenantRoot: cfg.TenantRoot,
		AdminGroup: cfg.AdminGroup,
	}
}

// Provision applies plan in order: service accounts, host identity, tenants,
// admin group. It is safe to run repeatedly. The returned tenants are the
// ones whose identities are in place.
func (p *Provisioner) Provision(ctx context.Context, plan Plan) ([]types.TenantSpec, error) {
	if err := p.EnsureServiceAccounts(ctx); err != nil {
		return nil, err
	}

	if err := p.EnsureHostIdentity(ctx, plan.Host); err != nil {
		return nil, err
	}

	ready, err := p.EnsureTenants(ctx, plan.Tenants, plan.TenantRoot)
	if err != nil {
		return ready, err
	}

	var members []string
	if plan.Host != nil {
		members = append(members, plan.Host.Name)
	}
	if err := p.EnsureAdminGroup(ctx, plan.AdminGroup, members...); err != nil {
		return ready, err
	}

	p.logger.Info().Int("tenants", len(ready)).Int("requested", len(plan.Tenants)).Msg("Identities provisioned")
	return ready, nil
}
