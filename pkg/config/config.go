// Package config builds the immutable bootstrap configuration from the
// container environment. Every environment variable slurmboot recognizes is
// read here, once, at process start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/fanyadan/my-slurm/pkg/types"
)

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// WaitPolicy is a fixed attempt budget with a fixed sleep between attempts
type WaitPolicy struct {
	Attempts int
	Interval time.Duration
}

// Timeout is the worst-case time the policy can block
func (w WaitPolicy) Timeout() time.Duration {
	return time.Duration(w.Attempts) * w.Interval
}

// Database holds the accounting store connection settings
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Addr is the host:port of the accounting store
func (d Database) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// HostIdentity is the optional login identity mirroring the host user
type HostIdentity struct {
	Name string
	UID  int
	GID  int
}

// Config is the complete bootstrap configuration. It is constructed once by
// Load and never modified afterwards.
type Config struct {
	Role        types.NodeRole
	ClusterName string

	ControllerHost string
	NodeA          string
	NodeB          string
	LocalNode      string
	DbdHost        string

	// CPUs and MemoryMB override host introspection when non-zero
	CPUs     int
	MemoryMB int64

	// GPUCount is kept raw; the topology resolver decides what is valid
	GPUCount string

	Tenants       string
	TenantUIDBase int
	TenantGIDBase int
	TenantRoot    string

	// Host is nil when no host identity passthrough is configured
	Host *HostIdentity

	AdminGroup   string
	AdminAccount string

	Isolation bool

	DB Database

	SharedDir   string
	ConfDirs    []string
	StateDir    string
	LogDir      string
	MetricsAddr string

	MungeKeyPath string
	PasswdFile   string
	GroupFile    string

	DBWait   WaitPolicy
	KeyWait  WaitPolicy
	DbdWait  WaitPolicy
	CtldWait WaitPolicy

	LogLevel  string
	LogFormat string
}

// SharedKeyPath is where the controller publishes the cluster key
func (c *Config) SharedKeyPath() string {
	return filepath.Join(c.SharedDir, "munge", "munge.key")
}

// WorkerNames returns the two compute node names in order
func (c *Config) WorkerNames() []string {
	return []string{c.NodeA, c.NodeB}
}

// FromEnv loads the configuration from the process environment
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from the given lookup function. Unset or malformed
// optional values fall back to their defaults; malformed values that change
// cluster identity (role, host uid/gid) are errors.
func Load(lookup LookupFunc) (*Config, error) {
	e := env{lookup: lookup}

	role, err := types.ParseNodeRole(e.str("SLURM_ROLE", ""))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		Role:        role,
		ClusterName: e.str("SLURM_CLUSTER_NAME", "linux"),

		ControllerHost: e.str("SLURMCTLD_HOST", "slurmctld"),
		NodeA:          e.str("SLURM_NODE_A", "c1"),
		NodeB:          e.str("SLURM_NODE_B", "c2"),
		LocalNode:      e.str("SLURM_NODE_NAME", hostname),

		CPUs:     e.integer("SLURM_CPUS", 0),
		GPUCount: e.raw("GPU_COUNT"),

		Tenants:       e.raw("SLURM_TENANTS"),
		TenantUIDBase: e.integer("TENANT_UID_BASE", 2000),
		TenantGIDBase: e.integer("TENANT_GID_BASE", 2000),
		TenantRoot:    e.str("TENANT_ROOT", "/shared/tenants"),

		AdminGroup:   e.str("ADMIN_GROUP", "slurmadmin"),
		AdminAccount: e.str("ADMIN_ACCOUNT", ""),

		Isolation: Truthy(e.raw("SLURM_CGROUP")),

		DB: Database{
			Host:     e.str("MYSQL_HOST", "mysql"),
			Port:     e.integer("MYSQL_PORT", 3306),
			User:     e.str("MYSQL_USER", "slurm"),
			Password: e.str("MYSQL_PASSWORD", "password"),
			Name:     e.str("MYSQL_DATABASE", "slurm_acct_db"),
		},

		SharedDir:   e.str("SHARED_DIR", "/shared"),
		ConfDirs:    splitList(e.str("SLURM_CONF_DIRS", "/etc/slurm:/etc/slurm-llnl")),
		StateDir:    e.str("SLURMBOOT_STATE_DIR", "/var/lib/slurmboot"),
		LogDir:      e.str("SLURM_LOG_DIR", "/var/log/slurm"),
		MetricsAddr: e.raw("SLURMBOOT_METRICS_ADDR"),

		MungeKeyPath: e.str("MUNGE_KEY_PATH", "/etc/munge/munge.key"),
		PasswdFile:   e.str("SLURMBOOT_PASSWD_FILE", "/etc/passwd"),
		GroupFile:    e.str("SLURMBOOT_GROUP_FILE", "/etc/group"),

		DBWait:   e.wait("DB", 60, 2*time.Second),
		KeyWait:  e.wait("KEY", 60, time.Second),
		DbdWait:  e.wait("DBD", 30, 2*time.Second),
		CtldWait: e.wait("CTLD", 30, 2*time.Second),

		LogLevel:  e.str("SLURMBOOT_LOG_LEVEL", "info"),
		LogFormat: e.raw("SLURMBOOT_LOG_FORMAT"),
	}

	cfg.DbdHost = e.str("SLURMDBD_HOST", cfg.ControllerHost)

	if raw := e.raw("SLURM_REAL_MEMORY"); raw != "" {
		mb, err := ParseMemoryMB(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SLURM_REAL_MEMORY: %w", err)
		}
		cfg.MemoryMB = mb
	}

	host, err := loadHostIdentity(e)
	if err != nil {
		return nil, err
	}
	cfg.Host = host

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.NodeA == "" || c.NodeB == "" || c.ControllerHost == "" {
		return fmt.Errorf("controller and both worker names must be set")
	}
	if c.NodeA == c.NodeB {
		return fmt.Errorf("worker names must differ, both are %q", c.NodeA)
	}
	if c.LocalNode == "" {
		return fmt.Errorf("local node name is empty and hostname is unavailable")
	}
	if len(c.ConfDirs) == 0 {
		return fmt.Errorf("at least one configuration directory is required")
	}
	for _, w := range []WaitPolicy{c.DBWait, c.KeyWait, c.DbdWait, c.CtldWait} {
		if w.Attempts < 1 || w.Interval < 0 {
			return fmt.Errorf("wait policies need at least one attempt and a non-negative interval")
		}
	}
	return nil
}

func loadHostIdentity(e env) (*HostIdentity, error) {
	name := e.raw("HOST_USER")
	uidRaw := e.raw("HOST_UID")
	if name == "" || uidRaw == "" {
		return nil, nil
	}

	uid, err := strconv.Atoi(uidRaw)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid HOST_UID %q", uidRaw)
	}

	gid := uid
	if gidRaw := e.raw("HOST_GID"); gidRaw != "" {
		gid, err = strconv.Atoi(gidRaw)
		if err != nil || gid < 0 {
			return nil, fmt.Errorf("invalid HOST_GID %q", gidRaw)
		}
	}

	return &HostIdentity{Name: strings.ToLower(name), UID: uid, GID: gid}, nil
}

// Truthy reports whether a toggle is on: 1, true or yes in any case
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// ParseMemoryMB accepts a plain number of megabytes or a size with a unit
// suffix such as 4g or 512MiB.
func ParseMemoryMB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative memory size %q", s)
		}
		return n, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return bytes / units.MiB, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ',' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type env struct {
	lookup LookupFunc
}

// raw returns the trimmed value or ""
func (e env) raw(key string) string {
	v, ok := e.lookup(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// str returns the value, or the default when unset or empty
func (e env) str(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

// integer parses an integer, falling back to the default when unset or invalid
func (e env) integer(key string, def int) int {
	v := e.raw(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// duration parses a duration, accepting bare numbers as seconds
func (e env) duration(key string, def time.Duration) time.Duration {
	v := e.raw(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func (e env) wait(name string, attempts int, interval time.Duration) WaitPolicy {
	prefix := "SLURMBOOT_" + name + "_WAIT_"
	return WaitPolicy{
		Attempts: e.integer(prefix+"ATTEMPTS", attempts),
		Interval: e.duration(prefix+"INTERVAL", interval),
	}
}
