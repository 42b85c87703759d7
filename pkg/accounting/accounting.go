// Package accounting registers the cluster, its accounts and users with the
// accounting daemon through sacctmgr. Every call is idempotent: an entity
// that already exists counts as success.
package accounting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// Entity kinds
const (
	KindCluster = "cluster"
	KindAccount = "account"
	KindUser    = "user"
)

// sacctmgr answers these when nothing had to change
var existsMarkers = []string{"already exists", "nothing new added"}

// Entity is one accounting record the bootstrap asked for
type Entity struct {
	Kind string `yaml:"kind" json:"kind"`
	Name string `yaml:"name" json:"name"`
	// Account is the default account of a user
	Account string `yaml:"account,omitempty" json:"account,omitempty"`
	Created bool   `yaml:"created" json:"created"`
	Err     error  `yaml:"-" json:"-"`
}

// Key identifies the entity in the journal
func (e Entity) Key() string {
	if e.Kind == KindUser {
		return e.Kind + "/" + e.Name + "@" + e.Account
	}
	return e.Kind + "/" + e.Name
}

// Plan lists the records a fresh cluster needs
type Plan struct {
	Cluster      string
	AdminAccount string
	// AdminUsers get AdminAccount as default account
	AdminUsers []string
	Tenants    []types.TenantSpec
}

// Bootstrapper drives sacctmgr
type Bootstrapper struct {
	runner command.Runner
	logger zerolog.Logger
}

// NewBootstrapper creates a bootstrapper running sacctmgr through runner
func NewBootstrapper(runner command.Runner) *Bootstrapper {
	return &Bootstrapper{
		runner: runner,
		logger: log.WithComponent("accounting"),
	}
}

// Bootstrap registers the cluster, the admin account and users, then one
// account and user per tenant. Only a failed cluster registration is
// returned as an error; other failures are recorded on their Entity and
// logged, so one bad tenant does not block the rest.
func (b *Bootstrapper) Bootstrap(ctx context.Context, plan Plan) ([]Entity, error) {
	cluster, err := b.add(ctx, Entity{Kind: KindCluster, Name: plan.Cluster}, "cluster", plan.Cluster)
	if err != nil {
		return []Entity{cluster}, fmt.Errorf("failed to register cluster %s: %w", plan.Cluster, err)
	}
	entities := []Entity{cluster}

	if plan.AdminAccount != "" {
		entities = append(entities, b.addAccount(ctx, plan.Cluster, plan.AdminAccount, "cluster administrators"))
		for _, u := range plan.AdminUsers {
			entities = append(entities, b.addUser(ctx, u, plan.AdminAccount))
		}
	}

	for _, t := range plan.Tenants {
		entities = append(entities, b.addAccount(ctx, plan.Cluster, t.Name, "tenant "+t.Name))
		entities = append(entities, b.addUser(ctx, t.Name, t.Name))
	}

	created, failed := 0, 0
	for _, e := range entities {
		if e.Created {
			created++
		}
		if e.Err != nil {
			failed++
		}
	}
	b.logger.Info().
		Str("cluster", plan.Cluster).
		Int("entities", len(entities)).
		Int("created", created).
		Int("failed", failed).
		Msg("Accounting bootstrap complete")

	return entities, nil
}

func (b *Bootstrapper) addAccount(ctx context.Context, cluster, name, description string) Entity {
	e, err := b.add(ctx, Entity{Kind: KindAccount, Name: name},
		"account", name, "Cluster="+cluster, "Description="+description, "Organization="+name)
	if err != nil {
		b.logger.Warn().Err(err).Str("account", name).Msg("Could not add account")
	}
	return e
}

func (b *Bootstrapper) addUser(ctx context.Context, name, account string) Entity {
	e, err := b.add(ctx, Entity{Kind: KindUser, Name: name, Account: account},
		"user", name, "DefaultAccount="+account)
	if err != nil {
		b.logger.Warn().Err(err).Str("user", name).Str("account", account).Msg("Could not add user")
	}
	return e
}

func (b *Bootstrapper) add(ctx context.Context, e Entity, args ...string) (Entity, error) {
	_, err := b.runner.Run(ctx, "sacctmgr", append([]string{"-i", "add"}, args...)...)
	switch {
	case err == nil:
		e.Created = true
		b.logger.Debug().Str("kind", e.Kind).Str("name", e.Name).Msg("Added")
	case command.OutputContains(err, existsMarkers...):
		b.logger.Debug().Str("kind", e.Kind).Str("name", e.Name).Msg("Already present")
	default:
		e.Err = err
		return e, err
	}
	return e, nil
}
