package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fanyadan/my-slurm/pkg/storage"
	"github.com/fanyadan/my-slurm/pkg/tenant"
	"github.com/fanyadan/my-slurm/pkg/types"
)

type rejectedEntry struct {
	Entry  string `yaml:"entry"`
	Reason string `yaml:"reason"`
}

type tenantReport struct {
	Tenants    []types.TenantSpec `yaml:"tenants"`
	Rejected   []rejectedEntry    `yaml:"rejected,omitempty"`
	Duplicates []string           `yaml:"duplicates,omitempty"`
}

type statusReport struct {
	Runs     []*storage.Run          `yaml:"runs"`
	Renders  []*storage.RenderRecord `yaml:"renders,omitempty"`
	Entities []*storage.EntityRecord `yaml:"entities,omitempty"`
}

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Print the parsed tenant registry as YAML",
	Long: `Tenants parses SLURM_TENANTS exactly like the bootstrap does and prints
the resulting tenants with their uid and gid, the rejected entries and any
duplicate names.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dedupe, _ := cmd.Flags().GetBool("dedupe")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg := tenant.Parse(cfg.Tenants, cfg.TenantUIDBase, cfg.TenantGIDBase)
		report := tenantReport{Duplicates: reg.Duplicates()}
		if dedupe {
			reg = reg.Dedupe()
		}
		report.Tenants = reg.Tenants
		for _, r := range reg.Rejected {
			report.Rejected = append(report.Rejected, rejectedEntry{Entry: r.Entry, Reason: r.Reason})
		}

		return writeYAML(cmd.OutOrStdout(), report)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the bootstrap journal as YAML",
	Long: `Status prints the recorded runs of this node, newest last, with the
configuration digests and accounting entities they confirmed. It opens the
journal read-only and is safe to use while the node runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.OpenReadOnly(cfg.StateDir)
		if err != nil {
			return err
		}
		defer store.Close()

		var report statusReport
		if report.Runs, err = store.ListRuns(); err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if limit > 0 && len(report.Runs) > limit {
			report.Runs = report.Runs[len(report.Runs)-limit:]
		}
		if report.Renders, err = store.ListRenders(); err != nil {
			return fmt.Errorf("failed to list renders: %w", err)
		}
		if report.Entities, err = store.ListEntities(); err != nil {
			return fmt.Errorf("failed to list entities: %w", err)
		}

		return writeYAML(cmd.OutOrStdout(), report)
	},
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

func init() {
	tenantsCmd.Flags().Bool("dedupe", false, "Keep only the first entry of each tenant name")
	statusCmd.Flags().IntP("limit", "n", 5, "Show at most this many runs (0 for all)")
}
