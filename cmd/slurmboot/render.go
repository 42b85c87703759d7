package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanyadan/my-slurm/pkg/bootstrap"
	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/identity"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/storage"
	"github.com/fanyadan/my-slurm/pkg/topology"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the cluster configuration without starting daemons",
	Long: `Render writes slurm.conf, gres.conf, cgroup.conf and, on controller
roles, slurmdbd.conf from the current environment.

Without --output the files go to every configuration root. Existing files
are only replaced with --force.`,
	Example: `  # Preview the configuration of the local node
  slurmboot render --output /tmp/slurm

  # Regenerate the live configuration
  slurmboot render --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		comp, err := bootstrap.Compose(cfg, topology.LocalHost(), topology.NewDeviceEnumerator(cfg.SharedDir))
		if err != nil {
			return err
		}

		dirs := cfg.ConfDirs
		var chown render.Chowner
		if output != "" {
			dirs = []string{output}
		} else {
			chown = identity.FromConfig(cfg, command.NewExecRunner(time.Minute)).Chown
		}

		w := render.NewWriter(dirs, chown)
		w.Force = force
		written, err := w.Write(comp.Files)
		if err != nil {
			return err
		}

		for _, f := range written {
			state := "unchanged"
			if f.Changed {
				state = "written"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s  %s\n", state, f.Digest[:12], f.Path)
		}

		if output == "" {
			j := bootstrap.NewJournal(cfg.StateDir)
			j.Begin(cfg.LocalNode, cfg.Role)
			j.Rendered(written)
			j.Complete(storage.OutcomeRendered, 0, nil)
		}
		return nil
	},
}

func init() {
	renderCmd.Flags().StringP("output", "o", "", "Write into this directory instead of the configuration roots")
	renderCmd.Flags().Bool("force", false, "Replace existing files")
}
