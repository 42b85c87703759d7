package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fanyadan/my-slurm/pkg/bootstrap"
	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(bootstrap.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "slurmboot",
	Short: "slurmboot - bootstrap a three-node batch cluster inside containers",
	Long: `slurmboot brings up one node of a small batch scheduling cluster:
a controller with accounting and two compute nodes.

It provisions users and tenants, distributes the cluster key, renders the
scheduler configuration and starts and supervises the node's daemons.
All settings come from the environment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(versionText())

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(tenantsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func versionText() string {
	return fmt.Sprintf("slurmboot version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
}

// loadConfig reads the environment and configures logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:  log.ParseLevel(cfg.LogLevel),
		Format: log.Format(cfg.LogFormat),
	})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bootstrap this node and supervise its daemons",
	Long: `Run provisions identities, installs the cluster key, writes the
configuration and starts the daemons of this node's role, then blocks until
a daemon exits or the process receives SIGINT or SIGTERM.

Exit codes:
  0    clean shutdown after a signal
  70   fatal startup failure
  n    exit code of the first daemon that exited (128+signal when killed)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return &bootstrap.StartupError{Phase: bootstrap.PhaseConfig, Err: err}
		}
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return bootstrap.New(cfg).Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), versionText())
	},
}
