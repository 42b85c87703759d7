/*
Package log provides structured logging for slurmboot using zerolog.

The package keeps one global zerolog.Logger that every other package derives
component loggers from. Logs go to stderr so that stdout stays free for the
aggregated daemon log stream.

# Output Format

Init picks the encoding:

  - FormatJSON: one JSON object per line (container log collectors)
  - FormatConsole: human-readable zerolog.ConsoleWriter
  - FormatAuto: console when stderr is a terminal, JSON otherwise

# Usage

	log.Init(log.Config{
		Level:  log.ParseLevel(os.Getenv("SLURMBOOT_LOG_LEVEL")),
		Format: log.FormatAuto,
	})

	logger := log.WithComponent("topology")
	logger.Info().Int("gpus", 7).Msg("Resolved GPU allocation")

	daemonLog := log.WithDaemon("slurmctld")
	daemonLog.Warn().Int("exit_code", 1).Msg("Daemon exited")

Context helpers:
  - WithComponent: component=<name>
  - WithNode: node=<name>
  - WithDaemon: daemon=<tag>
*/
package log
