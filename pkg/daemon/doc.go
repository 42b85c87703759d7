/*
Package daemon runs the cluster daemons as supervised child processes.

Process starts one daemon in its own process group with its output appended
to a log file, and stops it with SIGTERM followed by SIGKILL after a grace
period. Supervisor implements fail-together semantics: the first daemon to
exit cancels the group, every other daemon is stopped in reverse start
order, and that first exit code becomes the orchestrator's exit code.
Streamer follows the log files and prefixes each line with the daemon tag.
*/
package daemon
