package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fanyadan/my-slurm/pkg/command"
)

// ExecChecker reports healthy when a command exits zero
type ExecChecker struct {
	// Command is the command to execute (e.g., ["scontrol", "ping"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	runner command.Runner
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(runner command.Runner, cmd ...string) *ExecChecker {
	return &ExecChecker{
		Command: cmd,
		Timeout: 10 * time.Second,
		runner:  runner,
	}
}

// AccountingChecker probes slurmdbd through the accounting client
func AccountingChecker(runner command.Runner) *ExecChecker {
	return NewExecChecker(runner, "sacctmgr", "-n", "-P", "show", "cluster")
}

// ControllerChecker probes slurmctld
func ControllerChecker(runner command.Runner) *ExecChecker {
	return NewExecChecker(runner, "scontrol", "ping")
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	res, err := e.runner.Run(execCtx, e.Command[0], e.Command[1:]...)

	message := fmt.Sprintf("Command: %s", command.Quote(e.Command[0], e.Command[1:]...))
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// scontrol ping can print a DOWN status without failing
	if out := strings.TrimSpace(res.Output); out != "" {
		if strings.Contains(out, "is DOWN") {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("%s, Output: %s", message, out),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, out)
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}
