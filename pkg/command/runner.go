// Package command runs short-lived administrative commands (useradd,
// sacctmgr, scontrol) and captures their combined output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// Result is the outcome of one command invocation
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes a command to completion
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError is returned when the command ran but exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 200 {
		out = out[:200] + "..."
	}
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, out)
}

// ExecRunner runs commands on the local host
type ExecRunner struct {
	// Timeout bounds each command; zero means no timeout
	Timeout time.Duration
	logger  zerolog.Logger
}

// NewExecRunner creates a runner with a per-command timeout
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{
		Timeout: timeout,
		logger:  log.WithComponent("command"),
	}
}

// Run executes name with args and returns its combined output. A non-zero
// exit is reported as *ExitError alongside the populated Result.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	line := Quote(name, args...)
	r.logger.Debug().Str("cmd", line).Msg("Running command")

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Command: line, ExitCode: res.ExitCode, Output: res.Output}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run %s: %w", line, err)
	}

	return res, nil
}

// Quote renders a command line the way a shell would accept it
func Quote(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}

// OutputContains reports whether err is an *ExitError whose output contains
// any of the given substrings, compared case-insensitively
func OutputContains(err error, substrings ...string) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	out := strings.ToLower(exitErr.Output)
	for _, s := range substrings {
		if strings.Contains(out, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
