package bootstrap

import (
	"errors"
	"fmt"

	"github.com/fanyadan/my-slurm/pkg/daemon"
)

// ExitStartupFailure is the exit code of a fatal startup error (EX_SOFTWARE)
const ExitStartupFailure = 70

// Phase names a bootstrap step
type Phase string

const (
	PhaseConfig      Phase = "config"
	PhasePlan        Phase = "plan"
	PhaseIdentity    Phase = "identity"
	PhaseKey         Phase = "key"
	PhaseRender      Phase = "render"
	PhaseRuntimeDirs Phase = "runtime-dirs"
	PhaseMunge       Phase = "munged"
	PhaseStoreWait   Phase = "store-wait"
	PhaseSlurmdbd    Phase = "slurmdbd"
	PhaseDbdWait     Phase = "slurmdbd-wait"
	PhaseAccounting  Phase = "accounting"
	PhaseSlurmctld   Phase = "slurmctld"
	PhaseSlurmd      Phase = "slurmd"
	PhaseSupervise   Phase = "supervise"
)

// StartupError is a fatal failure before supervision began
type StartupError struct {
	Phase Phase
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed in %s: %v", e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ExitCode maps the result of Run to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var startup *StartupError
	if errors.As(err, &startup) {
		return ExitStartupFailure
	}
	var exit *daemon.ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}
