package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/fanyadan/my-slurm/pkg/command"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// DefaultGrace is how long Stop waits after SIGTERM before SIGKILL
const DefaultGrace = 10 * time.Second

// ExitError reports a daemon that exited. Code follows shell conventions:
// the exit status, or 128+n when killed by signal n.
type ExitError struct {
	Tag  string
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exited with code %d: %v", e.Tag, e.Code, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tag, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Handle is a running daemon as seen by the supervisor
type Handle interface {
	Tag() string
	Pid() int
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed
	ExitCode() int
	Stop(grace time.Duration) error
}

// Launcher starts daemons
type Launcher interface {
	Start(spec types.DaemonSpec) (Handle, error)
}

// ExecLauncher starts daemons as child processes
type ExecLauncher struct{}

// Start implements Launcher
func (ExecLauncher) Start(spec types.DaemonSpec) (Handle, error) {
	return Start(spec)
}

// Process is a daemon child process. Each one leads its own process group
// so signals reach forked helpers too.
type Process struct {
	spec types.DaemonSpec
	cmd  *exec.Cmd
	// LogOffset is the size of the log file before the daemon started
	LogOffset int64

	done     chan struct{}
	exitCode int
	waitErr  error
	stopOnce sync.Once
	logFile  *os.File
	logger   zerolog.Logger
}

// Start launches spec. Output goes to spec.LogPath when set, otherwise to
// the orchestrator's stderr.
func Start(spec types.DaemonSpec) (*Process, error) {
	p := &Process{
		spec:   spec,
		done:   make(chan struct{}),
		logger: log.WithDaemon(spec.Tag),
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.User != nil && spec.User.UID > 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(spec.User.UID),
			Gid: uint32(spec.User.GID),
		}
	}

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", spec.Tag, err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log for %s: %w", spec.Tag, err)
		}
		if info, err := f.Stat(); err == nil {
			p.LogOffset = info.Size()
		}
		p.logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	p.logger.Info().Str("cmd", command.Quote(spec.Path, spec.Args...)).Str("log", spec.LogPath).Msg("Starting daemon")

	if err := cmd.Start(); err != nil {
		p.closeLog()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Tag, err)
	}
	p.cmd = cmd

	go p.wait()

	p.logger.Info().Int("pid", cmd.Process.Pid).Msg("Daemon started")
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.waitErr = err
	p.exitCode = exitCode(err)
	p.closeLog()

	ev := p.logger.Info()
	if p.exitCode != 0 {
		ev = p.logger.Warn()
	}
	ev.Int("code", p.exitCode).Msg("Daemon exited")

	close(p.done)
}

func (p *Process) closeLog() {
	if p.logFile != nil {
		p.logFile.Close()
	}
}

// Tag returns the daemon tag
func (p *Process) Tag() string { return p.spec.Tag }

// Pid returns the process id
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done is closed
func (p *Process) ExitCode() int { return p.exitCode }

// Err is the wait error, valid after Done is closed
func (p *Process) Err() error { return p.waitErr }

// Stop sends SIGTERM to the process group, then SIGKILL after grace
func (p *Process) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		err = p.stop(grace)
	})
	return err
}

func (p *Process) stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	p.logger.Info().Msg("Stopping daemon")

	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Error().Err(err).Msg("Failed to send SIGTERM")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn().Dur("grace", grace).Msg("Daemon did not stop gracefully, force killing")
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill %s: %w", p.spec.Tag, err)
	}
	<-p.done
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
