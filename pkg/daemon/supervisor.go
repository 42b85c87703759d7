package daemon

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// Supervisor owns the started daemons. When one exits, the rest are
// stopped and the first exit is reported.
type Supervisor struct {
	Grace time.Duration

	mu     sync.Mutex
	procs  []Handle
	tasks  []func(ctx context.Context)
	logger zerolog.Logger
}

// NewSupervisor creates an empty supervisor
func NewSupervisor(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{
		Grace:  grace,
		logger: log.WithComponent("supervisor"),
	}
}

// Add registers a started daemon
func (s *Supervisor) Add(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, h)
}

// Background registers a task that runs alongside supervision. Tasks are
// cancelled on shutdown and can never fail the group.
func (s *Supervisor) Background(task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Handles returns the registered daemons in start order
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.procs)
}

// Run blocks until a daemon exits or ctx is cancelled, then stops every
// daemon. It returns the first daemon's *ExitError, or nil after ctx was
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	procs := s.Handles()
	s.mu.Lock()
	tasks := slices.Clone(s.tasks)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	for _, p := range procs {
		g.Go(func() error {
			select {
			case <-p.Done():
				return &ExitError{Tag: p.Tag(), Code: p.ExitCode()}
			case <-gctx.Done():
				return nil
			}
		})
	}

	for _, task := range tasks {
		g.Go(func() error {
			task(gctx)
			return nil
		})
	}

	s.logger.Info().Int("daemons", len(procs)).Msg("Supervising daemons")
	err := g.Wait()

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		s.logger.Warn().Str("daemon", exitErr.Tag).Int("code", exitErr.Code).Msg("Daemon exited, stopping the rest")
	} else {
		s.logger.Info().Msg("Shutdown requested, stopping daemons")
	}

	if stopErr := s.StopAll(); stopErr != nil {
		s.logger.Error().Err(stopErr).Msg("Errors while stopping daemons")
	}

	return err
}

// StopAll stops every daemon in reverse start order
func (s *Supervisor) StopAll() error {
	procs := s.Handles()

	var result *multierror.Error
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Stop(s.Grace); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
