package health

import (
	"context"
	"fmt"
	"time"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/retry"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
	// Attempts is filled in by Wait
	Attempts int
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// UnhealthyError carries the last failed result of a wait
type UnhealthyError struct {
	Name   string
	Result Result
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("%s not healthy: %s", e.Name, e.Result.Message)
}

// Wait runs checker until it reports healthy or policy runs out. name
// identifies the awaited service in logs and errors. onAttempt, if set, is
// called once per check.
func Wait(ctx context.Context, name string, checker Checker, policy config.WaitPolicy, onAttempt func(Result)) (Result, error) {
	logger := log.WithComponent("health").With().Str("check", name).Str("type", string(checker.Type())).Logger()

	var last Result
	attempts := 0
	err := retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		last = checker.Check(ctx)
		last.Attempts = attempts
		if onAttempt != nil {
			onAttempt(last)
		}
		if !last.Healthy {
			return &UnhealthyError{Name: name, Result: last}
		}
		return nil
	},
		retry.WithAttempts(policy.Attempts),
		retry.WithInterval(policy.Interval),
		retry.WithNotify(func(attempt int, err error) {
			logger.Debug().Int("attempt", attempt).Int("of", policy.Attempts).Msg(last.Message)
		}),
	)
	if err != nil {
		logger.Warn().Int("attempts", attempts).Str("last", last.Message).Msg("Gave up waiting")
		return last, fmt.Errorf("waiting for %s: %w", name, err)
	}

	logger.Info().Int("attempts", attempts).Dur("elapsed", last.Duration).Msg("Healthy")
	return last, nil
}
