package bootstrap

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/accounting"
	"github.com/fanyadan/my-slurm/pkg/daemon"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/storage"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// KeepRuns is how many runs the journal retains
const KeepRuns = 20

// Journal records the progress of one run in the local store. The store is
// opened for each flush and closed again, so status readers are never
// locked out while daemons run. Journal failures are logged and ignored.
type Journal struct {
	dir      string
	run      *storage.Run
	renders  []*storage.RenderRecord
	entities []*storage.EntityRecord
	logger   zerolog.Logger
}

// NewJournal creates a journal stored in dir. An empty dir disables it.
func NewJournal(dir string) *Journal {
	return &Journal{
		dir:    dir,
		logger: log.WithComponent("journal"),
	}
}

// Begin starts a new run record
func (j *Journal) Begin(node string, role types.NodeRole) string {
	j.run = &storage.Run{
		ID:        uuid.New().String(),
		Node:      node,
		Role:      role,
		StartedAt: time.Now(),
		Outcome:   storage.OutcomeRunning,
	}
	j.flush()
	return j.run.ID
}

// RunID returns the current run id
func (j *Journal) RunID() string {
	if j.run == nil {
		return ""
	}
	return j.run.ID
}

// Phase marks the phase the run entered
func (j *Journal) Phase(p Phase) {
	if j.run != nil {
		j.run.Phase = string(p)
	}
}

// SetKey records the installed key fingerprint
func (j *Journal) SetKey(fingerprint string) {
	if j.run != nil {
		j.run.KeyFingerprint = fingerprint
	}
}

// SetTenants records the provisioned tenant names
func (j *Journal) SetTenants(names []string) {
	if j.run != nil {
		j.run.Tenants = names
	}
}

// Rendered queues digests of written configuration files
func (j *Journal) Rendered(written []render.Written) {
	now := time.Now()
	for _, w := range written {
		j.renders = append(j.renders, &storage.RenderRecord{
			Path:      w.Path,
			Digest:    w.Digest,
			RunID:     j.RunID(),
			WrittenAt: now,
		})
	}
}

// Confirmed queues accounting entities known to exist
func (j *Journal) Confirmed(entities []accounting.Entity) {
	now := time.Now()
	for _, e := range entities {
		if e.Err != nil {
			continue
		}
		j.entities = append(j.entities, &storage.EntityRecord{
			Key:         e.Key(),
			Kind:        e.Kind,
			Name:        e.Name,
			Account:     e.Account,
			RunID:       j.RunID(),
			ConfirmedAt: now,
		})
	}
}

// Checkpoint writes everything recorded so far
func (j *Journal) Checkpoint() {
	j.flush()
}

// Finish closes the run with the outcome derived from err
func (j *Journal) Finish(err error) {
	outcome := storage.OutcomeStopped
	var exit *daemon.ExitError
	var startup *StartupError
	switch {
	case err == nil:
	case errors.As(err, &startup):
		outcome = storage.OutcomeFailed
	case errors.As(err, &exit):
		outcome = storage.OutcomeExited
	default:
		outcome = storage.OutcomeFailed
	}
	j.Complete(outcome, ExitCode(err), err)
}

// Complete closes the run with an explicit outcome
func (j *Journal) Complete(outcome string, code int, err error) {
	if j.run == nil {
		return
	}
	now := time.Now()
	j.run.FinishedAt = &now
	j.run.Outcome = outcome
	j.run.ExitCode = code
	if err != nil {
		j.run.Error = err.Error()
	}
	j.flush()
}

func (j *Journal) flush() {
	if j.dir == "" || j.run == nil {
		return
	}

	store, err := storage.NewBoltStore(j.dir)
	if err != nil {
		j.logger.Warn().Err(err).Str("dir", j.dir).Msg("Journal unavailable")
		return
	}
	defer store.Close()

	if err := store.UpdateRun(j.run); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to record run")
	}
	for _, rec := range j.renders {
		if err := store.PutRender(rec); err != nil {
			j.logger.Warn().Err(err).Str("path", rec.Path).Msg("Failed to record render")
		}
	}
	for _, rec := range j.entities {
		if err := store.PutEntity(rec); err != nil {
			j.logger.Warn().Err(err).Str("key", rec.Key).Msg("Failed to record entity")
		}
	}
	j.renders, j.entities = nil, nil

	if pruned, err := store.PruneRuns(KeepRuns); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to prune runs")
	} else if pruned > 0 {
		j.logger.Debug().Int("pruned", pruned).Msg("Pruned old runs")
	}
}
