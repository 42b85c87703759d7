package storage

import (
	"errors"
	"time"

	"github.com/fanyadan/my-slurm/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Run outcomes
const (
	OutcomeRunning  = "running"
	OutcomeStopped  = "stopped"
	OutcomeExited   = "daemon-exited"
	OutcomeFailed   = "startup-failed"
	OutcomeRendered = "rendered"
)

// Run is one orchestrator start
type Run struct {
	ID         string         `json:"id" yaml:"id"`
	Node       string         `json:"node" yaml:"node"`
	Role       types.NodeRole `json:"role" yaml:"role"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	// Phase is the last phase the run entered
	Phase    string `json:"phase" yaml:"phase"`
	Outcome  string `json:"outcome" yaml:"outcome"`
	ExitCode int    `json:"exit_code" yaml:"exit_code"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	// KeyFingerprint identifies the cluster key the run installed
	KeyFingerprint string   `json:"key_fingerprint,omitempty" yaml:"key_fingerprint,omitempty"`
	Tenants        []string `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

// RenderRecord is the last digest written to a configuration path
type RenderRecord struct {
	Path      string    `json:"path" yaml:"path"`
	Digest    string    `json:"digest" yaml:"digest"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	WrittenAt time.Time `json:"written_at" yaml:"written_at"`
}

// EntityRecord is an accounting entity confirmed present
type EntityRecord struct {
	Key         string    `json:"key" yaml:"key"`
	Kind        string    `json:"kind" yaml:"kind"`
	Name        string    `json:"name" yaml:"name"`
	Account     string    `json:"account,omitempty" yaml:"account,omitempty"`
	RunID       string    `json:"run_id" yaml:"run_id"`
	ConfirmedAt time.Time `json:"confirmed_at" yaml:"confirmed_at"`
}

// Store is the local bootstrap journal
type Store interface {
	// Runs
	CreateRun(run *Run) error
	GetRun(id string) (*Run, error)
	ListRuns() ([]*Run, error)
	UpdateRun(run *Run) error
	PruneRuns(keep int) (int, error)

	// Rendered files
	PutRender(rec *RenderRecord) error
	GetRender(path string) (*RenderRecord, error)
	ListRenders() ([]*RenderRecord, error)

	// Accounting entities
	PutEntity(rec *EntityRecord) error
	ListEntities() ([]*EntityRecord, error)

	// Utility
	Close() error
}
