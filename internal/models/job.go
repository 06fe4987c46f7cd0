// Package models holds the structured entities persisted in Postgres.
package models

import "time"

// Job status constants. The DAG a job moves through is owned by the worker
// (internal/worker); this package only names the states.
const (
	StatusAdmitted   = "admitted"
	StatusQueued     = "queued"
	StatusLaunching  = "launching"
	StatusRunning    = "running"
	StatusRetrieving = "retrieving"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusLost       = "lost"
)

// ActiveStatuses are the statuses that count against a principal's
// concurrency quota and that crash recovery must reconcile.
var ActiveStatuses = []string{StatusQueued, StatusLaunching, StatusRunning, StatusRetrieving}

// ExitUnknown is the sentinel exit status for a job whose remote pid
// vanished without an observable exit code (maps to StatusLost).
const ExitUnknown = -999

// Job is the central entity: a user-submitted code artifact scheduled onto
// one compute node and supervised to completion.
type Job struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`

	Node    int  `json:"node"`
	HasNode bool `json:"-"`

	DeclaredBudgetSeconds int    `json:"declared_budget_seconds"`
	Status                string `json:"status"`

	RemotePID      *int    `json:"remote_pid,omitempty"`
	CodePath        string `json:"-"`
	CompetitionTag string `json:"competition_tag"`
	ProjectTag     string `json:"project_tag"`

	Stdout       *string `json:"stdout,omitempty"`
	Stderr       *string `json:"stderr,omitempty"`
	ResultFile   *string `json:"result_file,omitempty"`
	ExitStatus   *int    `json:"exit_status,omitempty"`
	FailureCause *string `json:"failure_cause,omitempty"`
	ArtifactURI  *string `json:"artifact_uri,omitempty"`

	Cancelled bool `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsActive reports whether the job currently counts against the
// per-principal concurrency quota.
func (j Job) IsActive() bool {
	switch j.Status {
	case StatusQueued, StatusLaunching, StatusRunning, StatusRetrieving:
		return true
	default:
		return false
	}
}

// NodeRecord is the per-node placement and load state the Placer and
// Scheduler read and update.
type NodeRecord struct {
	Index                 int     `json:"index"`
	ProjectedQueueSeconds int64   `json:"projected_queue_seconds"`
	CurrentJobID          *string `json:"current_job_id,omitempty"`
	Quarantined           bool    `json:"quarantined"`
	AddressTag            string  `json:"address_tag"`
}

// Credential is a bearer secret bound to a principal, hashed at rest.
type Credential struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	SecretHash string    `json:"-"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
}
