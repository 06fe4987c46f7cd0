// Package scheduler implements C6: handing each per-node worker loop its
// next queued job. A separate broker would earn its keep coordinating many
// worker processes racing for work across a fleet; this deployment runs a
// single server process, so "find next ready job" is expressed directly as
// SQL over internal/store instead of standing up a second store-of-truth
// the single process has no use for.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
)

// Store is the subset of internal/store.Store the scheduler depends on.
type Store interface {
	ListActiveJobsForNode(ctx context.Context, node int) ([]models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Scheduler hands a node's worker loop the next job it should advance.
type Scheduler struct {
	store Store
}

// New builds a Scheduler backed by store.
func New(store Store) *Scheduler {
	return &Scheduler{store: store}
}

// NextForNode returns the oldest queued-or-further-along job assigned to
// node that the worker loop has not yet finished driving, or nil if the
// node is idle. Ordering is FIFO by creation time within a node, so a
// node's projected queue time (used for placement) matches actual
// dispatch order.
func (s *Scheduler) NextForNode(ctx context.Context, node int) (*models.Job, error) {
	jobs, err := s.store.ListActiveJobsForNode(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("list active jobs for node %d: %w", node, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Cancel records cancellation intent for a job. The owning node's
// supervisor observes the Cancelled flag on its next poll and performs
// the remote kill.
func (s *Scheduler) Cancel(ctx context.Context, jobID string, caller string, isAdmin bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !isAdmin && job.Owner != caller {
		return apierr.New(apierr.NotFound, "job not found")
	}
	if !job.IsActive() {
		return apierr.New(apierr.TerminalState, "job already reached a terminal state")
	}
	return s.store.MarkCancelled(ctx, jobID)
}

// WallClockDeadline computes the hard deadline a supervisor must enforce
// for a job, applying the configured multiplier over its declared budget:
// the declared budget is a hint, not a hard cap by itself.
func WallClockDeadline(startedAt time.Time, declaredBudgetSeconds, multiplier int) time.Time {
	if multiplier <= 0 {
		multiplier = 1
	}
	return startedAt.Add(time.Duration(declaredBudgetSeconds*multiplier) * time.Second)
}
