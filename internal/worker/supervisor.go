package worker

import (
	"context"
	"time"

	"bastion-dispatcher/internal/models"
)

// Outcome is what the supervisor learned about a job's remote process by
// the time it stopped polling.
type Outcome struct {
	Status       string
	ExitStatus   *int
	FailureCause *string
}

// Supervise polls a running job's remote pid until it exits, is cancelled,
// or exceeds its wall-clock deadline. It never returns an error: every
// failure mode becomes a terminal Outcome the caller records.
func (w *Worker) Supervise(ctx context.Context, job models.Job, pid int, deadline time.Time) Outcome {
	ticker := time.NewTicker(w.cfg.SupervisionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return lostOutcome("server shutting down while job was running")
		case <-ticker.C:
		}

		current, err := w.store.GetJob(ctx, job.ID)
		if err != nil {
			return lostOutcome("lost track of job row during supervision: " + err.Error())
		}
		if current.Cancelled {
			if err := w.transport.KillProcess(ctx, pid); err != nil {
				return lostOutcome("cancellation requested but remote kill failed: " + err.Error())
			}
			return Outcome{Status: models.StatusCancelled}
		}

		if time.Now().After(deadline) {
			if err := w.transport.KillProcess(ctx, pid); err != nil {
				return lostOutcome("wall-clock timeout exceeded and remote kill failed: " + err.Error())
			}
			cause := "job exceeded its wall-clock budget"
			return Outcome{Status: models.StatusFailed, FailureCause: &cause}
		}

		alive, err := w.transport.IsProcessAlive(ctx, pid)
		if err != nil {
			// Transport already retried reconnects internally; treat a
			// persistent failure to check as lost rather than spinning.
			return lostOutcome("could not reach node to poll process liveness: " + err.Error())
		}
		if !alive {
			exit := 0
			return Outcome{Status: models.StatusCompleted, ExitStatus: &exit}
		}
	}
}

func lostOutcome(cause string) Outcome {
	return Outcome{Status: models.StatusLost, ExitStatus: intPtr(models.ExitUnknown), FailureCause: &cause}
}

func intPtr(v int) *int { return &v }

// RecoverActiveJobs is run once per worker at startup, before Run. Queued
// jobs are left for Run to launch, and a job past queued with a recorded
// remote pid is left for Run to resume (driveToCompletion picks it up from
// its current status). A job past queued with no recorded pid cannot be
// traced to a remote process: it is marked lost and its node's load is
// released rather than left stuck against the node.
func (w *Worker) RecoverActiveJobs(ctx context.Context, node int) error {
	jobs, err := w.store.ListActiveJobsForNode(ctx, node)
	if err != nil {
		return err
	}
	cause := "server restarted while job was active; remote state could not be verified"
	for _, job := range jobs {
		if job.Status == models.StatusQueued || job.RemotePID != nil {
			continue
		}
		if err := w.store.Finish(ctx, job.ID, job.Node, job.DeclaredBudgetSeconds, CompleteOutcomeFromSupervisor(Outcome{
			Status:       models.StatusLost,
			ExitStatus:   intPtr(models.ExitUnknown),
			FailureCause: &cause,
		})); err != nil {
			return err
		}
	}
	return nil
}
