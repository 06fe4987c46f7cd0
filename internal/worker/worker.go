// Package worker implements C7/C8: the per-node execution loop (Worker)
// and the remote-process supervision it drives (Supervisor, in
// supervisor.go) that together carry a queued job from launch through
// output retrieval to a terminal state.
package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"bastion-dispatcher/internal/config"
	"bastion-dispatcher/internal/models"
	"bastion-dispatcher/internal/scheduler"
	"bastion-dispatcher/internal/store"
	"bastion-dispatcher/internal/telemetry"
	"bastion-dispatcher/internal/transport"
)

// Transport is the subset of *transport.Transport a Worker drives.
type Transport interface {
	Connect(ctx context.Context) error
	PutFile(ctx context.Context, localPath, remotePath string) error
	ReadRemoteFile(ctx context.Context, remotePath string) (string, error)
	StartDetached(ctx context.Context, command, stdoutPath, stderrPath string) (int, error)
	IsProcessAlive(ctx context.Context, pid int) (bool, error)
	KillProcess(ctx context.Context, pid int) error
	ResetWorkspace(ctx context.Context, command string) error
}

// Store is the subset of internal/store.Store a Worker drives.
type Store interface {
	ListActiveJobsForNode(ctx context.Context, node int) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetLaunching(ctx context.Context, id string, pid int, startedAt time.Time) error
	SetRunning(ctx context.Context, id string) error
	SetRetrieving(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, node int, budgetSeconds int, o store.CompleteOutcome) error
}

// Worker drives every job placed on one compute node, one at a time, from
// launch through to a terminal status.
type Worker struct {
	node      int
	cfg       config.Config
	store     Store
	scheduler *scheduler.Scheduler
	transport Transport
}

// New builds a Worker for one node.
func New(node int, cfg config.Config, st Store, sched *scheduler.Scheduler, t Transport) *Worker {
	return &Worker{node: node, cfg: cfg, store: st, scheduler: sched, transport: t}
}

// Run loops until ctx is cancelled: pick up the node's next job, drive it
// to completion, repeat. Each node handles exactly one job at a time,
// mirroring the one-thread-per-GPU-node design this pool replaces.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.scheduler.NextForNode(ctx, w.node)
		if err != nil {
			log.Printf("worker[node=%d]: list next job: %v", w.node, err)
			time.Sleep(w.cfg.WorkerPollInterval)
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.WorkerPollInterval):
			}
			continue
		}

		w.driveToCompletion(ctx, *job)
	}
}

// driveToCompletion advances one job through whichever stage its status
// says it is in, resuming crash-recovered jobs from the middle where
// possible rather than always starting at launch.
func (w *Worker) driveToCompletion(ctx context.Context, job models.Job) {
	switch job.Status {
	case models.StatusQueued:
		w.launchAndSupervise(ctx, job)
	case models.StatusLaunching, models.StatusRunning:
		if job.RemotePID != nil {
			w.superviseExisting(ctx, job, *job.RemotePID)
		} else {
			w.fail(ctx, job, "resumed job had no remote pid recorded")
		}
	case models.StatusRetrieving:
		w.retrieveAndFinish(ctx, job, Outcome{Status: models.StatusCompleted, ExitStatus: intPtr(0)})
	default:
		// Terminal status already; nothing to drive.
	}
}

func (w *Worker) launchAndSupervise(ctx context.Context, job models.Job) {
	remoteSolution := fmt.Sprintf("%s/solution_%s.py", w.cfg.RemoteWorkDir, job.ID)
	remoteStdout := fmt.Sprintf("/tmp/job_%s.out", job.ID)
	remoteStderr := fmt.Sprintf("/tmp/job_%s.err", job.ID)

	if err := w.transport.Connect(ctx); err != nil {
		w.fail(ctx, job, "failed to connect to node: "+err.Error())
		return
	}

	if err := w.transport.PutFile(ctx, job.CodePath, remoteSolution); err != nil {
		w.fail(ctx, job, "failed to upload submission: "+err.Error())
		return
	}

	runCommand := fmt.Sprintf("cd %s && python3 %s", w.cfg.RemoteWorkDir, remoteSolution)
	pid, err := w.transport.StartDetached(ctx, runCommand, remoteStdout, remoteStderr)
	if err != nil {
		w.fail(ctx, job, "failed to launch remote process: "+err.Error())
		return
	}

	startedAt := time.Now().UTC()
	if err := w.store.SetLaunching(ctx, job.ID, pid, startedAt); err != nil {
		log.Printf("worker[node=%d]: record launching for %s: %v", w.node, job.ID, err)
	}
	telemetry.JobsLaunched.Inc()

	job.RemotePID = &pid
	job.StartedAt = &startedAt
	w.superviseExisting(ctx, job, pid)
}

func (w *Worker) superviseExisting(ctx context.Context, job models.Job, pid int) {
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	if err := w.store.SetRunning(ctx, job.ID); err != nil {
		log.Printf("worker[node=%d]: record running for %s: %v", w.node, job.ID, err)
	}

	deadline := scheduler.WallClockDeadline(*job.StartedAt, job.DeclaredBudgetSeconds, w.cfg.WallClockMultiplier)
	outcome := w.Supervise(ctx, job, pid, deadline)
	w.retrieveAndFinish(ctx, job, outcome)
}

func (w *Worker) retrieveAndFinish(ctx context.Context, job models.Job, outcome Outcome) {
	if err := w.store.SetRetrieving(ctx, job.ID); err != nil {
		log.Printf("worker[node=%d]: record retrieving for %s: %v", w.node, job.ID, err)
	}

	var stdout, stderr, resultFile *string
	if outcome.Status != models.StatusLost {
		remoteResults := fmt.Sprintf("%s/results_%s.jsonl", w.cfg.RemoteWorkDir, job.ID)
		remoteStdout := fmt.Sprintf("/tmp/job_%s.out", job.ID)
		remoteStderr := fmt.Sprintf("/tmp/job_%s.err", job.ID)

		if out, err := w.transport.ReadRemoteFile(ctx, remoteStdout); err == nil {
			stdout = &out
		}
		if errText, err := w.transport.ReadRemoteFile(ctx, remoteStderr); err == nil {
			stderr = &errText
		}
		if results, err := w.transport.ReadRemoteFile(ctx, remoteResults); err == nil && results != "" {
			resultFile = &results
		}

		if w.cfg.RestartRemoteWorkspace {
			resetCommand := strings.ReplaceAll(w.cfg.WorkspaceResetCommand, "{workdir}", w.cfg.RemoteWorkDir)
			if err := w.transport.ResetWorkspace(ctx, resetCommand); err != nil {
				log.Printf("worker[node=%d]: workspace reset failed: %v", w.node, err)
			}
		}
	}

	finishedAt := time.Now().UTC()
	err := w.store.Finish(ctx, job.ID, job.Node, job.DeclaredBudgetSeconds, outcomeWithOutput(outcome, stdout, stderr, resultFile, finishedAt))
	if err != nil {
		log.Printf("worker[node=%d]: finish job %s: %v", w.node, job.ID, err)
		return
	}

	switch outcome.Status {
	case models.StatusCompleted:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	case models.StatusCancelled:
		telemetry.JobsCancelled.Inc()
	case models.StatusLost:
		telemetry.JobsLost.Inc()
	}
}

func (w *Worker) fail(ctx context.Context, job models.Job, cause string) {
	finishedAt := time.Now().UTC()
	outcome := store.CompleteOutcome{
		Status:       models.StatusFailed,
		FailureCause: &cause,
		FinishedAt:   finishedAt,
	}
	if err := w.store.Finish(ctx, job.ID, job.Node, job.DeclaredBudgetSeconds, outcome); err != nil {
		log.Printf("worker[node=%d]: record failure for %s: %v", w.node, job.ID, err)
	}
	telemetry.JobsFailed.Inc()
}

// CompleteOutcomeFromSupervisor converts a bare supervisor Outcome (no
// retrieved output) into a store.CompleteOutcome, used by crash recovery
// where there is nothing left on the node worth retrieving.
func CompleteOutcomeFromSupervisor(o Outcome) store.CompleteOutcome {
	return outcomeWithOutput(o, nil, nil, nil, time.Now().UTC())
}

// outcomeWithOutput merges a supervisor Outcome with retrieved output into
// a store.CompleteOutcome.
func outcomeWithOutput(o Outcome, stdout, stderr, resultFile *string, finishedAt time.Time) store.CompleteOutcome {
	return store.CompleteOutcome{
		Status:       o.Status,
		Stdout:       stdout,
		Stderr:       stderr,
		ResultFile:   resultFile,
		ExitStatus:   o.ExitStatus,
		FailureCause: o.FailureCause,
		FinishedAt:   finishedAt,
	}
}

var _ Transport = (*transport.Transport)(nil)
var _ Store = (*store.Store)(nil)
