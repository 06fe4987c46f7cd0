package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
	"bastion-dispatcher/internal/placer"
)

// Store wraps pgxpool for Postgres persistence. It is the sole keeper of
// job, node and credential state — the scheduler and quota concurrency
// checks read through it rather than caching independently.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitNodes ensures node_state carries exactly one row per configured node,
// seeding new rows and leaving existing load/quarantine state untouched.
func (s *Store) InitNodes(ctx context.Context, addressTags []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, tag := range addressTags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO node_state (index, address_tag)
			VALUES ($1, $2)
			ON CONFLICT (index) DO UPDATE SET address_tag = EXCLUDED.address_tag
		`, i, tag); err != nil {
			return fmt.Errorf("seed node %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

// NodeLoads returns the projected queue seconds of every non-quarantined
// node, ordered by index, for the placer to choose among.
func (s *Store) NodeLoads(ctx context.Context) ([]int64, []int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT index, projected_queue_seconds FROM node_state
		WHERE NOT quarantined ORDER BY index
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query node loads: %w", err)
	}
	defer rows.Close()

	var loads []int64
	var indices []int
	for rows.Next() {
		var idx int
		var load int64
		if err := rows.Scan(&idx, &load); err != nil {
			return nil, nil, fmt.Errorf("scan node load: %w", err)
		}
		indices = append(indices, idx)
		loads = append(loads, load)
	}
	return loads, indices, rows.Err()
}

// ListNodes returns every node's full state, quarantined or not, for the
// dashboard and node-stats endpoint.
func (s *Store) ListNodes(ctx context.Context) ([]models.NodeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT index, address_tag, projected_queue_seconds, current_job_id, quarantined
		FROM node_state ORDER BY index
	`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []models.NodeRecord
	for rows.Next() {
		var n models.NodeRecord
		var currentJobID pgtype.Text
		if err := rows.Scan(&n.Index, &n.AddressTag, &n.ProjectedQueueSeconds, &currentJobID, &n.Quarantined); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.CurrentJobID = textPtr(currentJobID)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetQuarantined flags or clears a node's quarantine state, keeping it out
// of (or returning it to) the placer's candidate set.
func (s *Store) SetQuarantined(ctx context.Context, node int, quarantined bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE node_state SET quarantined = $2 WHERE index = $1`, node, quarantined)
	return err
}

// CreateJobParams collects inputs required to admit a new job.
type CreateJobParams struct {
	Owner                 string
	DeclaredBudgetSeconds int
	CodePath              string
	CompetitionTag        string
	ProjectTag            string
	MaxActiveJobs         int
}

// CreateJob admits a job: it checks the owner's active-job concurrency
// quota, picks a node via the placer, and inserts the job row, all inside
// one transaction so no concurrent submission can observe a half-applied
// placement.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	activeRows, err := tx.Query(ctx, `
		SELECT id FROM jobs WHERE owner = $1 AND status = ANY($2) FOR UPDATE
	`, p.Owner, models.ActiveStatuses)
	if err != nil {
		return models.Job{}, fmt.Errorf("lock active jobs: %w", err)
	}
	active := 0
	for activeRows.Next() {
		active++
	}
	activeRows.Close()
	if err := activeRows.Err(); err != nil {
		return models.Job{}, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= p.MaxActiveJobs {
		return models.Job{}, apierr.New(apierr.QuotaConcurrent, "too many active jobs for this principal")
	}

	rows, err := tx.Query(ctx, `
		SELECT index, projected_queue_seconds FROM node_state
		WHERE NOT quarantined ORDER BY index FOR UPDATE
	`)
	if err != nil {
		return models.Job{}, fmt.Errorf("query node loads for placement: %w", err)
	}
	var indices []int
	var loads []int64
	for rows.Next() {
		var idx int
		var load int64
		if err := rows.Scan(&idx, &load); err != nil {
			rows.Close()
			return models.Job{}, fmt.Errorf("scan node load: %w", err)
		}
		indices = append(indices, idx)
		loads = append(loads, load)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Job{}, fmt.Errorf("iterate node loads: %w", err)
	}
	if len(loads) == 0 {
		return models.Job{}, apierr.New(apierr.Storage, "no node available for placement")
	}

	chosen := indices[placer.Choose(loads)]

	if _, err := tx.Exec(ctx, `
		UPDATE node_state SET projected_queue_seconds = projected_queue_seconds + $2 WHERE index = $1
	`, chosen, p.DeclaredBudgetSeconds); err != nil {
		return models.Job{}, fmt.Errorf("update node load: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, owner, node, declared_budget_seconds, status, code_path, competition_tag, project_tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, p.Owner, chosen, p.DeclaredBudgetSeconds, models.StatusQueued, p.CodePath, p.CompetitionTag, p.ProjectTag, now); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:                    id,
		Owner:                 p.Owner,
		Node:                  chosen,
		HasNode:               true,
		DeclaredBudgetSeconds: p.DeclaredBudgetSeconds,
		Status:                models.StatusQueued,
		CodePath:              p.CodePath,
		CompetitionTag:        p.CompetitionTag,
		ProjectTag:            p.ProjectTag,
		CreatedAt:             now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, node, declared_budget_seconds, status, remote_pid, code_path,
		       competition_tag, project_tag, stdout, stderr, result_file, exit_status,
		       failure_cause, artifact_uri, cancelled, created_at, started_at, finished_at
		FROM jobs WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apierr.New(apierr.NotFound, "job not found")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs visible to the caller: every job for an admin,
// only the caller's own jobs otherwise.
func (s *Store) ListJobs(ctx context.Context, owner string, isAdmin bool) ([]models.Job, error) {
	var rows pgx.Rows
	var err error
	if isAdmin {
		rows, err = s.pool.Query(ctx, jobSelectColumns+` FROM jobs ORDER BY created_at DESC`)
	} else {
		rows, err = s.pool.Query(ctx, jobSelectColumns+` FROM jobs WHERE owner = $1 ORDER BY created_at DESC`, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobs returns every job in an active status, across all owners,
// for worker-startup crash recovery.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelectColumns+` FROM jobs WHERE status = ANY($1)`, models.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobsForNode returns the active jobs currently placed on a node,
// for the per-node worker loop to pick up.
func (s *Store) ListActiveJobsForNode(ctx context.Context, node int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelectColumns+` FROM jobs WHERE node = $1 AND status = ANY($2) ORDER BY created_at`, node, models.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("query node active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// SetLaunching transitions a queued job into launching and records the
// remote pid once the supervisor has a detached process on the node.
func (s *Store) SetLaunching(ctx context.Context, id string, pid int, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, remote_pid = $3, started_at = $4 WHERE id = $1
	`, id, models.StatusLaunching, pid, startedAt)
	return err
}

// SetRunning transitions a launching job to running; the worker calls it
// when supervision of the recorded remote pid begins.
func (s *Store) SetRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, models.StatusRunning)
	return err
}

// SetRetrieving transitions a job whose remote process has exited into
// output-retrieval.
func (s *Store) SetRetrieving(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, models.StatusRetrieving)
	return err
}

// CompleteOutcome carries everything the supervisor learned once a job's
// output has been retrieved, for either a completed or a failed finish.
type CompleteOutcome struct {
	Status       string
	Stdout       *string
	Stderr       *string
	ResultFile   *string
	ExitStatus   *int
	FailureCause *string
	FinishedAt   time.Time
}

// Finish records a job's terminal outcome and frees its node placement.
func (s *Store) Finish(ctx context.Context, id string, node int, budgetSeconds int, o CompleteOutcome) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, stdout = $3, stderr = $4, result_file = $5, exit_status = $6,
		    failure_cause = $7, finished_at = $8
		WHERE id = $1
	`, id, o.Status, o.Stdout, o.Stderr, o.ResultFile, o.ExitStatus, o.FailureCause, o.FinishedAt); err != nil {
		return fmt.Errorf("update job outcome: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE node_state SET projected_queue_seconds = GREATEST(projected_queue_seconds - $2, 0)
		WHERE index = $1
	`, node, budgetSeconds); err != nil {
		return fmt.Errorf("release node load: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkCancelled flags a job for cancellation. The supervisor observes the
// flag and performs the remote kill; this only records intent.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancelled = TRUE WHERE id = $1 AND status = ANY($2)
	`, id, models.ActiveStatuses)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.TerminalState, "job is not in a cancellable state")
	}
	return nil
}

// SetArtifactURI records where a finished job's archived output landed and
// clears the stdout/stderr/result bytes the row held until then.
func (s *Store) SetArtifactURI(ctx context.Context, id, uri string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET artifact_uri = $2, stdout = NULL, stderr = NULL, result_file = NULL WHERE id = $1
	`, id, uri)
	return err
}

// ListForArtifactSweep returns finished jobs older than cutoff whose
// artifacts have not yet been archived, for the retention sweeper.
func (s *Store) ListForArtifactSweep(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelectColumns+`
		FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < $1 AND artifact_uri IS NULL
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query artifact sweep candidates: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountByStatus aggregates job counts per status for the dashboard.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// --- credentials ---

// CreateCredential inserts a new credential and deactivates any prior
// active credential for the same principal: a principal has at most one
// active credential at a time.
func (s *Store) CreateCredential(ctx context.Context, c models.Credential) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE credentials SET active = FALSE WHERE principal = $1 AND active
	`, c.Principal); err != nil {
		return fmt.Errorf("deactivate prior credentials: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO credentials (id, principal, secret_hash, is_admin, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
	`, c.ID, c.Principal, c.SecretHash, c.IsAdmin, c.CreatedAt, c.ExpiresAt); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return tx.Commit(ctx)
}

// GetActiveCredentialByHash looks up the active, unexpired credential
// matching a hashed bearer secret.
func (s *Store) GetActiveCredentialByHash(ctx context.Context, hash string) (models.Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, principal, secret_hash, is_admin, created_at, expires_at, active
		FROM credentials WHERE secret_hash = $1 AND active
	`, hash)

	var c models.Credential
	if err := row.Scan(&c.ID, &c.Principal, &c.SecretHash, &c.IsAdmin, &c.CreatedAt, &c.ExpiresAt, &c.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Credential{}, apierr.New(apierr.Unauthenticated, "unknown or inactive credential")
		}
		return models.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

// RevokeCredential deactivates a credential by id.
func (s *Store) RevokeCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE credentials SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "credential not found")
	}
	return nil
}

// ListCredentials returns every credential, for the admin CLI.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal, secret_hash, is_admin, created_at, expires_at, active
		FROM credentials ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.ID, &c.Principal, &c.SecretHash, &c.IsAdmin, &c.CreatedAt, &c.ExpiresAt, &c.Active); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const jobSelectColumns = `
	SELECT id, owner, node, declared_budget_seconds, status, remote_pid, code_path,
	       competition_tag, project_tag, stdout, stderr, result_file, exit_status,
	       failure_cause, artifact_uri, cancelled, created_at, started_at, finished_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (models.Job, error) {
	var job models.Job
	var remotePID pgtype.Int4
	var stdout, stderr, resultFile, failureCause, artifactURI pgtype.Text
	var exitStatus pgtype.Int4
	var startedAt, finishedAt pgtype.Timestamptz

	if err := row.Scan(
		&job.ID, &job.Owner, &job.Node, &job.DeclaredBudgetSeconds, &job.Status, &remotePID, &job.CodePath,
		&job.CompetitionTag, &job.ProjectTag, &stdout, &stderr, &resultFile, &exitStatus,
		&failureCause, &artifactURI, &job.Cancelled, &job.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return models.Job{}, err
	}

	job.HasNode = true
	if remotePID.Valid {
		v := int(remotePID.Int32)
		job.RemotePID = &v
	}
	job.Stdout = textPtr(stdout)
	job.Stderr = textPtr(stderr)
	job.ResultFile = textPtr(resultFile)
	job.FailureCause = textPtr(failureCause)
	job.ArtifactURI = textPtr(artifactURI)
	if exitStatus.Valid {
		v := int(exitStatus.Int32)
		job.ExitStatus = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
