// Package api implements C9: the HTTP surface over submission, status,
// results retrieval, cancellation, and fleet visibility.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/auth"
	"bastion-dispatcher/internal/config"
	"bastion-dispatcher/internal/models"
	"bastion-dispatcher/internal/quota"
	"bastion-dispatcher/internal/scanner"
	"bastion-dispatcher/internal/scheduler"
	"bastion-dispatcher/internal/store"
	"bastion-dispatcher/internal/telemetry"
)

// Store is the subset of internal/store.Store the API depends on.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, owner string, isAdmin bool) ([]models.Job, error)
	ListNodes(ctx context.Context) ([]models.NodeRecord, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Server wires HTTP handlers for the job dispatcher API.
type Server struct {
	cfg       config.Config
	store     Store
	auth      *auth.Authenticator
	limiter   *quota.Limiter
	scheduler *scheduler.Scheduler
	scan      scanner.Scanner
	uploadDir string
}

// New constructs the API server.
func New(cfg config.Config, st Store, authenticator *auth.Authenticator, limiter *quota.Limiter, sched *scheduler.Scheduler, scan scanner.Scanner, uploadDir string) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		auth:      authenticator,
		limiter:   limiter,
		scheduler: sched,
		scan:      scan,
		uploadDir: uploadDir,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/submit", s.withAuth(s.handleSubmit))
	r.Get("/api/status/{id}", s.withAuth(s.handleStatus))
	r.Get("/api/results/{id}", s.withAuth(s.handleResults))
	r.Post("/api/cancel/{id}", s.withAuth(s.handleCancel))
	r.Get("/api/jobs", s.withAuth(s.handleListJobs))
	r.Get("/api/nodes", s.withAuth(s.handleNodes))
	r.Get("/api/dashboard", s.withAuth(s.handleDashboard))
	return r
}

type principalKey struct{}

// withAuth validates the bearer credential and stores the resolved
// principal on the request context before calling next.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret, err := bearerToken(r)
		if err != nil {
			writeError(w, err)
			return
		}
		principal, err := s.auth.Authenticate(r.Context(), secret)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx), principal)
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apierr.New(apierr.Unauthenticated, "authorization header required")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", apierr.New(apierr.Unauthenticated, "invalid authorization header format")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// handleSubmit accepts a multipart submission: a "code" file and the form
// fields declared_budget_seconds, competition_tag, project_tag. It admits
// the job, then blocks up to a configurable ceiling for a terminal outcome
// before returning, mirroring the original synchronous submission flow.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apierr.Wrap(apierr.Validation, "invalid multipart submission", err))
		return
	}

	file, header, err := r.FormFile("code")
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Validation, "missing code file", err))
		return
	}
	defer file.Close()

	budgetStr := r.FormValue("declared_budget_seconds")
	budget, err := strconv.Atoi(budgetStr)
	if err != nil || budget <= 0 {
		writeError(w, apierr.New(apierr.Validation, "declared_budget_seconds must be a positive integer"))
		return
	}

	codeBytes, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Validation, "read uploaded code", err))
		return
	}

	if s.cfg.ScannerEnabled {
		verdict, err := s.scan.Scan(r.Context(), string(codeBytes))
		if err != nil {
			writeError(w, apierr.Wrap(apierr.Storage, "run code scanner", err))
			return
		}
		if !verdict.Safe {
			telemetry.ScannerRejects.Inc()
			writeError(w, apierr.New(apierr.ScannerReject, scanner.RejectionMessage(verdict)))
			return
		}
	}

	if err := s.limiter.Allow(r.Context(), principal.Name); err != nil {
		telemetry.SubmitRateRejects.Inc()
		writeError(w, err)
		return
	}

	codePath, err := s.saveUpload(principal.Name, header.Filename, codeBytes)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Storage, "persist uploaded code", err))
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Owner:                 principal.Name,
		DeclaredBudgetSeconds: budget,
		CodePath:              codePath,
		CompetitionTag:        r.FormValue("competition_tag"),
		ProjectTag:            r.FormValue("project_tag"),
		MaxActiveJobs:         s.cfg.MaxActiveJobsPerPrincipal,
	})
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.QuotaConcurrent {
			telemetry.QuotaRejects.Inc()
		}
		writeError(w, err)
		return
	}
	telemetry.JobsSubmitted.Inc()

	job = s.waitForTerminal(r.Context(), job.ID, s.cfg.WaitMaxSeconds)
	writeJSON(w, http.StatusAccepted, job)
}

// waitForTerminal polls for a job's terminal status, giving up and
// returning whatever status it currently has once waitSeconds elapses: the
// submitter blocks for a result up to a ceiling rather than forever.
func (s *Server) waitForTerminal(ctx context.Context, jobID string, waitSeconds int) models.Job {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return job
		}
		if !job.IsActive() {
			return job
		}
		if time.Now().After(deadline) {
			return job
		}
		select {
		case <-ctx.Done():
			return job
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) saveUpload(owner, filename string, content []byte) (string, error) {
	dir := filepath.Join(s.uploadDir, owner, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if filename == "" {
		filename = "script.py"
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	job, err := s.authorizedJob(r, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"node":        job.Node,
		"created_at":  job.CreatedAt,
		"started_at":  job.StartedAt,
		"finished_at": job.FinishedAt,
		"exit_status": job.ExitStatus,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	job, err := s.authorizedJob(r, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        job.ID,
		"status":        job.Status,
		"stdout":        job.Stdout,
		"stderr":        job.Stderr,
		"result_file":   job.ResultFile,
		"exit_status":   job.ExitStatus,
		"failure_cause": job.FailureCause,
		"artifact_uri":  job.ArtifactURI,
	})
}

// authorizedJob fetches a job by the {id} path param and enforces
// ownership: a non-admin requesting a job they don't own gets the same
// not-found response as a nonexistent job, so existence is never leaked.
func (s *Server) authorizedJob(r *http.Request, principal auth.Principal) (models.Job, error) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		return models.Job{}, err
	}
	if !principal.IsAdmin && job.Owner != principal.Name {
		return models.Job{}, apierr.New(apierr.NotFound, "job not found")
	}
	return job, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Cancel(r.Context(), id, principal.Name, principal.IsAdmin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	jobs, err := s.store.ListJobs(r.Context(), principal.Name, principal.IsAdmin)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Storage, "list jobs", err))
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(jobs) {
			jobs = jobs[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	if !principal.IsAdmin {
		writeError(w, apierr.New(apierr.Forbidden, "admin credential required"))
		return
	}
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Storage, "list nodes", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleDashboard returns an admin-wide fleet view (global status counts
// and every node) or a caller-scoped summary (status counts and the list of
// the caller's own jobs), depending on the credential's privilege.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Storage, "aggregate job counts", err))
		return
	}

	payload := map[string]any{"jobs_by_status": counts}

	if principal.IsAdmin {
		nodes, err := s.store.ListNodes(r.Context())
		if err != nil {
			writeError(w, apierr.Wrap(apierr.Storage, "list nodes", err))
			return
		}
		payload["nodes"] = nodes
	} else {
		jobs, err := s.store.ListJobs(r.Context(), principal.Name, false)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.Storage, "list own jobs", err))
			return
		}
		payload["your_jobs"] = jobs
		own := make(map[string]int64)
		for _, j := range jobs {
			own[j.Status]++
		}
		payload["jobs_by_status"] = own
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the apierr taxonomy to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case apierr.Unauthenticated:
		status = http.StatusUnauthorized
	case apierr.PrincipalMismatch, apierr.Forbidden:
		status = http.StatusForbidden
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.TerminalState, apierr.Validation, apierr.ScannerReject:
		status = http.StatusBadRequest
	case apierr.QuotaRate:
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
		}
		status = http.StatusTooManyRequests
	case apierr.QuotaConcurrent:
		status = http.StatusTooManyRequests
	case apierr.Transport, apierr.Storage:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, map[string]string{"error": apiErr.Message})
}

var _ Store = (*store.Store)(nil)
