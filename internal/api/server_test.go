package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/auth"
	"bastion-dispatcher/internal/config"
	"bastion-dispatcher/internal/models"
	"bastion-dispatcher/internal/quota"
	"bastion-dispatcher/internal/scanner"
	"bastion-dispatcher/internal/scheduler"
	"bastion-dispatcher/internal/store"
)

var farFuture = time.Now().Add(24 * 365 * time.Hour)

type fakeStore struct {
	jobs       map[string]models.Job
	nextID     int
	nodes      []models.NodeRecord
	createErr  error
}

func (f *fakeStore) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	if f.createErr != nil {
		return models.Job{}, f.createErr
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	job := models.Job{
		ID:                    id,
		Owner:                 p.Owner,
		DeclaredBudgetSeconds: p.DeclaredBudgetSeconds,
		Status:                models.StatusCompleted,
		CodePath:              p.CodePath,
		CompetitionTag:        p.CompetitionTag,
		ProjectTag:            p.ProjectTag,
	}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, apierr.New(apierr.NotFound, "job not found")
	}
	return j, nil
}

func (f *fakeStore) ListJobs(ctx context.Context, owner string, isAdmin bool) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if isAdmin || j.Owner == owner {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) ListNodes(ctx context.Context) ([]models.NodeRecord, error) { return f.nodes, nil }

func (f *fakeStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

type fakeAuthStore struct {
	creds map[string]models.Credential
}

func (f *fakeAuthStore) CreateCredential(ctx context.Context, c models.Credential) error {
	f.creds[c.ID] = c
	return nil
}
func (f *fakeAuthStore) GetActiveCredentialByHash(ctx context.Context, hash string) (models.Credential, error) {
	for _, c := range f.creds {
		if c.SecretHash == hash && c.Active {
			return c, nil
		}
	}
	return models.Credential{}, apierr.New(apierr.NotFound, "not found")
}
func (f *fakeAuthStore) RevokeCredential(ctx context.Context, id string) error { return nil }
func (f *fakeAuthStore) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	return nil, nil
}

func newTestServer(t *testing.T, fs *fakeStore) (*Server, string) {
	t.Helper()
	secret := "testsecret"
	hash := auth.HashSecret(secret)
	authStore := &fakeAuthStore{creds: map[string]models.Credential{
		"c1": {ID: "c1", Principal: "alice", SecretHash: hash, IsAdmin: false, Active: true, ExpiresAt: farFuture},
	}}
	authenticator := auth.New(authStore)
	sched := scheduler.New(schedulerStoreAdapter{fs})

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	limiter := quota.NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 100, time.Minute)

	cfg := config.Config{ScannerEnabled: false, WaitMaxSeconds: 1, MaxActiveJobsPerPrincipal: 1}
	srv := New(cfg, fs, authenticator, limiter, sched, scanner.NoopScanner{}, t.TempDir())
	return srv, secret
}

type schedulerStoreAdapter struct{ s *fakeStore }

func (a schedulerStoreAdapter) ListActiveJobsForNode(ctx context.Context, node int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range a.s.jobs {
		if j.Node == node && j.IsActive() {
			out = append(out, j)
		}
	}
	return out, nil
}
func (a schedulerStoreAdapter) MarkCancelled(ctx context.Context, id string) error {
	j, ok := a.s.jobs[id]
	if !ok {
		return apierr.New(apierr.NotFound, "job not found")
	}
	j.Cancelled = true
	a.s.jobs[id] = j
	return nil
}
func (a schedulerStoreAdapter) GetJob(ctx context.Context, id string) (models.Job, error) {
	return a.s.GetJob(ctx, id)
}

func TestHandleSubmit_AdmitsJob(t *testing.T) {
	fs := &fakeStore{jobs: map[string]models.Job{}}
	srv, secret := newTestServer(t, fs)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, _ := mw.CreateFormFile("code", "solution.py")
	_, _ = part.Write([]byte("print('hi')"))
	_ = mw.WriteField("declared_budget_seconds", "30")
	_ = mw.WriteField("competition_tag", "comp1")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/submit", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+secret)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fs.jobs) != 1 {
		t.Fatalf("expected one job created, got %d", len(fs.jobs))
	}
}

func TestHandleSubmit_RequiresAuth(t *testing.T) {
	fs := &fakeStore{jobs: map[string]models.Job{}}
	srv, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/submit", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleStatus_ReturnsNotFoundForUnownedJob(t *testing.T) {
	fs := &fakeStore{jobs: map[string]models.Job{
		"j1": {ID: "j1", Owner: "bob", Status: models.StatusRunning},
	}}
	srv, secret := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/api/status/j1", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unowned job, got %d", rec.Code)
	}
}

func TestHandleListJobs_FiltersByStatus(t *testing.T) {
	fs := &fakeStore{jobs: map[string]models.Job{
		"j1": {ID: "j1", Owner: "alice", Status: models.StatusCompleted},
		"j2": {ID: "j2", Owner: "alice", Status: models.StatusRunning},
	}}
	srv, secret := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=running", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Jobs []models.Job `json:"jobs"`
	}
	body, _ := io.ReadAll(rec.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Jobs) != 1 || payload.Jobs[0].ID != "j2" {
		t.Fatalf("expected only running job j2, got %+v", payload.Jobs)
	}
}
