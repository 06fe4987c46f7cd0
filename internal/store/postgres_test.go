package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
)

// setupStore spins up a Postgres container and an initialized Store,
// unless TEST_DB_DSN points at one already running.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	var terminate func()

	if dsn == "" {
		req := testcontainers.ContainerRequest{
			Image: "postgres:15",
			Env: map[string]string{
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_USER":     "test",
				"POSTGRES_DB":       "dispatcher",
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(30 * time.Second),
		}
		pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Skipf("docker unavailable, skipping store integration test: %v", err)
		}
		host, err := pg.Host(ctx)
		if err != nil {
			t.Fatal(err)
		}
		port, err := pg.MappedPort(ctx, "5432")
		if err != nil {
			t.Fatal(err)
		}
		dsn = "postgres://test:test@" + host + ":" + port.Port() + "/dispatcher?sslmode=disable"
		terminate = func() { _ = pg.Terminate(ctx) }
	}

	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		if terminate != nil {
			terminate()
		}
	})
	return s
}

func TestCreateJob_PlacesOnLeastLoadedNode(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.InitNodes(ctx, []string{"node-0", "node-1", "node-2"}); err != nil {
		t.Fatalf("init nodes: %v", err)
	}

	job, err := s.CreateJob(ctx, CreateJobParams{
		Owner:                 "alice",
		DeclaredBudgetSeconds: 120,
		CodePath:              "/tmp/alice/job1",
		MaxActiveJobs:         5,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	loads, _, err := s.NodeLoads(ctx)
	if err != nil {
		t.Fatalf("node loads: %v", err)
	}
	if loads[job.Node] != 120 {
		t.Fatalf("expected chosen node load 120, got %d", loads[job.Node])
	}
}

func TestCreateJob_RejectsOverConcurrencyQuota(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.InitNodes(ctx, []string{"node-0"}); err != nil {
		t.Fatalf("init nodes: %v", err)
	}

	params := CreateJobParams{Owner: "bob", DeclaredBudgetSeconds: 10, CodePath: "/tmp/bob/j", MaxActiveJobs: 1}
	if _, err := s.CreateJob(ctx, params); err != nil {
		t.Fatalf("first job should admit: %v", err)
	}

	_, err := s.CreateJob(ctx, params)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.QuotaConcurrent {
		t.Fatalf("expected QuotaConcurrent, got %v", err)
	}
}

func TestFinish_ReleasesNodeLoad(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.InitNodes(ctx, []string{"node-0"}); err != nil {
		t.Fatalf("init nodes: %v", err)
	}
	job, err := s.CreateJob(ctx, CreateJobParams{Owner: "carol", DeclaredBudgetSeconds: 60, CodePath: "/tmp/c/j", MaxActiveJobs: 5})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	exit := 0
	if err := s.Finish(ctx, job.ID, job.Node, job.DeclaredBudgetSeconds, CompleteOutcome{
		Status:     models.StatusCompleted,
		ExitStatus: &exit,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	loads, _, err := s.NodeLoads(ctx)
	if err != nil {
		t.Fatalf("node loads: %v", err)
	}
	if loads[0] != 0 {
		t.Fatalf("expected load released to 0, got %d", loads[0])
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestCredential_SingleActivePerPrincipal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := models.Credential{ID: "cred-1", Principal: "dave", SecretHash: "hash1", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(24 * time.Hour)}
	second := models.Credential{ID: "cred-2", Principal: "dave", SecretHash: "hash2", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(24 * time.Hour)}

	if err := s.CreateCredential(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := s.CreateCredential(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := s.GetActiveCredentialByHash(ctx, "hash1"); err == nil {
		t.Fatalf("expected first credential to be deactivated")
	}
	if _, err := s.GetActiveCredentialByHash(ctx, "hash2"); err != nil {
		t.Fatalf("expected second credential active: %v", err)
	}
}
