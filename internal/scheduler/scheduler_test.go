package scheduler

import (
	"context"
	"testing"
	"time"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
)

type fakeStore struct {
	jobs map[string]models.Job
}

func (f *fakeStore) ListActiveJobsForNode(ctx context.Context, node int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if j.Node == node && j.IsActive() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkCancelled(ctx context.Context, id string) error {
	j, ok := f.jobs[id]
	if !ok {
		return apierr.New(apierr.NotFound, "not found")
	}
	j.Cancelled = true
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, apierr.New(apierr.NotFound, "not found")
	}
	return j, nil
}

func TestCancel_RejectsNonOwnerNonAdmin(t *testing.T) {
	store := &fakeStore{jobs: map[string]models.Job{
		"j1": {ID: "j1", Owner: "alice", Status: models.StatusRunning},
	}}
	s := New(store)

	err := s.Cancel(context.Background(), "j1", "bob", false)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCancel_RejectsTerminalJob(t *testing.T) {
	store := &fakeStore{jobs: map[string]models.Job{
		"j1": {ID: "j1", Owner: "alice", Status: models.StatusCompleted},
	}}
	s := New(store)

	err := s.Cancel(context.Background(), "j1", "alice", false)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.TerminalState {
		t.Fatalf("expected TerminalState, got %v", err)
	}
}

func TestWallClockDeadline_AppliesMultiplier(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := WallClockDeadline(start, 60, 2)
	if deadline.Sub(start) != 120*time.Second {
		t.Fatalf("expected 120s deadline, got %v", deadline.Sub(start))
	}
}
