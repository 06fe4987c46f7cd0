package archive

import (
	"context"
	"testing"
	"time"

	"bastion-dispatcher/internal/models"
)

type fakeUploader struct {
	uploads map[string][]byte
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	f.uploads[key] = body
	return "s3://test-bucket/" + key, nil
}

type fakeStore struct {
	jobs     []models.Job
	archived map[string]string
}

func (f *fakeStore) ListForArtifactSweep(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	return f.jobs, nil
}

func (f *fakeStore) SetArtifactURI(ctx context.Context, id, uri string) error {
	f.archived[id] = uri
	return nil
}

func TestSweepOnce_ArchivesAndRecordsURI(t *testing.T) {
	stdout := "hello"
	fs := &fakeStore{
		jobs:     []models.Job{{ID: "j1", Owner: "alice", Status: models.StatusCompleted, Stdout: &stdout}},
		archived: map[string]string{},
	}
	up := &fakeUploader{uploads: map[string][]byte{}}
	sw := NewSweeper(fs, up, 72, time.Minute)

	if err := sw.sweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fs.archived["j1"] == "" {
		t.Fatalf("expected job j1 to have an artifact uri recorded")
	}
	if len(up.uploads) != 1 {
		t.Fatalf("expected exactly one upload, got %d", len(up.uploads))
	}
}

func TestRun_NoopWhenUploaderNil(t *testing.T) {
	fs := &fakeStore{archived: map[string]string{}}
	sw := NewSweeper(fs, nil, 72, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := sw.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
