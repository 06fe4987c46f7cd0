// Package archive implements artifact retention: once a job has been
// terminal for long enough, its captured stdout/stderr/result bytes are
// archived to S3 (if configured) and the job row is pointed at the
// resulting object instead of holding the bytes in Postgres indefinitely.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"bastion-dispatcher/internal/models"
	"bastion-dispatcher/internal/store"
)

// Uploader stores one object and returns a URI identifying it.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store is the subset of internal/store.Store the sweeper depends on.
type Store interface {
	ListForArtifactSweep(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	SetArtifactURI(ctx context.Context, id, uri string) error
}

// Sweeper periodically archives old terminal jobs' output to S3.
type Sweeper struct {
	store           Store
	uploader        Uploader
	retentionWindow time.Duration
	interval        time.Duration
}

// NewSweeper builds a Sweeper. If uploader is nil, Run becomes a no-op:
// archival is only attempted when ARTIFACT_S3_BUCKET is configured.
func NewSweeper(store Store, uploader Uploader, retentionHours int, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:           store,
		uploader:        uploader,
		retentionWindow: time.Duration(retentionHours) * time.Hour,
		interval:        interval,
	}
}

// Run loops until ctx is cancelled, sweeping once per interval.
func (sw *Sweeper) Run(ctx context.Context) error {
	if sw.uploader == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sw.sweepOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-sw.retentionWindow)
	jobs, err := sw.store.ListForArtifactSweep(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list jobs for artifact sweep: %w", err)
	}
	for _, job := range jobs {
		uri, err := sw.archiveOne(ctx, job)
		if err != nil {
			continue
		}
		_ = sw.store.SetArtifactURI(ctx, job.ID, uri)
	}
	return nil
}

func (sw *Sweeper) archiveOne(ctx context.Context, job models.Job) (string, error) {
	var body bytes.Buffer
	if job.Stdout != nil {
		body.WriteString("=== stdout ===\n")
		body.WriteString(*job.Stdout)
		body.WriteString("\n")
	}
	if job.Stderr != nil {
		body.WriteString("=== stderr ===\n")
		body.WriteString(*job.Stderr)
		body.WriteString("\n")
	}
	if job.ResultFile != nil {
		body.WriteString("=== results ===\n")
		body.WriteString(*job.ResultFile)
	}
	key := fmt.Sprintf("jobs/%s/%s.txt", job.Owner, job.ID)
	return sw.uploader.Upload(ctx, key, body.Bytes(), "text/plain")
}

// NewS3Uploader builds an Uploader backed by an S3 bucket, or returns a
// nil Uploader (not an error) when bucket is empty: archival is entirely
// optional and disabled by default.
func NewS3Uploader(ctx context.Context, bucket, region string) (Uploader, error) {
	if bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &s3Uploader{client: client, bucket: bucket}, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

var _ Store = (*store.Store)(nil)
