package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const exportInterval = time.Minute

// s3API is the subset of the S3 client S3Exporter needs, so it can be
// satisfied by a test double without a live bucket.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter periodically uploads a JSON snapshot of recent audit rows to
// an S3-compatible bucket on a ticker-driven loop.
type S3Exporter struct {
	client s3API
	bucket string
}

func newS3Exporter(bucket string) (*S3Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	return &S3Exporter{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (e *S3Exporter) snapshotKey(now time.Time) string {
	return fmt.Sprintf("trfb-audit/%d/%02d/%02d/%d.json", now.Year(), now.Month(), now.Day(), now.UnixNano())
}

func (e *S3Exporter) export(ctx context.Context, l *Log) error {
	entries, err := l.Recent(500)
	if err != nil {
		return fmt.Errorf("audit: recent entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("audit: marshal snapshot: %w", err)
	}

	now := time.Now()
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(e.snapshotKey(now)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("audit: upload snapshot: %w", err)
	}
	return nil
}

// exportLoop runs until ctx is cancelled, exporting a snapshot once per
// exportInterval and once more on shutdown.
func (e *S3Exporter) exportLoop(ctx context.Context, l *Log) {
	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.export(ctx, l); err != nil {
				log.Printf("audit: export: %v", err)
			}
		case <-ctx.Done():
			if err := e.export(context.Background(), l); err != nil {
				log.Printf("audit: final export: %v", err)
			}
			return
		}
	}
}
