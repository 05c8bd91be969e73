package events

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectPutter is the S3 call the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver stores raw event JSON in S3.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchiver creates an archiver writing under s3://bucket/prefix.
func NewArchiver(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Key returns the object key for an event id at t:
// <prefix><yyyymmddThhmmssZ>_<id>.json.
func (a *Archiver) Key(id string, t time.Time) string {
	if id == "" {
		id = uuid.New().String()
	}
	id = strings.NewReplacer("/", "_", " ", "_").Replace(id)
	return fmt.Sprintf("%s%s_%s.json", a.prefix, t.UTC().Format("20060102T150405Z"), id)
}

// Store writes the detection's raw JSON and returns the key it was stored at.
func (a *Archiver) Store(ctx context.Context, det Detection) (string, error) {
	if a.bucket == "" {
		return "", fmt.Errorf("archive bucket not configured")
	}
	key := a.Key(det.ID, a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(det.Raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("PutObject(s3://%s/%s): %w", a.bucket, key, err)
	}
	return key, nil
}
