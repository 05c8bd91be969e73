package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
)

const opFetch = "FetchEvidence"

// maxArtifactBytes caps a single download.
const maxArtifactBytes = 512 << 20

// ObjectGetter is the S3 call the fetcher needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// FetchRequest names where an upload batch landed.
type FetchRequest struct {
	InstanceID string
	Bucket     string
	KeyPrefix  string
	RunUUID    string
	Operator   string
}

// Fetcher downloads uploaded artifacts into the store.
type Fetcher struct {
	client    ObjectGetter
	store     *Store
	artifacts forensics.ArtifactSet
	audit     *audit.Logger
	logger    zerolog.Logger
}

// NewFetcher creates a fetcher. al may be nil.
func NewFetcher(client ObjectGetter, store *Store, artifacts forensics.ArtifactSet, al *audit.Logger, logger zerolog.Logger) *Fetcher {
	return &Fetcher{client: client, store: store, artifacts: artifacts, audit: al, logger: logger}
}

// Fetch downloads every artifact of the set from bucket/prefix. Absent
// objects and placeholders do not stop the fetch: the records stored so far
// are returned with a PartialArtifactMissing error naming them.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) ([]core.EvidenceRecord, error) {
	var missing []string
	if req.InstanceID == "" {
		missing = append(missing, "instance_id")
	}
	if req.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return nil, core.MissingInput(opFetch, missing...)
	}
	prefix := forensics.ResolvePrefix(req.KeyPrefix, req.InstanceID)
	var runUUID *string
	if req.RunUUID != "" {
		runUUID = &req.RunUUID
	}

	var recs []core.EvidenceRecord
	var absent []string
	for _, name := range f.artifacts.Names() {
		key := forensics.ObjectKey(prefix, name)
		uri := fmt.Sprintf("s3://%s/%s", req.Bucket, key)

		content, err := f.get(ctx, req.Bucket, key)
		if errors.Is(err, core.ErrResourceNotFound) {
			f.logger.Warn().Str("artifact", name).Str("uri", uri).Msg("artifact not uploaded")
			absent = append(absent, name)
			continue
		}
		if err != nil {
			return recs, err
		}

		placeholder := forensics.IsPlaceholder(content)
		if placeholder {
			absent = append(absent, name)
		}
		rec, err := f.store.Add(AddInput{
			RunUUID:       runUUID,
			InstanceID:    req.InstanceID,
			Name:          name,
			SourceURI:     uri,
			Content:       content,
			IsPlaceholder: placeholder,
			CreatedBy:     req.Operator,
		})
		if err != nil {
			return recs, err
		}
		recs = append(recs, *rec)

		if f.audit != nil {
			f.audit.Log(audit.EventEvidenceCollected, req.Operator, req.RunUUID, map[string]string{
				"instance_id":  req.InstanceID,
				"name":         name,
				"source_uri":   uri,
				"content_hash": rec.ContentHash,
				"placeholder":  strconv.FormatBool(placeholder),
			})
		}
	}

	f.logger.Info().
		Str("instance_id", req.InstanceID).
		Int("stored", len(recs)).
		Strs("absent", absent).
		Msg("evidence fetched")
	if len(absent) > 0 {
		return recs, core.PartialArtifact(opFetch, absent)
	}
	return recs, nil
}

func (f *Fetcher) get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || core.APIErrorCode(err) == "NoSuchKey" {
			return nil, core.NotFound(opFetch, key, "object not found")
		}
		return nil, core.Rejected(opFetch, "s3://"+bucket+"/"+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}
