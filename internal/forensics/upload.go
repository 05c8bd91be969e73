package forensics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/core"
)

const (
	opUpload = "Upload"

	DefaultUploadTimeout = 120 * time.Second
)

// Uploader copies staged artifacts from the analysis host to S3. It reads
// the staging paths from the extractor so both sides agree on file names.
type Uploader struct {
	client    CommandSender
	extractor *Extractor
	logger    zerolog.Logger

	Timeout      time.Duration
	OutputBucket string
}

// NewUploader creates an uploader for the files staged by extractor.
func NewUploader(client CommandSender, extractor *Extractor, logger zerolog.Logger) *Uploader {
	return &Uploader{
		client:       client,
		extractor:    extractor,
		logger:       logger,
		Timeout:      DefaultUploadTimeout,
		OutputBucket: extractor.OutputBucket,
	}
}

// ObjectKey returns the S3 key an artifact is copied to.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Commands returns one copy command per artifact. A missing staging file
// prints a notice and the batch moves on.
func (u *Uploader) Commands(bucket, prefix string) []string {
	artifacts := u.extractor.Artifacts()
	cmds := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		dest := fmt.Sprintf("s3://%s/%s", bucket, ObjectKey(prefix, a.Name))
		cmds = append(cmds, fmt.Sprintf("aws s3 cp %s %s || echo %s",
			shellQuote(u.extractor.OutputPath(a.Name)), shellQuote(dest),
			shellQuote("cloudir: upload of "+a.Name+" skipped")))
	}
	return cmds
}

// Dispatch sends the upload batch to the target instance. prefix falls back
// to sourceInstanceID, then to the default artifact prefix.
func (u *Uploader) Dispatch(ctx context.Context, targetInstanceID, bucket, prefix, sourceInstanceID string) (*core.RemoteCommand, error) {
	if err := requireInputs(opUpload, "target_instance_id", targetInstanceID, "bucket", bucket); err != nil {
		return nil, err
	}
	prefix = ResolvePrefix(prefix, sourceInstanceID)

	cmds := u.Commands(bucket, prefix)
	if err := ValidateScript(cmds); err != nil {
		return nil, fmt.Errorf("upload batch: %w", err)
	}
	cmd, err := sendCommands(ctx, u.client, opUpload, targetInstanceID, cmds, u.Timeout, u.OutputBucket,
		fmt.Sprintf("cloudir artifact upload to s3://%s/%s", bucket, prefix))
	if err != nil {
		return nil, err
	}
	cmd.Bucket = bucket
	cmd.KeyPrefix = prefix

	u.logger.Info().
		Str("instance", targetInstanceID).
		Str("command_id", cmd.ID).
		Str("bucket", bucket).
		Str("prefix", prefix).
		Msg("upload dispatched")
	return cmd, nil
}

// ResolvePrefix applies the key prefix defaults.
func ResolvePrefix(prefix, sourceInstanceID string) string {
	switch {
	case prefix != "":
		return prefix
	case sourceInstanceID != "":
		return sourceInstanceID
	default:
		return core.DefaultArtifactPrefix
	}
}
