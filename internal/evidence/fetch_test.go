package evidence

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
)

type fakeBucket struct {
	objects map[string]string
	denied  string
	gets    []string
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, aws.ToString(in.Bucket)+"/"+key)
	if key == f.denied {
		return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func uploadedBatch(prefix string) map[string]string {
	objects := map[string]string{}
	for _, name := range forensics.DefaultArtifacts().Names() {
		objects[forensics.ObjectKey(prefix, name)] = "content of " + name
	}
	return objects
}

func newFetcher(t *testing.T, bucket *fakeBucket) (*Fetcher, *Store, *core.Engine) {
	t.Helper()
	store, eng := setupStore(t)
	return NewFetcher(bucket, store, forensics.DefaultArtifacts(), eng.AuditLogger, zerolog.Nop()), store, eng
}

func TestFetchCompleteBatch(t *testing.T) {
	bucket := &fakeBucket{objects: uploadedBatch("i-0001")}
	f, store, eng := newFetcher(t, bucket)

	recs, err := f.Fetch(context.Background(), FetchRequest{InstanceID: "i-0001", Bucket: "evidence", Operator: "responder"})
	require.NoError(t, err)
	assert.Len(t, recs, 15)
	assert.Equal(t, "evidence/i-0001/passwd_copy.txt", bucket.gets[indexOf(forensics.DefaultArtifacts().Names(), "passwd_copy.txt")])

	listed, err := store.List("i-0001", "")
	require.NoError(t, err)
	assert.Len(t, listed, 15)
	for _, rec := range listed {
		assert.False(t, rec.IsPlaceholder)
		assert.Equal(t, "responder", rec.CreatedBy)
	}

	var n int
	require.NoError(t, eng.AuditDB.QueryRow(
		"SELECT COUNT(*) FROM audit_log WHERE event_type = ?", string(audit.EventEvidenceCollected)).Scan(&n))
	assert.Equal(t, 15, n)
}

func TestFetchReportsPartialBatch(t *testing.T) {
	objects := uploadedBatch("case-9")
	delete(objects, "case-9/shadow_copy.txt")
	objects["case-9/root_bash_history.txt"] = forensics.Placeholder("root_bash_history.txt") + "\n"
	bucket := &fakeBucket{objects: objects}
	f, _, _ := newFetcher(t, bucket)

	recs, err := f.Fetch(context.Background(), FetchRequest{InstanceID: "i-0001", Bucket: "evidence", KeyPrefix: "case-9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPartialArtifactMissing)
	assert.Contains(t, err.Error(), "shadow_copy.txt")
	assert.Contains(t, err.Error(), "root_bash_history.txt")

	assert.Len(t, recs, 14, "placeholder stored, absent object skipped")
	var placeholders int
	for _, rec := range recs {
		if rec.IsPlaceholder {
			placeholders++
			assert.Equal(t, "root_bash_history.txt", rec.Name)
		}
	}
	assert.Equal(t, 1, placeholders)
}

func TestFetchStopsOnProviderRejection(t *testing.T) {
	names := forensics.DefaultArtifacts().Names()
	bucket := &fakeBucket{objects: uploadedBatch("i-0001"), denied: forensics.ObjectKey("i-0001", names[2])}
	f, _, _ := newFetcher(t, bucket)

	recs, err := f.Fetch(context.Background(), FetchRequest{InstanceID: "i-0001", Bucket: "evidence"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderRejected)
	assert.Len(t, recs, 2)

	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "AccessDenied", ce.Code)
}

func TestFetchMissingInputs(t *testing.T) {
	bucket := &fakeBucket{}
	f, _, _ := newFetcher(t, bucket)

	_, err := f.Fetch(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, core.ErrMissingRequiredInput)
	assert.Contains(t, err.Error(), "instance_id")
	assert.Contains(t, err.Error(), "bucket")
	assert.Empty(t, bucket.gets)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
