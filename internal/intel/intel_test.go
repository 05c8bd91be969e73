package intel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const netset = `#
# firehol_level1
#
1.2.3.0/24

5.6.7.8
  10.0.0.0/8
not-an-ip
300.1.1.1
192.168.1.5/24
`

type fakeS3 struct {
	in   *s3.PutObjectInput
	body string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.in, f.body = in, string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestClean(t *testing.T) {
	entries, rejected, err := Clean(strings.NewReader(netset))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.0/24", "5.6.7.8", "10.0.0.0/8", "192.168.1.0/24"}, entries)
	assert.Equal(t, 2, rejected)
}

func TestRefreshUploadsCleanedList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, netset)
	}))
	defer srv.Close()

	store := &fakeS3{}
	r := &Refresher{
		HTTP:      srv.Client(),
		S3:        store,
		SourceURL: srv.URL,
		Bucket:    "s3-ip-list-bucket",
		Key:       "threat/malicious-ip-list.txt",
		Logger:    zerolog.Nop(),
	}
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Entries)
	assert.Equal(t, 2, res.Rejected)
	require.NotNil(t, store.in)
	assert.Equal(t, "s3-ip-list-bucket", aws.ToString(store.in.Bucket))
	assert.Equal(t, "threat/malicious-ip-list.txt", aws.ToString(store.in.Key))
	assert.Equal(t, "text/plain", aws.ToString(store.in.ContentType))
	assert.Equal(t, "1.2.3.0/24\n5.6.7.8\n10.0.0.0/8\n192.168.1.0/24", store.body)
}

func TestRefreshFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			io.WriteString(w, "# nothing\n")
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		url    string
		bucket string
		want   string
	}{
		{"missing bucket", srv.URL, "", "required"},
		{"http error", srv.URL + "/missing", "b", "404"},
		{"empty list", srv.URL + "/empty", "b", "no usable entries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeS3{}
			r := &Refresher{HTTP: srv.Client(), S3: store, SourceURL: tt.url, Bucket: tt.bucket, Key: "k", Logger: zerolog.Nop()}
			_, err := r.Refresh(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, store.in, "nothing uploaded")
		})
	}
}
