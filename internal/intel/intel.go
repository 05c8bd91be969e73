// Package intel refreshes the threat IP list GuardDuty reads from S3.
package intel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// DefaultSourceURL is the FireHOL level 1 netset.
const DefaultSourceURL = "https://raw.githubusercontent.com/firehol/blocklist-ipsets/master/firehol_level1.netset"

const maxListBytes = 64 << 20

// ObjectPutter is the S3 call the refresher needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Result summarizes a refresh.
type Result struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Entries  int    `json:"entries"`
	Rejected int    `json:"rejected"`
}

// Refresher downloads a netset and publishes the cleaned list.
type Refresher struct {
	HTTP      *http.Client
	S3        ObjectPutter
	SourceURL string
	Bucket    string
	Key       string
	Logger    zerolog.Logger
}

// Refresh downloads the list, keeps valid addresses and prefixes, and
// uploads them one per line as text/plain.
func (r *Refresher) Refresh(ctx context.Context) (*Result, error) {
	if r.Bucket == "" || r.Key == "" {
		return nil, fmt.Errorf("threat list bucket and key are required")
	}
	src := r.SourceURL
	if src == "" {
		src = DefaultSourceURL
	}
	client := r.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: status %s", src, resp.Status)
	}

	entries, rejected, err := Clean(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s contained no usable entries", src)
	}

	body := strings.Join(entries, "\n")
	_, err = r.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.Bucket),
		Key:         aws.String(r.Key),
		Body:        bytes.NewReader([]byte(body)),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return nil, fmt.Errorf("PutObject(s3://%s/%s): %w", r.Bucket, r.Key, err)
	}

	r.Logger.Info().
		Str("bucket", r.Bucket).
		Str("key", r.Key).
		Int("entries", len(entries)).
		Int("rejected", rejected).
		Msg("threat list refreshed")
	return &Result{Bucket: r.Bucket, Key: r.Key, Entries: len(entries), Rejected: rejected}, nil
}

// Clean reads a netset: blank lines and '#' comments are dropped, every
// other line must be an IP address or CIDR prefix. Unparsable lines are
// counted in rejected and left out.
func Clean(r io.Reader) (entries []string, rejected int, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			p, err := netip.ParsePrefix(line)
			if err != nil {
				rejected++
				continue
			}
			entries = append(entries, p.Masked().String())
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			rejected++
			continue
		}
		entries = append(entries, addr.String())
	}
	return entries, rejected, sc.Err()
}
