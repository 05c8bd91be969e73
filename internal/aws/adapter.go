// Package aws provides the AWS SDK v2 adapter layer: configuration loading,
// per-service rate limiting, and debug plus audit logging of every API call.
package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	"github.com/cloudir/cloudir/internal/audit"
	"github.com/rs/zerolog"
)

// Options selects the account, region and endpoint the factory talks to.
type Options struct {
	Region   string
	Profile  string
	Endpoint string
	// RatePerSec caps calls per service. Zero means 10.
	RatePerSec int
	// Static, when set, replaces the default credential chain.
	Static *StaticCredentials
}

// StaticCredentials holds explicit credential material.
type StaticCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// ClientFactory creates rate-limited, audit-logged AWS service clients that
// share one aws.Config.
type ClientFactory struct {
	mu          sync.Mutex
	cfg         aws.Config
	endpoint    string
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	auditLogger *audit.Logger
}

// NewClientFactory resolves credentials and region through the default chain
// (environment, shared profile, instance role).
func NewClientFactory(ctx context.Context, opts Options, logger zerolog.Logger) (*ClientFactory, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Static != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.Static.AccessKeyID, opts.Static.SecretAccessKey, opts.Static.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return NewClientFactoryFromConfig(cfg, opts, logger), nil
}

// NewClientFactoryFromConfig wraps an already resolved aws.Config.
func NewClientFactoryFromConfig(cfg aws.Config, opts Options, logger zerolog.Logger) *ClientFactory {
	rate := opts.RatePerSec
	if rate <= 0 {
		rate = 10
	}
	f := &ClientFactory{
		endpoint:    opts.Endpoint,
		rateLimiter: NewRateLimiter(rate),
		logger:      logger,
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}
	cfg.APIOptions = append(cfg.APIOptions, f.addRecorder)
	f.cfg = cfg
	return f
}

// SetAudit enables audit logging on an existing factory.
func (f *ClientFactory) SetAudit(al *audit.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogger = al
}

// Region returns the resolved region.
func (f *ClientFactory) Region() string { return f.cfg.Region }

// Config returns a copy of the shared aws.Config.
func (f *ClientFactory) Config() aws.Config { return f.cfg.Copy() }

const recorderID = "cloudir/RecordAPICall"

func (f *ClientFactory) addRecorder(stack *middleware.Stack) error {
	return stack.Initialize.Add(middleware.InitializeMiddlewareFunc(recorderID,
		func(ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (middleware.InitializeOutput, middleware.Metadata, error) {
			service := awsmiddleware.GetServiceID(ctx)
			operation := awsmiddleware.GetOperationName(ctx)

			if err := f.rateLimiter.Wait(ctx, service); err != nil {
				return middleware.InitializeOutput{}, middleware.Metadata{}, err
			}
			out, md, err := next.HandleInitialize(ctx, in)
			f.logAPICall(ctx, service, operation, err)
			return out, md, err
		}), middleware.After)
}

// logAPICall records an API call to both the structured logger and the audit database.
func (f *ClientFactory) logAPICall(ctx context.Context, service, operation string, err error) {
	evt := f.logger.Debug()
	if err != nil {
		evt = f.logger.Warn().Err(err)
	}
	evt.Str("service", service).Str("operation", operation).Msg("aws api call")

	f.mu.Lock()
	al := f.auditLogger
	f.mu.Unlock()
	if al == nil {
		return
	}

	detail := map[string]string{
		"service":   service,
		"operation": operation,
		"region":    f.cfg.Region,
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	if lerr := al.LogContext(ctx, audit.EventAPICall, detail); lerr != nil {
		f.logger.Warn().Err(lerr).Msg("audit write failed")
	}
}

// --- Service client factories ---

func (f *ClientFactory) STSClient() *sts.Client {
	return sts.NewFromConfig(f.cfg)
}

func (f *ClientFactory) EC2Client() *ec2.Client {
	return ec2.NewFromConfig(f.cfg)
}

func (f *ClientFactory) SSMClient() *ssm.Client {
	return ssm.NewFromConfig(f.cfg)
}

func (f *ClientFactory) S3Client() *s3.Client {
	return s3.NewFromConfig(f.cfg, func(o *s3.Options) {
		// emulators do not serve virtual-hosted buckets
		o.UsePathStyle = f.endpoint != ""
	})
}

func (f *ClientFactory) KMSClient() *kms.Client {
	return kms.NewFromConfig(f.cfg)
}

func (f *ClientFactory) CloudTrailClient() *cloudtrail.Client {
	return cloudtrail.NewFromConfig(f.cfg)
}

func (f *ClientFactory) LogsClient() *cloudwatchlogs.Client {
	return cloudwatchlogs.NewFromConfig(f.cfg)
}

// --- Convenience operations ---

// CallerIdentity is the principal the factory's credentials resolve to.
type CallerIdentity struct {
	ARN     string `json:"arn"`
	Account string `json:"account"`
	UserID  string `json:"user_id"`
}

// GetCallerIdentity performs sts:GetCallerIdentity.
func (f *ClientFactory) GetCallerIdentity(ctx context.Context) (CallerIdentity, error) {
	result, err := f.STSClient().GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return CallerIdentity{}, fmt.Errorf("GetCallerIdentity: %w", err)
	}
	return CallerIdentity{
		ARN:     aws.ToString(result.Arn),
		Account: aws.ToString(result.Account),
		UserID:  aws.ToString(result.UserId),
	}, nil
}

// --- Rate Limiter ---

// RateLimiter spaces calls to the same service at least 1/ratePerSec apart.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	next       map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		next:       make(map[string]time.Time),
	}
}

// Wait blocks until service may be called again or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, service string) error {
	minInterval := time.Second / time.Duration(rl.ratePerSec)

	rl.mu.Lock()
	now := time.Now()
	slot := rl.next[service]
	if slot.Before(now) {
		slot = now
	}
	rl.next[service] = slot.Add(minInterval)
	rl.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
