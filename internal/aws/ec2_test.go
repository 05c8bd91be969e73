package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cloudir/cloudir/internal/core"
)

type describeFunc func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)

func (f describeFunc) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f(in)
}

func TestDescribeInstanceErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"malformed id", &smithy.GenericAPIError{Code: "InvalidInstanceID.Malformed"}, core.ErrResourceNotFound},
		{"unknown id", &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}, core.ErrResourceNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "UnauthorizedOperation"}, core.ErrProviderRejected},
		{"throttled", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, core.ErrProviderRejected},
	}
	for _, tt := range tests {
		client := describeFunc(func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return nil, tt.err
		})
		_, err := DescribeInstance(context.Background(), client, "Test", "i-0001")
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestDescribeInstanceTransportErrorUntyped(t *testing.T) {
	client := describeFunc(func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	_, err := DescribeInstance(context.Background(), client, "Test", "i-0001")
	if err == nil {
		t.Fatal("expected error")
	}
	if core.KindOf(err) != "" {
		t.Errorf("transport failure classified as %q", core.KindOf(err))
	}
}

func TestDescribeInstanceFound(t *testing.T) {
	client := describeFunc(func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
			InstanceId: aws.String(in.InstanceIds[0]),
			Placement:  &ec2types.Placement{AvailabilityZone: aws.String("us-east-1b")},
		}}}}}, nil
	})
	inst, err := DescribeInstance(context.Background(), client, "Test", "i-0001")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ID != "i-0001" || inst.AvailabilityZone != "us-east-1b" {
		t.Errorf("instance = %+v", inst)
	}
}
