package forensics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/cloudir/cloudir/internal/core"
)

// WaitPolicy bounds a poll for provider state. Delays grow from MinDelay to
// MaxDelay with jitter until Timeout elapses.
type WaitPolicy struct {
	Timeout  time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
}

var (
	defaultSnapshotWait = WaitPolicy{Timeout: 30 * time.Minute, MinDelay: 15 * time.Second, MaxDelay: 2 * time.Minute}
	defaultVolumeWait   = WaitPolicy{Timeout: 10 * time.Minute, MinDelay: 5 * time.Second, MaxDelay: 30 * time.Second}
	defaultCommandWait  = WaitPolicy{Timeout: 10 * time.Minute, MinDelay: 5 * time.Second, MaxDelay: 30 * time.Second}
)

func (p WaitPolicy) orDefault(def WaitPolicy) WaitPolicy {
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MinDelay <= 0 {
		p.MinDelay = def.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay = p.MaxDelay
	}
	return p
}

// waitSnapshotCompleted blocks until the snapshot reports completed. An error
// state ends the wait with core.ErrProviderRejected.
func waitSnapshotCompleted(ctx context.Context, client ec2.DescribeSnapshotsAPIClient, op, snapshotID string, p WaitPolicy) error {
	w := ec2.NewSnapshotCompletedWaiter(client, func(o *ec2.SnapshotCompletedWaiterOptions) {
		o.MinDelay = p.MinDelay
		o.MaxDelay = p.MaxDelay
		o.Retryable = func(ctx context.Context, in *ec2.DescribeSnapshotsInput, out *ec2.DescribeSnapshotsOutput, err error) (bool, error) {
			if err != nil {
				if core.APIErrorCode(err) == "InvalidSnapshot.NotFound" {
					return false, core.NotFound(op, snapshotID, "snapshot not found")
				}
				return false, err
			}
			if len(out.Snapshots) == 0 {
				return true, nil
			}
			for _, s := range out.Snapshots {
				switch s.State {
				case ec2types.SnapshotStateCompleted:
				case ec2types.SnapshotStateError:
					return false, core.Rejected(op, snapshotID,
						fmt.Errorf("snapshot entered error state: %s", aws.ToString(s.StateMessage)))
				default:
					return true, nil
				}
			}
			return false, nil
		}
	})
	err := w.Wait(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}}, p.Timeout)
	return waitError(ctx, op, snapshotID, err)
}

// waitVolumeAvailable blocks until the volume reports available.
func waitVolumeAvailable(ctx context.Context, client ec2.DescribeVolumesAPIClient, op, volumeID string, p WaitPolicy) error {
	w := ec2.NewVolumeAvailableWaiter(client, func(o *ec2.VolumeAvailableWaiterOptions) {
		o.MinDelay = p.MinDelay
		o.MaxDelay = p.MaxDelay
		o.Retryable = func(ctx context.Context, in *ec2.DescribeVolumesInput, out *ec2.DescribeVolumesOutput, err error) (bool, error) {
			if err != nil {
				if core.APIErrorCode(err) == "InvalidVolume.NotFound" {
					return false, core.NotFound(op, volumeID, "volume not found")
				}
				return false, err
			}
			if len(out.Volumes) == 0 {
				return true, nil
			}
			for _, v := range out.Volumes {
				switch v.State {
				case ec2types.VolumeStateAvailable:
				case ec2types.VolumeStateDeleted, ec2types.VolumeStateError:
					return false, core.Rejected(op, volumeID, fmt.Errorf("volume entered %s state", v.State))
				default:
					return true, nil
				}
			}
			return false, nil
		}
	})
	err := w.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, p.Timeout)
	return waitError(ctx, op, volumeID, err)
}

// waitCommandSuccess blocks until the command invocation on instanceID
// reports Success. Failed, Cancelled and TimedOut end the wait with
// core.ErrProviderRejected carrying the command's stderr.
func waitCommandSuccess(ctx context.Context, client ssm.GetCommandInvocationAPIClient, op, commandID, instanceID string, p WaitPolicy) error {
	w := ssm.NewCommandExecutedWaiter(client, func(o *ssm.CommandExecutedWaiterOptions) {
		o.MinDelay = p.MinDelay
		o.MaxDelay = p.MaxDelay
		o.Retryable = func(ctx context.Context, in *ssm.GetCommandInvocationInput, out *ssm.GetCommandInvocationOutput, err error) (bool, error) {
			if err != nil {
				// Invocations are not visible for a short while after SendCommand.
				if core.APIErrorCode(err) == "InvocationDoesNotExist" {
					return true, nil
				}
				return false, err
			}
			switch out.Status {
			case ssmtypes.CommandInvocationStatusSuccess:
				return false, nil
			case ssmtypes.CommandInvocationStatusFailed,
				ssmtypes.CommandInvocationStatusCancelled,
				ssmtypes.CommandInvocationStatusTimedOut:
				msg := fmt.Sprintf("command %s on %s", strings.ToLower(string(out.Status)), instanceID)
				if stderr := strings.TrimSpace(aws.ToString(out.StandardErrorContent)); stderr != "" {
					msg += ": " + stderr
				}
				return false, core.Rejected(op, commandID, errors.New(msg))
			}
			return true, nil
		}
	})
	err := w.Wait(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	}, p.Timeout)
	return waitError(ctx, op, commandID, err)
}

// waitError maps a waiter result onto the error taxonomy. Anything that is
// not already typed, not a provider refusal and not the caller's own
// cancellation is the waiter running out of time.
func waitError(ctx context.Context, op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var typed *core.Error
	if errors.As(err, &typed) {
		return err
	}
	if core.IsAPIError(err) {
		return core.Rejected(op, resource, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s(%s): %w", op, resource, ctx.Err())
	}
	return core.Timeout(op, resource, err)
}
