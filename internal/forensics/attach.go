package forensics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/core"
)

const opAttach = "Attach"

// AttachAPI is the slice of the EC2 client the attacher uses.
type AttachAPI interface {
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
}

// Attacher attaches a materialized volume to the analysis host.
type Attacher struct {
	client AttachAPI
	logger zerolog.Logger
}

// NewAttacher creates an attacher backed by client.
func NewAttacher(client AttachAPI, logger zerolog.Logger) *Attacher {
	return &Attacher{client: client, logger: logger}
}

// Attach issues a single attach request. An occupied device or a volume
// already in use comes back from the provider and is returned as
// core.ErrProviderRejected with the provider code intact. There is no retry.
func (a *Attacher) Attach(ctx context.Context, volumeID, targetInstanceID, device string) (*core.Volume, error) {
	if err := requireInputs(opAttach, "volume_id", volumeID, "target_instance_id", targetInstanceID); err != nil {
		return nil, err
	}
	if device == "" {
		device = core.DefaultDevice
	}

	out, err := a.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(targetInstanceID),
		Device:     aws.String(device),
	})
	if err != nil {
		if core.IsAPIError(err) {
			return nil, core.Rejected(opAttach, volumeID, err)
		}
		return nil, fmt.Errorf("AttachVolume(%s): %w", volumeID, err)
	}

	vol := &core.Volume{
		ID:                 volumeID,
		State:              string(out.State),
		AttachedInstanceID: targetInstanceID,
		Device:             device,
	}
	if d := aws.ToString(out.Device); d != "" {
		vol.Device = d
	}
	a.logger.Info().
		Str("volume", volumeID).
		Str("instance", targetInstanceID).
		Str("device", vol.Device).
		Msg("volume attach requested")
	return vol, nil
}
