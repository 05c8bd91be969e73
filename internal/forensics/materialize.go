package forensics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog"

	cloudiraws "github.com/cloudir/cloudir/internal/aws"
	"github.com/cloudir/cloudir/internal/core"
)

const opMaterialize = "Materialize"

// MaterializeAPI is the slice of the EC2 client the materializer uses.
type MaterializeAPI interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeSnapshotsAPIClient
	ec2.DescribeVolumesAPIClient
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
}

// KeyDescriber looks up a KMS key.
type KeyDescriber interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// MaterializeOptions configures volume creation and the two waits.
type MaterializeOptions struct {
	VolumeType string
	// KMSKeyID encrypts the new volume with a customer key when set.
	KMSKeyID     string
	SnapshotWait WaitPolicy
	VolumeWait   WaitPolicy
}

// Materializer turns a completed snapshot into a volume in the analysis
// host's availability zone.
type Materializer struct {
	client MaterializeAPI
	keys   KeyDescriber
	opts   MaterializeOptions
	logger zerolog.Logger
}

// NewMaterializer creates a materializer. keys may be nil when no KMS key is
// configured.
func NewMaterializer(client MaterializeAPI, keys KeyDescriber, opts MaterializeOptions, logger zerolog.Logger) *Materializer {
	if opts.VolumeType == "" {
		opts.VolumeType = core.DefaultVolumeType
	}
	opts.SnapshotWait = opts.SnapshotWait.orDefault(defaultSnapshotWait)
	opts.VolumeWait = opts.VolumeWait.orDefault(defaultVolumeWait)
	return &Materializer{client: client, keys: keys, opts: opts, logger: logger}
}

// Materialize waits for the snapshot, creates a volume from it next to the
// target instance and waits for the volume to become available. enter, when
// non-nil, is called as each wait or create begins. A volume that was created
// but never became available is returned with the error.
func (m *Materializer) Materialize(ctx context.Context, snapshotID, targetInstanceID string, enter func(core.Phase)) (*core.Volume, error) {
	if enter == nil {
		enter = func(core.Phase) {}
	}
	if err := requireInputs(opMaterialize, "snapshot_id", snapshotID, "target_instance_id", targetInstanceID); err != nil {
		return nil, err
	}
	if err := m.checkKey(ctx); err != nil {
		return nil, err
	}
	enter(core.PhaseWaitingSnapshot)
	if err := m.waitSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	enter(core.PhaseMaterializing)
	vol, err := m.createVolume(ctx, snapshotID, targetInstanceID)
	if err != nil {
		return nil, err
	}
	enter(core.PhaseWaitingVolume)
	if err := m.waitVolume(ctx, vol.ID); err != nil {
		return vol, err
	}
	vol.State = string(ec2types.VolumeStateAvailable)
	return vol, nil
}

// checkKey verifies the configured KMS key exists and is enabled.
func (m *Materializer) checkKey(ctx context.Context) error {
	if m.opts.KMSKeyID == "" {
		return nil
	}
	if m.keys == nil {
		return fmt.Errorf("kms key %s configured without a KMS client", m.opts.KMSKeyID)
	}
	out, err := m.keys.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(m.opts.KMSKeyID)})
	if err != nil {
		if core.APIErrorCode(err) == "NotFoundException" {
			return core.NotFound(opMaterialize, m.opts.KMSKeyID, "kms key not found")
		}
		if core.IsAPIError(err) {
			return core.Rejected(opMaterialize, m.opts.KMSKeyID, err)
		}
		return fmt.Errorf("DescribeKey(%s): %w", m.opts.KMSKeyID, err)
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyState != kmstypes.KeyStateEnabled {
		state := "unknown"
		if out.KeyMetadata != nil {
			state = string(out.KeyMetadata.KeyState)
		}
		return core.Rejected(opMaterialize, m.opts.KMSKeyID, fmt.Errorf("kms key is %s", state))
	}
	return nil
}

// waitSnapshot blocks until the snapshot is completed.
func (m *Materializer) waitSnapshot(ctx context.Context, snapshotID string) error {
	m.logger.Info().Str("snapshot", snapshotID).Dur("timeout", m.opts.SnapshotWait.Timeout).Msg("waiting for snapshot")
	return waitSnapshotCompleted(ctx, m.client, opMaterialize, snapshotID, m.opts.SnapshotWait)
}

// createVolume creates a volume from a completed snapshot in the target
// instance's availability zone. It does not wait.
func (m *Materializer) createVolume(ctx context.Context, snapshotID, targetInstanceID string) (*core.Volume, error) {
	target, err := cloudiraws.DescribeInstance(ctx, m.client, opMaterialize, targetInstanceID)
	if err != nil {
		return nil, err
	}
	if target.AvailabilityZone == "" {
		return nil, core.NotFound(opMaterialize, targetInstanceID, "instance has no availability zone")
	}

	in := &ec2.CreateVolumeInput{
		SnapshotId:       aws.String(snapshotID),
		AvailabilityZone: aws.String(target.AvailabilityZone),
		VolumeType:       ec2types.VolumeType(m.opts.VolumeType),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags: cloudiraws.Tags(map[string]string{
				"Name":           "forensic-volume-from-" + snapshotID,
				"SourceSnapshot": snapshotID,
			}),
		}},
	}
	if m.opts.KMSKeyID != "" {
		in.Encrypted = aws.Bool(true)
		in.KmsKeyId = aws.String(m.opts.KMSKeyID)
	}

	out, err := m.client.CreateVolume(ctx, in)
	if err != nil {
		if core.IsAPIError(err) {
			return nil, core.Rejected(opMaterialize, snapshotID, err)
		}
		return nil, fmt.Errorf("CreateVolume(%s): %w", snapshotID, err)
	}

	vol := &core.Volume{
		ID:               aws.ToString(out.VolumeId),
		AvailabilityZone: aws.ToString(out.AvailabilityZone),
		State:            string(out.State),
		SourceSnapshotID: snapshotID,
	}
	if vol.AvailabilityZone == "" {
		vol.AvailabilityZone = target.AvailabilityZone
	}
	m.logger.Info().
		Str("snapshot", snapshotID).
		Str("volume", vol.ID).
		Str("zone", vol.AvailabilityZone).
		Msg("volume created")
	return vol, nil
}

// waitVolume blocks until the volume is available.
func (m *Materializer) waitVolume(ctx context.Context, volumeID string) error {
	m.logger.Info().Str("volume", volumeID).Dur("timeout", m.opts.VolumeWait.Timeout).Msg("waiting for volume")
	return waitVolumeAvailable(ctx, m.client, opMaterialize, volumeID, m.opts.VolumeWait)
}

// requireInputs takes name/value pairs and reports every empty value.
func requireInputs(op string, pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return core.MissingInput(op, missing...)
	}
	return nil
}
