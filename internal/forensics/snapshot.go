// Package forensics implements the evidence chain for a suspect instance:
// snapshot its volumes, materialize a snapshot as a new volume next to the
// analysis host, attach it, extract a fixed artifact set over SSM and copy
// the results to S3.
package forensics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	cloudiraws "github.com/cloudir/cloudir/internal/aws"
	"github.com/cloudir/cloudir/internal/core"
)

const (
	opSnapshotRoot     = "SnapshotRoot"
	opSnapshotAttached = "SnapshotAttached"
)

// SnapshotAPI is the slice of the EC2 client the snapshotter uses.
type SnapshotAPI interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeVolumesAPIClient
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
}

// Snapshotter requests point-in-time snapshots of an instance's volumes.
type Snapshotter struct {
	client SnapshotAPI
	logger zerolog.Logger
}

// NewSnapshotter creates a snapshotter backed by client.
func NewSnapshotter(client SnapshotAPI, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{client: client, logger: logger}
}

// SnapshotRoot snapshots the volume behind the instance's root device. It
// returns as soon as the snapshot is requested; the snapshot is pending.
func (s *Snapshotter) SnapshotRoot(ctx context.Context, instanceID string) (*core.Snapshot, error) {
	if instanceID == "" {
		return nil, core.MissingInput(opSnapshotRoot, "instance_id")
	}

	inst, err := cloudiraws.DescribeInstance(ctx, s.client, opSnapshotRoot, instanceID)
	if err != nil {
		return nil, err
	}
	root, ok := inst.RootVolume()
	if !ok {
		return nil, core.NotFound(opSnapshotRoot, instanceID,
			fmt.Sprintf("root volume not found: no block device matches root device %q", inst.RootDeviceName))
	}

	return s.create(ctx, opSnapshotRoot, instanceID, root.VolumeID, "")
}

// SnapshotAttached snapshots every volume currently attached to the instance.
// Volumes already snapshotted are returned even when a later request fails.
func (s *Snapshotter) SnapshotAttached(ctx context.Context, instanceID, reason string) ([]core.Snapshot, error) {
	if instanceID == "" {
		return nil, core.MissingInput(opSnapshotAttached, "instance_id")
	}

	var volumeIDs []string
	paginator := ec2.NewDescribeVolumesPaginator(s.client, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.instance-id"), Values: []string{instanceID}},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("DescribeVolumes(%s): %w", instanceID, err)
		}
		for _, v := range page.Volumes {
			volumeIDs = append(volumeIDs, aws.ToString(v.VolumeId))
		}
	}
	if len(volumeIDs) == 0 {
		return nil, core.NotFound(opSnapshotAttached, instanceID, "no attached volumes")
	}

	snaps := make([]core.Snapshot, 0, len(volumeIDs))
	for _, volID := range volumeIDs {
		snap, err := s.create(ctx, opSnapshotAttached, instanceID, volID, reason)
		if err != nil {
			return snaps, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

func (s *Snapshotter) create(ctx context.Context, op, instanceID, volumeID, reason string) (*core.Snapshot, error) {
	description := fmt.Sprintf("Snapshot of %s from instance %s for forensic analysis", volumeID, instanceID)
	if reason != "" {
		description += ": " + reason
	}
	tags := map[string]string{
		"Name":           instanceID + "-forensic-snapshot",
		"SourceInstance": instanceID,
	}

	out, err := s.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeSnapshot, Tags: cloudiraws.Tags(tags)},
		},
	})
	if err != nil {
		if core.IsAPIError(err) {
			return nil, core.Rejected(op, volumeID, err)
		}
		return nil, fmt.Errorf("CreateSnapshot(%s): %w", volumeID, err)
	}

	snap := &core.Snapshot{
		ID:               aws.ToString(out.SnapshotId),
		VolumeID:         volumeID,
		SourceInstanceID: instanceID,
		State:            string(out.State),
		Description:      description,
	}
	s.logger.Info().
		Str("instance", instanceID).
		Str("volume", volumeID).
		Str("snapshot", snap.ID).
		Msg("snapshot requested")
	return snap, nil
}
