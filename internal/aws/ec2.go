package aws

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cloudir/cloudir/internal/core"
)

// DescribeInstance fetches one instance and converts it to core.Instance.
// A missing instance is reported as core.ErrResourceNotFound.
func DescribeInstance(ctx context.Context, client ec2.DescribeInstancesAPIClient, op, instanceID string) (*core.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if strings.HasPrefix(core.APIErrorCode(err), "InvalidInstanceID") {
			return nil, core.NotFound(op, instanceID, "instance not found")
		}
		if core.IsAPIError(err) {
			return nil, core.Rejected(op, instanceID, err)
		}
		return nil, fmt.Errorf("DescribeInstances(%s): %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == instanceID {
				inst := ConvertInstance(i)
				return &inst, nil
			}
		}
	}
	return nil, core.NotFound(op, instanceID, "instance not found")
}

// ConvertInstance maps the SDK shape to core.Instance.
func ConvertInstance(i ec2types.Instance) core.Instance {
	inst := core.Instance{
		ID:             aws.ToString(i.InstanceId),
		RootDeviceName: aws.ToString(i.RootDeviceName),
		Tags:           map[string]string{},
	}
	if i.Placement != nil {
		inst.AvailabilityZone = aws.ToString(i.Placement.AvailabilityZone)
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	for _, bdm := range i.BlockDeviceMappings {
		bd := core.BlockDevice{DeviceName: aws.ToString(bdm.DeviceName)}
		if bdm.Ebs != nil {
			bd.VolumeID = aws.ToString(bdm.Ebs.VolumeId)
		}
		inst.BlockDevices = append(inst.BlockDevices, bd)
	}
	for _, eni := range i.NetworkInterfaces {
		ni := core.NetworkInterface{ID: aws.ToString(eni.NetworkInterfaceId)}
		for _, g := range eni.Groups {
			ni.Groups = append(ni.Groups, aws.ToString(g.GroupId))
		}
		inst.NetworkInterfaces = append(inst.NetworkInterfaces, ni)
	}
	for _, t := range i.Tags {
		inst.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return inst
}

// Tags builds SDK tags from a map, sorted by key for stable requests.
func Tags(m map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	tags := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}
