package workflow

import (
	"context"
	"fmt"

	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
)

// Step identifiers.
const (
	StepSnapshot    = "forensics.snapshot"
	StepMaterialize = "forensics.materialize"
	StepAttach      = "forensics.attach"
	StepExtract     = "forensics.extract"
	StepUpload      = "forensics.upload"
	StepIsolate     = "containment.isolate"
	StepRelease     = "containment.release"
)

// SnapshotStep snapshots the root volume of the suspect instance.
type SnapshotStep struct {
	Snapshotter *forensics.Snapshotter
}

func (s *SnapshotStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepSnapshot,
		Name:            "Snapshot root volume",
		Version:         "1.0.0",
		Description:     "Resolves the instance's root device volume and requests a tagged snapshot of it. Returns while the snapshot is still pending.",
		Services:        []string{"ec2"},
		RequiredActions: []string{"ec2:DescribeInstances", "ec2:CreateSnapshot", "ec2:CreateTags"},
		RiskClass:       core.RiskWrite,
		Phase:           core.PhaseSnapshotting,
		Inputs: []InputSpec{
			{Name: KeyInstanceID, Type: "string", Description: "Suspect instance id", Required: true},
		},
		Outputs: []OutputSpec{
			{Name: KeySnapshotID, Type: "string", Description: "Pending snapshot id"},
			{Name: KeySourceVolumeID, Type: "string", Description: "Root volume the snapshot was taken from"},
		},
	}
}

func (s *SnapshotStep) DryRun(rc RunContext) DryRunResult {
	return DryRunResult{
		Description: fmt.Sprintf("Would call ec2:DescribeInstances on %s and ec2:CreateSnapshot on its root volume.", rc.InputString(KeyInstanceID)),
		WouldMutate: true,
		APICalls:    []string{"ec2:DescribeInstances", "ec2:CreateSnapshot"},
	}
}

func (s *SnapshotStep) Run(ctx context.Context, rc RunContext) Result {
	snap, err := s.Snapshotter.SnapshotRoot(ctx, rc.InputString(KeyInstanceID))
	if err != nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeySnapshotID:     snap.ID,
		KeySourceVolumeID: snap.VolumeID,
	}}
}

// MaterializeStep turns the snapshot into a volume next to the analysis host.
type MaterializeStep struct {
	Materializer *forensics.Materializer
}

func (s *MaterializeStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepMaterialize,
		Name:            "Materialize snapshot",
		Version:         "1.0.0",
		Description:     "Waits for the snapshot to complete, creates a volume from it in the analysis host's availability zone and waits for the volume to become available.",
		Services:        []string{"ec2", "kms"},
		RequiredActions: []string{"ec2:DescribeSnapshots", "ec2:DescribeInstances", "ec2:CreateVolume", "ec2:DescribeVolumes"},
		RiskClass:       core.RiskWrite,
		Phase:           core.PhaseWaitingSnapshot,
		Inputs: []InputSpec{
			{Name: KeySnapshotID, Type: "string", Description: "Snapshot to materialize", Required: true},
			{Name: KeyTargetInstanceID, Type: "string", Description: "Analysis instance the volume is placed next to", Required: true},
		},
		Outputs: []OutputSpec{
			{Name: KeyVolumeID, Type: "string", Description: "Available volume id"},
			{Name: KeyAvailabilityZone, Type: "string", Description: "Zone the volume was created in"},
		},
	}
}

func (s *MaterializeStep) DryRun(rc RunContext) DryRunResult {
	return DryRunResult{
		Description: fmt.Sprintf("Would wait for %s to complete, then call ec2:CreateVolume in the zone of %s and wait for it to become available.",
			rc.InputString(KeySnapshotID), rc.InputString(KeyTargetInstanceID)),
		WouldMutate: true,
		APICalls:    []string{"ec2:DescribeSnapshots", "ec2:DescribeInstances", "ec2:CreateVolume", "ec2:DescribeVolumes"},
	}
}

func (s *MaterializeStep) Run(ctx context.Context, rc RunContext) Result {
	vol, err := s.Materializer.Materialize(ctx, rc.InputString(KeySnapshotID), rc.InputString(KeyTargetInstanceID), rc.EnterPhase)
	if vol == nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeyVolumeID:         vol.ID,
		KeyAvailabilityZone: vol.AvailabilityZone,
	}, Error: err}
}

// AttachStep attaches the volume to the analysis host.
type AttachStep struct {
	Attacher *forensics.Attacher
}

func (s *AttachStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepAttach,
		Name:            "Attach volume",
		Version:         "1.0.0",
		Description:     "Attaches the materialized volume to the analysis instance at a fixed device path. An occupied device is rejected by the provider and not retried.",
		Services:        []string{"ec2"},
		RequiredActions: []string{"ec2:AttachVolume"},
		RiskClass:       core.RiskWrite,
		Phase:           core.PhaseAttaching,
		Inputs: []InputSpec{
			{Name: KeyVolumeID, Type: "string", Description: "Volume to attach", Required: true},
			{Name: KeyTargetInstanceID, Type: "string", Description: "Analysis instance", Required: true},
			{Name: KeyDevice, Type: "string", Default: core.DefaultDevice, Description: "Device path on the analysis instance"},
		},
		Outputs: []OutputSpec{
			{Name: KeyVolumeID, Type: "string", Description: "Attached volume id"},
			{Name: KeyTargetInstanceID, Type: "string", Description: "Instance the volume is attached to"},
			{Name: KeyDevice, Type: "string", Description: "Device path"},
		},
	}
}

func (s *AttachStep) DryRun(rc RunContext) DryRunResult {
	return DryRunResult{
		Description: fmt.Sprintf("Would call ec2:AttachVolume to attach %s to %s at %s.",
			rc.InputString(KeyVolumeID), rc.InputString(KeyTargetInstanceID), rc.InputString(KeyDevice)),
		WouldMutate: true,
		APICalls:    []string{"ec2:AttachVolume"},
	}
}

func (s *AttachStep) Run(ctx context.Context, rc RunContext) Result {
	vol, err := s.Attacher.Attach(ctx, rc.InputString(KeyVolumeID), rc.InputString(KeyTargetInstanceID), rc.InputString(KeyDevice))
	if err != nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeyVolumeID:         vol.ID,
		KeyTargetInstanceID: vol.AttachedInstanceID,
		KeyDevice:           vol.Device,
	}}
}

// ExtractStep dispatches the artifact extraction batch.
type ExtractStep struct {
	Extractor *forensics.Extractor
}

func (s *ExtractStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepExtract,
		Name:            "Extract artifacts",
		Version:         "1.0.0",
		Description:     "Sends one SSM run-shell-script command that mounts the attached device read-only, copies the forensic artifact set to the staging directory and unmounts, then waits for the command to succeed.",
		Services:        []string{"ssm"},
		RequiredActions: []string{"ssm:SendCommand", "ssm:GetCommandInvocation"},
		RiskClass:       core.RiskWrite,
		Phase:           core.PhaseExtracting,
		Inputs: []InputSpec{
			{Name: KeyTargetInstanceID, Type: "string", Description: "Analysis instance", Required: true},
			{Name: KeyDevice, Type: "string", Default: core.DefaultDevice, Description: "Device the evidence volume is attached at"},
		},
		Outputs: []OutputSpec{
			{Name: KeyExtractCommandID, Type: "string", Description: "SSM command id"},
		},
	}
}

func (s *ExtractStep) DryRun(rc RunContext) DryRunResult {
	cmds := s.Extractor.Commands(rc.InputString(KeyDevice))
	return DryRunResult{
		Description: fmt.Sprintf("Would call ssm:SendCommand on %s with %d commands and poll ssm:GetCommandInvocation until it succeeds:\n%s",
			rc.InputString(KeyTargetInstanceID), len(cmds), forensics.JoinScript(cmds)),
		WouldMutate: true,
		APICalls:    []string{"ssm:SendCommand", "ssm:GetCommandInvocation"},
	}
}

func (s *ExtractStep) Run(ctx context.Context, rc RunContext) Result {
	cmd, err := s.Extractor.Dispatch(ctx, rc.InputString(KeyTargetInstanceID), rc.InputString(KeyDevice))
	if err != nil {
		return ErrResult(err)
	}
	outputs := map[string]any{
		KeyExtractCommandID: cmd.ID,
		KeyTargetInstanceID: cmd.InstanceID,
	}
	// Upload copies the staged files, so it must not start before they exist.
	if err := s.Extractor.WaitCommand(ctx, cmd); err != nil {
		return Result{Outputs: outputs, Error: err}
	}
	return Result{Outputs: outputs}
}

// UploadStep dispatches the copy of staged artifacts to S3.
type UploadStep struct {
	Uploader *forensics.Uploader
	// DefaultBucket and DefaultPrefix apply when the inputs omit them.
	DefaultBucket string
	DefaultPrefix string
}

func (s *UploadStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepUpload,
		Name:            "Upload artifacts",
		Version:         "1.0.0",
		Description:     "Sends one SSM run-shell-script command that copies every staged artifact to S3. Missing files are skipped without failing the batch.",
		Services:        []string{"ssm", "s3"},
		RequiredActions: []string{"ssm:SendCommand"},
		RiskClass:       core.RiskWrite,
		Phase:           core.PhaseUploading,
		Inputs: []InputSpec{
			{Name: KeyTargetInstanceID, Type: "string", Description: "Analysis instance", Required: true},
			{Name: KeyBucket, Type: "string", Default: nilIfEmpty(s.DefaultBucket), Description: "Destination bucket", Required: true},
			{Name: KeyKeyPrefix, Type: "string", Description: "Destination key prefix, defaults to the source instance id"},
			{Name: KeyInstanceID, Type: "string", Description: "Source instance the artifacts came from"},
		},
		Outputs: []OutputSpec{
			{Name: KeyUploadCommandID, Type: "string", Description: "SSM command id"},
			{Name: KeyBucket, Type: "string", Description: "Destination bucket"},
			{Name: KeyKeyPrefix, Type: "string", Description: "Destination key prefix"},
		},
	}
}

func (s *UploadStep) prefix(rc RunContext) string {
	p := rc.InputString(KeyKeyPrefix)
	if p == "" && rc.InputString(KeyInstanceID) == "" {
		p = s.DefaultPrefix
	}
	return forensics.ResolvePrefix(p, rc.InputString(KeyInstanceID))
}

func (s *UploadStep) DryRun(rc RunContext) DryRunResult {
	return DryRunResult{
		Description: fmt.Sprintf("Would call ssm:SendCommand on %s to copy %d artifacts to s3://%s/%s/.",
			rc.InputString(KeyTargetInstanceID), len(s.Uploader.Commands("", "")), rc.InputString(KeyBucket), s.prefix(rc)),
		WouldMutate: true,
		APICalls:    []string{"ssm:SendCommand"},
	}
}

func (s *UploadStep) Run(ctx context.Context, rc RunContext) Result {
	cmd, err := s.Uploader.Dispatch(ctx, rc.InputString(KeyTargetInstanceID), rc.InputString(KeyBucket),
		s.prefix(rc), rc.InputString(KeyInstanceID))
	if err != nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeyUploadCommandID: cmd.ID,
		KeyBucket:          cmd.Bucket,
		KeyKeyPrefix:       cmd.KeyPrefix,
	}}
}

// IsolateStep quarantines an instance.
type IsolateStep struct {
	Actuator *containment.Actuator
}

func (s *IsolateStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepIsolate,
		Name:            "Isolate instance",
		Version:         "1.0.0",
		Description:     "Replaces the security groups of every network interface on the instance with the quarantine group, tags it, and optionally stops it. Prior membership is recorded for release.",
		Services:        []string{"ec2"},
		RequiredActions: []string{"ec2:DescribeInstances", "ec2:ModifyNetworkInterfaceAttribute", "ec2:CreateTags", "ec2:StopInstances"},
		RiskClass:       core.RiskDestructive,
		Inputs: []InputSpec{
			{Name: KeyInstanceID, Type: "string", Description: "Instance to isolate", Required: true},
			{Name: KeyStop, Type: "bool", Default: false, Description: "Also stop the instance"},
			{Name: KeyReason, Type: "string", Description: "Why the instance is isolated"},
		},
		Outputs: []OutputSpec{
			{Name: KeyIsolated, Type: "bool", Description: "Whether every interface is in the quarantine group"},
			{Name: KeyQuarantineGroup, Type: "string", Description: "Quarantine security group"},
			{Name: KeyStopped, Type: "bool", Description: "Whether a stop was requested"},
		},
	}
}

func (s *IsolateStep) DryRun(rc RunContext) DryRunResult {
	desc := fmt.Sprintf("Would call ec2:ModifyNetworkInterfaceAttribute on every interface of %s, replacing its groups with the quarantine group.",
		rc.InputString(KeyInstanceID))
	calls := []string{"ec2:DescribeInstances", "ec2:ModifyNetworkInterfaceAttribute", "ec2:CreateTags"}
	if rc.InputBool(KeyStop) {
		desc += " Would then call ec2:StopInstances."
		calls = append(calls, "ec2:StopInstances")
	}
	return DryRunResult{Description: desc, WouldMutate: true, APICalls: calls}
}

func (s *IsolateStep) Run(ctx context.Context, rc RunContext) Result {
	status, err := s.Actuator.Isolate(ctx, containment.IsolateRequest{
		InstanceID: rc.InputString(KeyInstanceID),
		Stop:       rc.InputBool(KeyStop),
		Reason:     rc.InputString(KeyReason),
	})
	if status == nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeyInstanceID:      status.InstanceID,
		KeyIsolated:        status.Isolated,
		KeyQuarantineGroup: status.QuarantineGroup,
		KeyStopped:         status.Stopped,
	}, Error: err}
}

// ReleaseStep reverses a quarantine.
type ReleaseStep struct {
	Actuator *containment.Actuator
}

func (s *ReleaseStep) Meta() StepMeta {
	return StepMeta{
		ID:              StepRelease,
		Name:            "Release instance",
		Version:         "1.0.0",
		Description:     "Restores the security groups recorded when the instance was isolated and removes the quarantine tag.",
		Services:        []string{"ec2"},
		RequiredActions: []string{"ec2:ModifyNetworkInterfaceAttribute", "ec2:DeleteTags"},
		RiskClass:       core.RiskDestructive,
		Inputs: []InputSpec{
			{Name: KeyInstanceID, Type: "string", Description: "Instance to release", Required: true},
		},
		Outputs: []OutputSpec{
			{Name: KeyIsolated, Type: "bool", Description: "Always false after a release"},
		},
	}
}

func (s *ReleaseStep) DryRun(rc RunContext) DryRunResult {
	return DryRunResult{
		Description: fmt.Sprintf("Would restore the recorded security groups of %s and delete its quarantine tag.", rc.InputString(KeyInstanceID)),
		WouldMutate: true,
		APICalls:    []string{"ec2:ModifyNetworkInterfaceAttribute", "ec2:DeleteTags"},
	}
}

func (s *ReleaseStep) Run(ctx context.Context, rc RunContext) Result {
	status, err := s.Actuator.Release(ctx, rc.InputString(KeyInstanceID))
	if err != nil {
		return ErrResult(err)
	}
	return Result{Outputs: map[string]any{
		KeyInstanceID: status.InstanceID,
		KeyIsolated:   false,
		"restored":    len(status.Interfaces),
	}}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Handlers groups the components the built-in steps wrap.
type Handlers struct {
	Snapshotter  *forensics.Snapshotter
	Materializer *forensics.Materializer
	Attacher     *forensics.Attacher
	Extractor    *forensics.Extractor
	Uploader     *forensics.Uploader
	Actuator     *containment.Actuator

	DefaultBucket string
	DefaultPrefix string
}

// RegisterBuiltins registers a step for every non-nil handler.
func RegisterBuiltins(reg *Registry, h Handlers) {
	if h.Snapshotter != nil {
		reg.Register(&SnapshotStep{Snapshotter: h.Snapshotter})
	}
	if h.Materializer != nil {
		reg.Register(&MaterializeStep{Materializer: h.Materializer})
	}
	if h.Attacher != nil {
		reg.Register(&AttachStep{Attacher: h.Attacher})
	}
	if h.Extractor != nil {
		reg.Register(&ExtractStep{Extractor: h.Extractor})
	}
	if h.Uploader != nil {
		reg.Register(&UploadStep{Uploader: h.Uploader, DefaultBucket: h.DefaultBucket, DefaultPrefix: h.DefaultPrefix})
	}
	if h.Actuator != nil {
		reg.Register(&IsolateStep{Actuator: h.Actuator})
		reg.Register(&ReleaseStep{Actuator: h.Actuator})
	}
}
