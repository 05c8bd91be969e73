// Package core defines the shared types of cloudir: the provider resource
// references that flow between handlers, the run and ledger records persisted
// locally, and the typed error taxonomy.
package core

import (
	"time"
)

// Phase is the position of a forensic chain run in its state machine.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhaseSnapshotting    Phase = "snapshotting"
	PhaseWaitingSnapshot Phase = "waiting_snapshot"
	PhaseMaterializing   Phase = "materializing"
	PhaseWaitingVolume   Phase = "waiting_volume"
	PhaseAttaching       Phase = "attaching"
	PhaseExtracting      Phase = "extracting"
	PhaseUploading       Phase = "uploading"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// RiskClass categorizes what a step does to provider state.
type RiskClass string

const (
	RiskReadOnly    RiskClass = "read_only"
	RiskWrite       RiskClass = "write"
	RiskDestructive RiskClass = "destructive"
)

// RunStatus tracks a step or chain run's lifecycle.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunDryRun  RunStatus = "dry_run"
)

// Default values shared by the forensic handlers.
const (
	DefaultDevice         = "/dev/sdf"
	DefaultVolumeType     = "gp2"
	DefaultMountPoint     = "/mnt/forensic"
	DefaultOutputDir      = "/tmp"
	DefaultArtifactPrefix = "forensic-results"
)

// Instance is a transient view of a compute instance.
type Instance struct {
	ID                string             `json:"id"`
	AvailabilityZone  string             `json:"availability_zone"`
	State             string             `json:"state,omitempty"`
	RootDeviceName    string             `json:"root_device_name"`
	BlockDevices      []BlockDevice      `json:"block_devices,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network_interfaces,omitempty"`
	Tags              map[string]string  `json:"tags,omitempty"`
}

// BlockDevice maps a device name on an instance to the volume behind it.
type BlockDevice struct {
	DeviceName string `json:"device_name"`
	VolumeID   string `json:"volume_id"`
}

// NetworkInterface carries the security groups currently bound to an ENI.
type NetworkInterface struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups"`
}

// RootVolume returns the volume mounted at the instance's root device.
func (i *Instance) RootVolume() (BlockDevice, bool) {
	for _, bd := range i.BlockDevices {
		if bd.DeviceName == i.RootDeviceName && bd.VolumeID != "" {
			return bd, true
		}
	}
	return BlockDevice{}, false
}

// Volume is a block-storage volume.
type Volume struct {
	ID                 string `json:"id"`
	AvailabilityZone   string `json:"availability_zone"`
	State              string `json:"state"`
	SourceSnapshotID   string `json:"source_snapshot_id,omitempty"`
	AttachedInstanceID string `json:"attached_instance_id,omitempty"`
	Device             string `json:"device,omitempty"`
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	ID               string `json:"id"`
	VolumeID         string `json:"volume_id"`
	SourceInstanceID string `json:"source_instance_id"`
	State            string `json:"state"`
	Description      string `json:"description,omitempty"`
}

// RemoteCommand is a fire-and-forget script dispatched to an instance agent.
type RemoteCommand struct {
	ID             string   `json:"id"`
	InstanceID     string   `json:"instance_id"`
	Document       string   `json:"document"`
	Commands       []string `json:"commands"`
	TimeoutSeconds int32    `json:"timeout_seconds"`
	Bucket         string   `json:"bucket,omitempty"`
	KeyPrefix      string   `json:"key_prefix,omitempty"`
}

// Scope bounds which accounts, regions and instances handlers may touch.
type Scope struct {
	AccountIDs         []string `json:"account_ids,omitempty" yaml:"account_ids"`
	Regions            []string `json:"regions,omitempty" yaml:"regions"`
	Partition          string   `json:"partition,omitempty" yaml:"partition"`
	ProtectedInstances []string `json:"protected_instances,omitempty" yaml:"protected_instances"`
}

// ChainRun records one pass of the forensic chain.
type ChainRun struct {
	UUID             string         `json:"uuid"`
	SourceInstanceID string         `json:"source_instance_id"`
	TargetInstanceID string         `json:"target_instance_id"`
	Phase            Phase          `json:"phase"`
	Status           RunStatus      `json:"status"`
	Trigger          string         `json:"trigger,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ErrorKind        ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail      *string        `json:"error_detail,omitempty"`
	LedgerUUID       string         `json:"ledger_uuid"`
	CreatedBy        string         `json:"created_by"`
}

// StepRun records a single execution of one workflow step.
type StepRun struct {
	UUID         string         `json:"uuid"`
	ChainRunUUID *string        `json:"chain_run_uuid,omitempty"`
	StepID       string         `json:"step_id"`
	StepVersion  string         `json:"step_version"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail  *string        `json:"error_detail,omitempty"`
	LedgerUUID   string         `json:"ledger_uuid"`
	CreatedBy    string         `json:"created_by"`
}

// QuarantineRecord holds an ENI's group membership from before isolation.
type QuarantineRecord struct {
	InstanceID         string     `json:"instance_id"`
	NetworkInterfaceID string     `json:"network_interface_id"`
	PriorGroups        []string   `json:"prior_groups"`
	QuarantineGroup    string     `json:"quarantine_group"`
	Reason             string     `json:"reason,omitempty"`
	IsolatedAt         time.Time  `json:"isolated_at"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
}

// EvidenceRecord describes one collected artifact held in the local store.
type EvidenceRecord struct {
	UUID          string    `json:"uuid"`
	LedgerUUID    string    `json:"ledger_uuid"`
	RunUUID       *string   `json:"run_uuid,omitempty"`
	InstanceID    string    `json:"instance_id"`
	Name          string    `json:"name"`
	SourceURI     string    `json:"source_uri"`
	ContentHash   string    `json:"content_hash"`
	StoragePath   string    `json:"storage_path"`
	ByteSize      int64     `json:"byte_size"`
	IsPlaceholder bool      `json:"is_placeholder"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
}

// AuditRecord is an immutable audit log entry.
type AuditRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	LedgerUUID string    `json:"ledger_uuid"`
	RunUUID    string    `json:"run_uuid,omitempty"`
	Operator   string    `json:"operator"`
	EventType  string    `json:"event_type"`
	Detail     string    `json:"detail"`
	RecordHash string    `json:"record_hash"`
}
