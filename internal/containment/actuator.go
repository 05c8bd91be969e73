// Package containment isolates compute instances by forcing every network
// interface into a quarantine security group. Prior membership is kept in
// the quarantine ledger so that isolation can be released.
package containment

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
	cloudiraws "github.com/cloudir/cloudir/internal/aws"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/scope"
)

const (
	opIsolate = "Isolate"
	opRelease = "Release"

	DefaultTagKey = "quarantined"
)

// EC2API is the slice of the EC2 client the actuator uses.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ModifyNetworkInterfaceAttribute(ctx context.Context, params *ec2.ModifyNetworkInterfaceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyNetworkInterfaceAttributeOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// Options configures the actuator.
type Options struct {
	QuarantineGroupID string
	TagKey            string
}

// IsolateRequest names the instance to contain.
type IsolateRequest struct {
	InstanceID string
	// Stop also stops the instance after its interfaces are quarantined.
	Stop   bool
	Reason string
}

// InterfaceChange describes what happened to one network interface.
type InterfaceChange struct {
	ID          string   `json:"id"`
	PriorGroups []string `json:"prior_groups"`
	Groups      []string `json:"groups"`
	Changed     bool     `json:"changed"`
}

// Status is the outcome of an isolate or release.
type Status struct {
	InstanceID      string            `json:"instance_id"`
	QuarantineGroup string            `json:"quarantine_group"`
	Isolated        bool              `json:"isolated"`
	Stopped         bool              `json:"stopped"`
	Interfaces      []InterfaceChange `json:"interfaces"`
}

// Actuator applies and reverses quarantine.
type Actuator struct {
	client  EC2API
	ledger  *Ledger
	checker *scope.Checker
	audit   *audit.Logger
	opts    Options
	logger  zerolog.Logger
}

// NewActuator creates an actuator. checker and al may be nil.
func NewActuator(client EC2API, ledger *Ledger, checker *scope.Checker, al *audit.Logger, opts Options, logger zerolog.Logger) *Actuator {
	if opts.TagKey == "" {
		opts.TagKey = DefaultTagKey
	}
	return &Actuator{client: client, ledger: ledger, checker: checker, audit: al, opts: opts, logger: logger}
}

// Isolate replaces the security groups of every interface on the instance
// with exactly the quarantine group. Interfaces already in that state are
// left alone, so repeated delivery of the same event is harmless.
func (a *Actuator) Isolate(ctx context.Context, req IsolateRequest) (*Status, error) {
	var missing []string
	if req.InstanceID == "" {
		missing = append(missing, "instance_id")
	}
	if a.opts.QuarantineGroupID == "" {
		missing = append(missing, "quarantine_group_id")
	}
	if len(missing) > 0 {
		return nil, core.MissingInput(opIsolate, missing...)
	}
	if err := a.checkScope(ctx, req.InstanceID); err != nil {
		return nil, err
	}

	inst, err := cloudiraws.DescribeInstance(ctx, a.client, opIsolate, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if len(inst.NetworkInterfaces) == 0 {
		return nil, core.NotFound(opIsolate, req.InstanceID, "instance has no network interfaces")
	}

	qg := a.opts.QuarantineGroupID
	status := &Status{InstanceID: req.InstanceID, QuarantineGroup: qg}
	now := time.Now().UTC()

	for _, eni := range inst.NetworkInterfaces {
		change := InterfaceChange{ID: eni.ID, PriorGroups: eni.Groups, Groups: []string{qg}}
		if slices.Equal(eni.Groups, []string{qg}) {
			status.Interfaces = append(status.Interfaces, change)
			continue
		}

		if a.ledger != nil {
			err := a.ledger.Record(core.QuarantineRecord{
				InstanceID:         req.InstanceID,
				NetworkInterfaceID: eni.ID,
				PriorGroups:        eni.Groups,
				QuarantineGroup:    qg,
				Reason:             req.Reason,
				IsolatedAt:         now,
			})
			if err != nil {
				return status, err
			}
		}

		_, err := a.client.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
			NetworkInterfaceId: aws.String(eni.ID),
			Groups:             []string{qg},
		})
		if err != nil {
			return status, providerError(opIsolate, eni.ID, "ModifyNetworkInterfaceAttribute", err)
		}
		change.Changed = true
		status.Interfaces = append(status.Interfaces, change)
		a.logger.Info().
			Str("instance", req.InstanceID).
			Str("interface", eni.ID).
			Strs("prior_groups", eni.Groups).
			Str("quarantine_group", qg).
			Msg("interface quarantined")
	}
	status.Isolated = true

	_, err = a.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{req.InstanceID},
		Tags:      cloudiraws.Tags(map[string]string{a.opts.TagKey: "true"}),
	})
	if err != nil {
		return status, providerError(opIsolate, req.InstanceID, "CreateTags", err)
	}

	if req.Stop {
		_, err := a.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{req.InstanceID}})
		if err != nil {
			return status, providerError(opIsolate, req.InstanceID, "StopInstances", err)
		}
		status.Stopped = true
		a.logger.Info().Str("instance", req.InstanceID).Msg("instance stop requested")
	}

	a.record(ctx, "isolate", req.Reason, status)
	return status, nil
}

// Release restores the membership recorded when the instance was isolated
// and removes the quarantine tag. A stopped instance is not started again.
func (a *Actuator) Release(ctx context.Context, instanceID string) (*Status, error) {
	if instanceID == "" {
		return nil, core.MissingInput(opRelease, "instance_id")
	}
	if a.ledger == nil {
		return nil, fmt.Errorf("release requires a quarantine ledger")
	}
	if err := a.checkScope(ctx, instanceID); err != nil {
		return nil, err
	}

	recs, err := a.ledger.Active(instanceID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, core.NotFound(opRelease, instanceID, "no active quarantine")
	}

	status := &Status{InstanceID: instanceID, QuarantineGroup: recs[0].QuarantineGroup}
	now := time.Now().UTC()
	for _, rec := range recs {
		if len(rec.PriorGroups) == 0 {
			// Nothing to restore; close the record so the release is not
			// attempted again, and report the interface as unchanged.
			a.logger.Warn().Str("interface", rec.NetworkInterfaceID).Msg("no prior groups recorded, leaving quarantine group in place")
			if err := a.ledger.MarkReleased(instanceID, rec.NetworkInterfaceID, now); err != nil {
				return status, err
			}
			status.Interfaces = append(status.Interfaces, InterfaceChange{
				ID:          rec.NetworkInterfaceID,
				PriorGroups: []string{rec.QuarantineGroup},
				Groups:      []string{rec.QuarantineGroup},
			})
			continue
		}
		_, err := a.client.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
			NetworkInterfaceId: aws.String(rec.NetworkInterfaceID),
			Groups:             rec.PriorGroups,
		})
		if err != nil {
			return status, providerError(opRelease, rec.NetworkInterfaceID, "ModifyNetworkInterfaceAttribute", err)
		}
		if err := a.ledger.MarkReleased(instanceID, rec.NetworkInterfaceID, now); err != nil {
			return status, err
		}
		status.Interfaces = append(status.Interfaces, InterfaceChange{
			ID:          rec.NetworkInterfaceID,
			PriorGroups: []string{rec.QuarantineGroup},
			Groups:      rec.PriorGroups,
			Changed:     true,
		})
	}

	_, err = a.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{instanceID},
		Tags:      []ec2types.Tag{{Key: aws.String(a.opts.TagKey)}},
	})
	if err != nil {
		return status, providerError(opRelease, instanceID, "DeleteTags", err)
	}

	a.record(ctx, "release", "", status)
	return status, nil
}

func (a *Actuator) checkScope(ctx context.Context, instanceID string) error {
	if a.checker == nil {
		return nil
	}
	if err := a.checker.CheckContainable(instanceID); err != nil {
		if a.audit != nil {
			a.audit.LogContext(ctx, audit.EventScopeViolation, map[string]string{
				"instance_id": instanceID,
				"violation":   err.Error(),
			})
		}
		return err
	}
	return nil
}

func (a *Actuator) record(ctx context.Context, action, reason string, status *Status) {
	if a.audit == nil {
		return
	}
	changed := 0
	for _, c := range status.Interfaces {
		if c.Changed {
			changed++
		}
	}
	a.audit.LogContext(ctx, audit.EventContainment, map[string]any{
		"action":           action,
		"instance_id":      status.InstanceID,
		"quarantine_group": status.QuarantineGroup,
		"interfaces":       len(status.Interfaces),
		"changed":          changed,
		"stopped":          status.Stopped,
		"reason":           reason,
	})
}

func providerError(op, resource, call string, err error) error {
	if core.IsAPIError(err) {
		return core.Rejected(op, resource, err)
	}
	return fmt.Errorf("%s(%s): %w", call, resource, err)
}
