// Package workflow runs forensic and containment handlers as steps with
// explicit input and output contracts. Steps communicate only through the
// identifiers in those maps; a Chain threads one step's outputs into the
// next step's inputs and records each run in the ledger.
package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cloudir/cloudir/internal/core"
)

// Input and output keys shared by the steps.
const (
	KeyInstanceID       = "instance_id"
	KeyTargetInstanceID = "target_instance_id"
	KeySnapshotID       = "snapshot_id"
	KeyVolumeID         = "volume_id"
	KeySourceVolumeID   = "source_volume_id"
	KeyAvailabilityZone = "availability_zone"
	KeyDevice           = "device"
	KeyBucket           = "bucket"
	KeyKeyPrefix        = "key_prefix"
	KeyExtractCommandID = "extract_command_id"
	KeyUploadCommandID  = "upload_command_id"
	KeyQuarantineGroup  = "quarantine_group"
	KeyIsolated         = "isolated"
	KeyStopped          = "stopped"
	KeyStop             = "stop"
	KeyReason           = "reason"
)

// StepMeta declares what a step needs and what it produces.
type StepMeta struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Version         string         `json:"version"`
	Description     string         `json:"description"`
	Services        []string       `json:"services"`
	RequiredActions []string       `json:"required_actions"`
	RiskClass       core.RiskClass `json:"risk_class"`
	// Phase is the chain phase the step enters when it starts.
	Phase   core.Phase   `json:"phase,omitempty"`
	Inputs  []InputSpec  `json:"inputs"`
	Outputs []OutputSpec `json:"outputs"`
}

// InputSpec describes a step input.
type InputSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | bool | int
	Default     any    `json:"default,omitempty"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// OutputSpec describes a step output.
type OutputSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// RunContext carries a step's inputs.
type RunContext struct {
	Inputs map[string]any
	RunID  string
	DryRun bool

	onPhase func(core.Phase)
}

// InputString returns a string input, or "".
func (rc RunContext) InputString(name string) string {
	switch v := rc.Inputs[name].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// InputBool returns a bool input. String values such as "true" are parsed.
func (rc RunContext) InputBool(name string) bool {
	switch v := rc.Inputs[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// InputInt returns an int input, or 0.
func (rc RunContext) InputInt(name string) int {
	switch n := rc.Inputs[name].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

// EnterPhase reports a phase change inside a long step.
func (rc RunContext) EnterPhase(p core.Phase) {
	if rc.onPhase != nil {
		rc.onPhase(p)
	}
}

// PreflightResult lists what a run would need.
type PreflightResult struct {
	MissingInputs   []string `json:"missing_inputs,omitempty"`
	PlannedAPICalls []string `json:"planned_api_calls"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Ready reports whether every required input is present.
func (p PreflightResult) Ready() bool { return len(p.MissingInputs) == 0 }

// DryRunResult describes what a step would do without executing.
type DryRunResult struct {
	Description string   `json:"description"`
	WouldMutate bool     `json:"would_mutate"`
	APICalls    []string `json:"api_calls,omitempty"`
}

// Result is the output of a step execution. Outputs may be set alongside
// Error when the step created resources before failing.
type Result struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   error          `json:"-"`
}

// ErrResult creates a Result from an error.
func ErrResult(err error) Result {
	return Result{Error: err}
}

// Step is one handler with an explicit contract.
type Step interface {
	Meta() StepMeta
	DryRun(rc RunContext) DryRunResult
	Run(ctx context.Context, rc RunContext) Result
}
