package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/notify"
	"github.com/cloudir/cloudir/internal/workflow"
)

// Snapshotter snapshots every volume attached to an instance.
type Snapshotter interface {
	SnapshotAttached(ctx context.Context, instanceID, reason string) ([]core.Snapshot, error)
}

// Isolator quarantines an instance.
type Isolator interface {
	Isolate(ctx context.Context, req containment.IsolateRequest) (*containment.Status, error)
}

// OriginChecker decides whether a detection's account and region are ones
// cloudir may act in.
type OriginChecker interface {
	CheckOrigin(account, region string) error
}

// ChainRunner runs the forensic chain.
type ChainRunner interface {
	Run(ctx context.Context, req workflow.ChainRequest) (*core.ChainRun, error)
}

// Policy decides which detections trigger a response.
type Policy struct {
	// MinSeverity is the finding severity at or above which an instance is
	// snapshotted and isolated.
	MinSeverity float64
	// StopOnFinding also stops instances isolated because of a finding.
	StopOnFinding bool
	// RunForensics starts the forensic chain for isolated instances when an
	// analysis instance is configured.
	RunForensics       bool
	AnalysisInstanceID string
	// Device is where the evidence volume is attached on the analysis host.
	Device string
}

// Outcome records what was done for one detection.
type Outcome struct {
	Detection Detection           `json:"detection"`
	Responded bool                `json:"responded"`
	Snapshots []core.Snapshot     `json:"snapshots,omitempty"`
	Isolation *containment.Status `json:"isolation,omitempty"`
	ChainRun  string              `json:"chain_run,omitempty"`
	Archived  string              `json:"archived,omitempty"`
	// Skipped says why no action was taken on an otherwise actionable event.
	Skipped string   `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Dispatcher applies the response policy to detections. Each detection is
// handled on its own; there is no deduplication across deliveries.
type Dispatcher struct {
	policy   Policy
	snaps    Snapshotter
	isolator Isolator
	chain    ChainRunner
	archive  *Archiver
	scope    OriginChecker
	notifier notify.Notifier
	audit    *audit.Logger
	logger   zerolog.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithChain enables the forensic chain follow-up.
func WithChain(c ChainRunner) DispatcherOption {
	return func(d *Dispatcher) { d.chain = c }
}

// WithArchive stores raw findings through a.
func WithArchive(a *Archiver) DispatcherOption {
	return func(d *Dispatcher) { d.archive = a }
}

// WithScope ignores detections raised outside the accounts and regions c
// allows. They are still recorded and notified.
func WithScope(c OriginChecker) DispatcherOption {
	return func(d *Dispatcher) { d.scope = c }
}

// WithAudit records every handled detection.
func WithAudit(al *audit.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.audit = al }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(policy Policy, snaps Snapshotter, isolator Isolator, notifier notify.Notifier, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		policy:   policy,
		snaps:    snaps,
		isolator: isolator,
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle responds to one detection. Every action is attempted even when an
// earlier one fails; the returned error joins the individual failures and
// the outcome is always non-nil.
func (d *Dispatcher) Handle(ctx context.Context, det Detection) (*Outcome, error) {
	out := &Outcome{Detection: det}
	var errs []error
	fail := func(action string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", action, err))
		out.Errors = append(out.Errors, action+": "+err.Error())
		d.logger.Error().Err(err).Str("action", action).Str("detection", det.ID).Msg("response action failed")
	}

	if d.scope != nil {
		if err := d.scope.CheckOrigin(det.Account, det.Region); err != nil {
			out.Skipped = err.Error()
			d.logger.Warn().Err(err).Str("detection", det.ID).Str("account", det.Account).Str("region", det.Region).
				Msg("detection outside scope, not responding")
			d.record(ctx, out)
			d.notify(ctx, out)
			return out, nil
		}
	}

	if det.Kind == KindFinding && d.archive != nil {
		key, err := d.archive.Store(ctx, det)
		if err != nil {
			fail("archive", err)
		} else {
			out.Archived = key
		}
	}

	respond, stop := d.decide(det)
	if respond {
		out.Responded = true
		reason := responseReason(det)

		snaps, err := d.snaps.SnapshotAttached(ctx, det.InstanceID, reason)
		out.Snapshots = snaps
		if err != nil {
			fail("snapshot", err)
		}

		status, err := d.isolator.Isolate(ctx, containment.IsolateRequest{
			InstanceID: det.InstanceID,
			Stop:       stop,
			Reason:     reason,
		})
		out.Isolation = status
		if err != nil {
			fail("isolate", err)
		}

		if d.chain != nil && d.policy.RunForensics && d.policy.AnalysisInstanceID != "" {
			run, err := d.chain.Run(ctx, workflow.ChainRequest{
				SourceInstanceID: det.InstanceID,
				TargetInstanceID: d.policy.AnalysisInstanceID,
				Device:           d.policy.Device,
				Trigger:          string(det.Kind) + ":" + det.ID,
			})
			if run != nil {
				out.ChainRun = run.UUID
			}
			if err != nil {
				fail("forensics", err)
			}
		}
	}

	d.record(ctx, out)
	d.notify(ctx, out)
	return out, errors.Join(errs...)
}

func (d *Dispatcher) decide(det Detection) (respond, stop bool) {
	if det.InstanceID == "" {
		return false, false
	}
	switch det.Kind {
	case KindFinding:
		return det.Severity >= d.policy.MinSeverity, d.policy.StopOnFinding
	case KindAlarm:
		return det.State == "" || det.State == "ALARM", false
	}
	return false, false
}

func responseReason(det Detection) string {
	switch det.Kind {
	case KindAlarm:
		return fmt.Sprintf("alarm %s on %s", det.AlarmName, det.InstanceID)
	case KindFinding:
		return fmt.Sprintf("GuardDuty %s (severity %s) on %s", det.Type, formatSeverity(det.Severity), det.InstanceID)
	}
	return string(det.Kind) + " " + det.ID
}

func formatSeverity(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func (d *Dispatcher) record(ctx context.Context, out *Outcome) {
	if d.audit == nil {
		return
	}
	det := out.Detection
	detail := map[string]string{
		"kind":        string(det.Kind),
		"id":          det.ID,
		"instance_id": det.InstanceID,
		"responded":   strconv.FormatBool(out.Responded),
	}
	if det.Kind == KindFinding {
		detail["severity"] = formatSeverity(det.Severity)
	}
	if out.Skipped != "" {
		detail["skipped"] = out.Skipped
	}
	if len(out.Errors) > 0 {
		detail["errors"] = strings.Join(out.Errors, "; ")
	}
	d.audit.LogContext(ctx, audit.EventDetection, detail)
}

func (d *Dispatcher) notify(ctx context.Context, out *Outcome) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, Summarize(out)); err != nil {
		d.logger.Warn().Err(err).Str("detection", out.Detection.ID).Msg("notification failed")
	}
}

// Summarize renders an outcome as a notification.
func Summarize(out *Outcome) notify.Summary {
	det := out.Detection
	s := notify.Summary{Severity: notify.SeverityWarning, Fields: map[string]string{}}
	set := func(k, v string) {
		if v != "" {
			s.Fields[k] = v
		}
	}
	set(notify.FieldInstanceID, det.InstanceID)
	set("region", det.Region)
	set("account", det.Account)

	switch det.Kind {
	case KindFinding:
		s.Title = "GuardDuty finding: " + det.Type
		s.Body = det.Description
		set("severity", formatSeverity(det.Severity))
		set("title", det.Title)
		set("remote_ip", det.RemoteIP)
		set("archived", out.Archived)
	case KindAPICall:
		s.Title = "Configuration change: " + det.EventName
		set(notify.FieldEventName, det.EventName)
		set(notify.FieldActor, det.Actor)
		set(notify.FieldSourceIP, det.SourceIP)
		set("resource", det.Resource)
	case KindAlarm:
		s.Title = "Alarm " + det.AlarmName + " " + det.State
		s.Body = det.Reason
	}
	if !det.Time.IsZero() {
		set("time", det.Time.Format("2006-01-02 15:04:05 MST"))
	}

	if out.Responded {
		s.Severity = notify.SeverityCritical
		var ids []string
		for _, snap := range out.Snapshots {
			ids = append(ids, snap.ID)
		}
		set(notify.FieldSnapshotID, strings.Join(ids, ", "))
		if out.Isolation != nil {
			iso := "isolated in " + out.Isolation.QuarantineGroup
			if out.Isolation.Stopped {
				iso += ", stopped"
			}
			set(notify.FieldIsolation, iso)
		}
		set("chain_run", out.ChainRun)
	}
	set("skipped", out.Skipped)
	set("errors", strings.Join(out.Errors, "; "))
	return s
}
