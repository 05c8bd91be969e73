// Package notify is the boundary to the human notification channel. The
// delivery transport lives outside this module; what is here is the
// contract, a logging implementation and a fan-out that never lets a
// delivery failure abort the caller.
package notify

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/rs/zerolog"

	"github.com/cloudir/cloudir/internal/audit"
)

// Severity is a coarse label for the summary.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Common field keys.
const (
	FieldInstanceID = "instance_id"
	FieldSnapshotID = "snapshot_id"
	FieldVolumeID   = "volume_id"
	FieldCommandID  = "command_id"
	FieldBucket     = "bucket"
	FieldKeyPrefix  = "key_prefix"
	FieldIsolation  = "isolation"
	FieldEventName  = "event_name"
	FieldActor      = "actor"
	FieldSourceIP   = "source_ip"
)

// Summary is the structured content handed to a notifier.
type Summary struct {
	Title    string            `json:"title"`
	Severity Severity          `json:"severity"`
	Body     string            `json:"body,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier delivers a summary to a human channel.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// LogNotifier writes summaries to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every summary.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, s Summary) error {
	ev := n.logger.Info()
	if s.Severity == SeverityCritical {
		ev = n.logger.Warn()
	}
	for _, k := range slices.Sorted(maps.Keys(s.Fields)) {
		ev = ev.Str(k, s.Fields[k])
	}
	ev.Str("severity", string(s.Severity)).Str("body", s.Body).Msg(s.Title)
	return nil
}

// Fanout delivers to several notifiers. Failures are logged and audited,
// then dropped: Notify always returns nil.
type Fanout struct {
	notifiers []Notifier
	audit     *audit.Logger
	logger    zerolog.Logger
}

// NewFanout creates a fan-out over notifiers. al may be nil.
func NewFanout(logger zerolog.Logger, al *audit.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, audit: al, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, s); err != nil {
			f.logger.Warn().Err(err).Str("title", s.Title).Msg("notification delivery failed")
			errs = append(errs, err)
		}
	}
	if f.audit != nil {
		detail := map[string]any{
			"title":     s.Title,
			"severity":  s.Severity,
			"delivered": len(f.notifiers) - len(errs),
			"failed":    len(errs),
		}
		if len(errs) > 0 {
			detail["error"] = errors.Join(errs...).Error()
		}
		f.audit.LogContext(ctx, audit.EventNotification, detail)
	}
	return nil
}
