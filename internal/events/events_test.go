package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/notify"
	"github.com/cloudir/cloudir/internal/scope"
	"github.com/cloudir/cloudir/internal/workflow"
)

const guardDutyEvent = `{
  "version": "0",
  "id": "evt-1",
  "detail-type": "GuardDuty Finding",
  "source": "aws.guardduty",
  "account": "123456789012",
  "time": "2025-05-01T03:04:05Z",
  "region": "ap-northeast-2",
  "detail": {
    "id": "finding-42",
    "type": "UnauthorizedAccess:EC2/SSHBruteForce",
    "severity": 8,
    "title": "SSH brute force",
    "description": "198.51.100.7 is performing SSH brute force attacks against i-0001.",
    "resource": {"resourceType": "Instance", "instanceDetails": {"instanceId": "i-0001"}},
    "service": {"action": {"networkConnectionAction": {"remoteIpDetails": {"ipAddressV4": "198.51.100.7"}}}}
  }
}`

const securityGroupEvent = `{
  "id": "evt-2",
  "detail-type": "AWS API Call via CloudTrail",
  "source": "aws.ec2",
  "account": "123456789012",
  "time": "2025-05-01T03:04:05Z",
  "region": "us-east-1",
  "detail": {
    "eventID": "ct-1",
    "eventName": "AuthorizeSecurityGroupIngress",
    "eventSource": "ec2.amazonaws.com",
    "sourceIPAddress": "203.0.113.9",
    "userIdentity": {"arn": "arn:aws:iam::123456789012:user/mallory"},
    "requestParameters": {"groupId": "sg-0abc"}
  }
}`

const alarmMessage = `{
  "AlarmName": "bash-history-tamper",
  "AlarmDescription": "history file truncated",
  "AWSAccountId": "123456789012",
  "NewStateValue": "ALARM",
  "NewStateReason": "Threshold Crossed: 1 datapoint [1.0] was >= 1.0",
  "StateChangeTime": "2025-05-01T03:04:05.000+0000",
  "Trigger": {"Dimensions": [{"name": "InstanceId", "value": "i-0002"}]}
}`

func snsBatch(t *testing.T, messages ...string) []byte {
	t.Helper()
	type sns struct {
		Message string `json:"Message"`
	}
	type record struct {
		Sns sns `json:"Sns"`
	}
	var batch struct {
		Records []record `json:"Records"`
	}
	for _, m := range messages {
		batch.Records = append(batch.Records, record{Sns: sns{Message: m}})
	}
	b, err := json.Marshal(batch)
	require.NoError(t, err)
	return b
}

func TestParseFinding(t *testing.T) {
	dets, err := Parse([]byte(guardDutyEvent))
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, KindFinding, d.Kind)
	assert.Equal(t, "finding-42", d.ID)
	assert.Equal(t, "i-0001", d.InstanceID)
	assert.Equal(t, 8.0, d.Severity)
	assert.Equal(t, "UnauthorizedAccess:EC2/SSHBruteForce", d.Type)
	assert.Equal(t, "198.51.100.7", d.RemoteIP)
	assert.Equal(t, "ap-northeast-2", d.Region)
	assert.Equal(t, time.Date(2025, 5, 1, 3, 4, 5, 0, time.UTC), d.Time)
	assert.JSONEq(t, guardDutyEvent, string(d.Raw))
}

func TestParseSNSBatch(t *testing.T) {
	dets, err := Parse(snsBatch(t, securityGroupEvent, alarmMessage))
	require.NoError(t, err)
	require.Len(t, dets, 2)

	ct := dets[0]
	assert.Equal(t, KindAPICall, ct.Kind)
	assert.Equal(t, "AuthorizeSecurityGroupIngress", ct.EventName)
	assert.Equal(t, "arn:aws:iam::123456789012:user/mallory", ct.Actor)
	assert.Equal(t, "203.0.113.9", ct.SourceIP)
	assert.Equal(t, "sg-0abc", ct.Resource)
	assert.Empty(t, ct.InstanceID)

	alarm := dets[1]
	assert.Equal(t, KindAlarm, alarm.Kind)
	assert.Equal(t, "bash-history-tamper", alarm.AlarmName)
	assert.Equal(t, "ALARM", alarm.State)
	assert.Equal(t, "i-0002", alarm.InstanceID)
	assert.Equal(t, time.Date(2025, 5, 1, 3, 4, 5, 0, time.UTC), alarm.Time)
}

func TestParseSingleNotificationAndAlarmChange(t *testing.T) {
	change := `{
	  "id": "evt-3", "detail-type": "CloudWatch Alarm State Change", "source": "aws.cloudwatch",
	  "detail": {
	    "alarmName": "cpu-spike",
	    "state": {"value": "ALARM", "reason": "cpu"},
	    "configuration": {"metrics": [{"metricStat": {"metric": {"dimensions": {"InstanceId": "i-0003"}}}}]}
	  }
	}`
	wrapped, err := json.Marshal(map[string]string{"Type": "Notification", "Message": change})
	require.NoError(t, err)

	dets, err := Parse(wrapped)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, KindAlarm, dets[0].Kind)
	assert.Equal(t, "i-0003", dets[0].InstanceID)
	assert.Equal(t, "cpu-spike", dets[0].AlarmName)
}

func TestParseRejectsUnknownEvents(t *testing.T) {
	_, err := Parse([]byte(`{"source":"aws.s3","detail-type":"Object Created","detail":{}}`))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)

	_, err = Parse(snsBatch(t, guardDutyEvent, `{"source":"aws.s3"}`))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestParseStringSeverity(t *testing.T) {
	dets, err := Parse([]byte(`{"source":"aws.guardduty","detail":{"severity":"5.5","resource":{"instanceDetails":{"instanceId":"i-9"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, 5.5, dets[0].Severity)
}

type fakeSnapshots struct {
	calls []string
	err   error
}

func (f *fakeSnapshots) SnapshotAttached(ctx context.Context, id, reason string) ([]core.Snapshot, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return []core.Snapshot{{ID: "snap-1", VolumeID: "vol-1", SourceInstanceID: id}}, nil
}

type fakeIsolator struct {
	reqs []containment.IsolateRequest
}

func (f *fakeIsolator) Isolate(ctx context.Context, req containment.IsolateRequest) (*containment.Status, error) {
	f.reqs = append(f.reqs, req)
	return &containment.Status{InstanceID: req.InstanceID, QuarantineGroup: "sg-quarantine", Isolated: true, Stopped: req.Stop}, nil
}

type fakeChain struct {
	reqs []workflow.ChainRequest
}

func (f *fakeChain) Run(ctx context.Context, req workflow.ChainRequest) (*core.ChainRun, error) {
	f.reqs = append(f.reqs, req)
	return &core.ChainRun{UUID: "chain-1", Phase: core.PhaseDone}, nil
}

type fakeS3 struct {
	puts map[string][]byte
	ct   map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
		f.ct = map[string]string{}
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.puts[key] = body
	f.ct[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

type recorder struct{ got []notify.Summary }

func (r *recorder) Notify(ctx context.Context, s notify.Summary) error {
	r.got = append(r.got, s)
	return nil
}

type dispatchFixture struct {
	snaps *fakeSnapshots
	iso   *fakeIsolator
	chain *fakeChain
	s3    *fakeS3
	notes *recorder
	eng   *core.Engine
	d     *Dispatcher
}

func newDispatch(t *testing.T, policy Policy) *dispatchFixture {
	t.Helper()
	eng, err := core.Open(t.TempDir(), "error")
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	f := &dispatchFixture{
		snaps: &fakeSnapshots{},
		iso:   &fakeIsolator{},
		chain: &fakeChain{},
		s3:    &fakeS3{},
		notes: &recorder{},
		eng:   eng,
	}
	archive := NewArchiver(f.s3, "findings", "guardduty/finding-logs/")
	archive.now = func() time.Time { return time.Date(2025, 5, 1, 3, 4, 6, 0, time.UTC) }
	f.d = NewDispatcher(policy, f.snaps, f.iso, f.notes, zerolog.Nop(),
		WithArchive(archive), WithChain(f.chain), WithAudit(eng.AuditLogger))
	return f
}

func parseOne(t *testing.T, raw string) Detection {
	t.Helper()
	dets, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	return dets[0]
}

func TestHandleSevereFinding(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 7, StopOnFinding: true, RunForensics: true, AnalysisInstanceID: "i-analysis"})

	out, err := f.d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.NoError(t, err)

	assert.True(t, out.Responded)
	assert.Equal(t, []string{"i-0001"}, f.snaps.calls)
	require.Len(t, f.iso.reqs, 1)
	assert.True(t, f.iso.reqs[0].Stop)
	require.Len(t, f.chain.reqs, 1)
	assert.Equal(t, "i-analysis", f.chain.reqs[0].TargetInstanceID)
	assert.Equal(t, "chain-1", out.ChainRun)

	key := "guardduty/finding-logs/20250501T030406Z_finding-42.json"
	assert.Equal(t, key, out.Archived)
	assert.JSONEq(t, guardDutyEvent, string(f.s3.puts["findings/"+key]))
	assert.Equal(t, "application/json", f.s3.ct["findings/"+key])

	require.Len(t, f.notes.got, 1)
	s := f.notes.got[0]
	assert.Equal(t, notify.SeverityCritical, s.Severity)
	assert.Equal(t, "snap-1", s.Fields[notify.FieldSnapshotID])
	assert.Equal(t, "isolated in sg-quarantine, stopped", s.Fields[notify.FieldIsolation])
	assert.Equal(t, "198.51.100.7", s.Fields["remote_ip"])

	var n int
	require.NoError(t, f.eng.AuditDB.QueryRow(
		"SELECT COUNT(*) FROM audit_log WHERE event_type = ?", string(audit.EventDetection)).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestHandleLowSeverityFindingNotifiesOnly(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 9})

	out, err := f.d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.NoError(t, err)
	assert.False(t, out.Responded)
	assert.Empty(t, f.snaps.calls)
	assert.Empty(t, f.iso.reqs)
	assert.NotEmpty(t, out.Archived, "findings are archived regardless of severity")
	require.Len(t, f.notes.got, 1)
	assert.Equal(t, notify.SeverityWarning, f.notes.got[0].Severity)
}

func TestHandleConfigurationChangeNotifiesOnly(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 0})

	out, err := f.d.Handle(context.Background(), parseOne(t, securityGroupEvent))
	require.NoError(t, err)
	assert.False(t, out.Responded)
	assert.Empty(t, out.Archived)
	assert.Empty(t, f.s3.puts)
	assert.Empty(t, f.iso.reqs)

	require.Len(t, f.notes.got, 1)
	fields := f.notes.got[0].Fields
	assert.Equal(t, "AuthorizeSecurityGroupIngress", fields[notify.FieldEventName])
	assert.Equal(t, "arn:aws:iam::123456789012:user/mallory", fields[notify.FieldActor])
	assert.Equal(t, "sg-0abc", fields["resource"])
}

func TestHandleAlarmIsolatesWithoutStop(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 7, StopOnFinding: true})

	out, err := f.d.Handle(context.Background(), parseOne(t, alarmMessage))
	require.NoError(t, err)
	assert.True(t, out.Responded)
	assert.Equal(t, []string{"i-0002"}, f.snaps.calls)
	require.Len(t, f.iso.reqs, 1)
	assert.False(t, f.iso.reqs[0].Stop)
	assert.Contains(t, f.iso.reqs[0].Reason, "bash-history-tamper")
	assert.Empty(t, f.chain.reqs, "forensics not enabled")
}

func TestHandleContinuesAfterFailedAction(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 1})
	f.snaps.err = core.Rejected("SnapshotAttached", "i-0001", errors.New("throttled"))

	out, err := f.d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderRejected)
	require.Len(t, f.iso.reqs, 1, "isolation still attempted")
	require.Len(t, out.Errors, 1)
	assert.Contains(t, f.notes.got[0].Fields["errors"], "snapshot")
}

func TestHandleOutOfScopeDetectionTakesNoAction(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 1, RunForensics: true, AnalysisInstanceID: "i-analysis"})
	WithScope(scope.NewChecker(core.Scope{AccountIDs: []string{"123456789012"}, Regions: []string{"us-east-1"}}))(f.d)

	// the finding was raised in ap-northeast-2
	out, err := f.d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.NoError(t, err)
	assert.False(t, out.Responded)
	assert.Contains(t, out.Skipped, "ap-northeast-2")
	assert.Empty(t, f.snaps.calls)
	assert.Empty(t, f.iso.reqs)
	assert.Empty(t, f.chain.reqs)
	assert.Empty(t, f.s3.puts)

	require.Len(t, f.notes.got, 1)
	assert.Contains(t, f.notes.got[0].Fields["skipped"], "out of scope")

	// the alarm carries only an account, which is allowed
	out, err = f.d.Handle(context.Background(), parseOne(t, alarmMessage))
	require.NoError(t, err)
	assert.True(t, out.Responded)
	assert.Empty(t, out.Skipped)
}

func TestHandleChainUsesConfiguredDevice(t *testing.T) {
	f := newDispatch(t, Policy{MinSeverity: 1, RunForensics: true, AnalysisInstanceID: "i-analysis", Device: "/dev/xvdk"})

	_, err := f.d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.NoError(t, err)
	require.Len(t, f.chain.reqs, 1)
	assert.Equal(t, "/dev/xvdk", f.chain.reqs[0].Device)
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Notify(ctx context.Context, s notify.Summary) error {
	n.calls++
	return errors.New("webhook unreachable")
}

func TestHandleNotifyFailureDoesNotFailDetection(t *testing.T) {
	n := &failingNotifier{}
	iso := &fakeIsolator{}
	d := NewDispatcher(Policy{MinSeverity: 1}, &fakeSnapshots{}, iso, n, zerolog.Nop())

	out, err := d.Handle(context.Background(), parseOne(t, guardDutyEvent))
	require.NoError(t, err)
	assert.True(t, out.Responded)
	assert.Len(t, iso.reqs, 1)
	assert.Equal(t, 1, n.calls)
}

type fakeTrail struct {
	pages []*cloudtrail.LookupEventsOutput
	in    []*cloudtrail.LookupEventsInput
}

func (f *fakeTrail) LookupEvents(ctx context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	f.in = append(f.in, in)
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestRecentActivity(t *testing.T) {
	at := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)
	trail := &fakeTrail{pages: []*cloudtrail.LookupEventsOutput{
		{
			Events: []cttypes.Event{{
				EventId: aws.String("e1"), EventName: aws.String("StopInstances"), EventTime: aws.Time(at),
				EventSource: aws.String("ec2.amazonaws.com"), Username: aws.String("alice"),
				CloudTrailEvent: aws.String(`{"sourceIPAddress":"192.0.2.1"}`),
			}},
			NextToken: aws.String("next"),
		},
		{Events: []cttypes.Event{{EventId: aws.String("e2"), CloudTrailEvent: aws.String(`{`)}}},
	}}

	acts, err := RecentActivity(context.Background(), trail, "i-0001", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "192.0.2.1", acts[0].SourceIP)
	assert.Equal(t, at, acts[0].EventTime)
	assert.Empty(t, acts[1].SourceIP)

	require.NotEmpty(t, trail.in)
	attr := trail.in[0].LookupAttributes[0]
	assert.Equal(t, cttypes.LookupAttributeKeyResourceName, attr.AttributeKey)
	assert.Equal(t, "i-0001", aws.ToString(attr.AttributeValue))

	_, err = RecentActivity(context.Background(), trail, "", time.Time{}, 0)
	assert.Error(t, err)
}

type fakeLogs struct {
	pages []*cloudwatchlogs.FilterLogEventsOutput
	in    []*cloudwatchlogs.FilterLogEventsInput
}

func (f *fakeLogs) FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.in = append(f.in, in)
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestMatchingLogLines(t *testing.T) {
	at := time.Date(2025, 5, 1, 3, 4, 5, 0, time.UTC)
	logs := &fakeLogs{pages: []*cloudwatchlogs.FilterLogEventsOutput{
		{
			Events: []cwltypes.FilteredLogEvent{
				{Timestamp: aws.Int64(at.UnixMilli()), LogStreamName: aws.String("i-0001"), Message: aws.String("history -c")},
				{Timestamp: aws.Int64(at.UnixMilli()), LogStreamName: aws.String("i-0001"), Message: aws.String("unset HISTFILE")},
			},
			NextToken: aws.String("next"),
		},
		{Events: []cwltypes.FilteredLogEvent{{Message: aws.String("rm ~/.bash_history")}}},
	}}

	lines, err := MatchingLogLines(context.Background(), logs, "/ec2/bash", "history", at.Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, at, lines[0].Time)
	assert.Equal(t, "i-0001", lines[0].Stream)
	assert.Equal(t, "unset HISTFILE", lines[1].Text)

	require.Len(t, logs.in, 1, "limit reached on the first page")
	assert.Equal(t, "history", aws.ToString(logs.in[0].FilterPattern))
	assert.Equal(t, at.Add(-time.Hour).UnixMilli(), aws.ToInt64(logs.in[0].StartTime))

	_, err = MatchingLogLines(context.Background(), logs, "", "", time.Time{}, 0)
	assert.Error(t, err)
}
