// Package events decodes detection events delivered by SNS or EventBridge
// and dispatches the response each kind calls for.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a detection.
type Kind string

const (
	KindFinding Kind = "guardduty_finding"
	KindAPICall Kind = "cloudtrail_api_call"
	KindAlarm   Kind = "cloudwatch_alarm"
)

// ErrUnsupportedEvent is returned for well-formed JSON that is none of the
// recognized event shapes.
var ErrUnsupportedEvent = errors.New("unsupported event")

// Detection is the normalized view of one incoming event.
type Detection struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Region      string    `json:"region,omitempty"`
	Account     string    `json:"account,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	Severity    float64   `json:"severity,omitempty"`
	Type        string    `json:"type,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`

	// CloudTrail API calls.
	EventName string `json:"event_name,omitempty"`
	Actor     string `json:"actor,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	Resource  string `json:"resource,omitempty"`

	// Alarms.
	AlarmName string `json:"alarm_name,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Parse decodes data into detections. Accepted shapes are a Lambda SNS
// batch ({"Records":[{"Sns":{"Message":...}}]}), a single SNS notification,
// a bare EventBridge event, and a CloudWatch alarm notification.
func Parse(data []byte) ([]Detection, error) {
	var outer struct {
		Records []struct {
			Sns struct {
				Message string `json:"Message"`
			} `json:"Sns"`
		} `json:"Records"`
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch {
	case len(outer.Records) > 0:
		var out []Detection
		for i, rec := range outer.Records {
			d, err := parseMessage([]byte(rec.Sns.Message))
			if err != nil {
				return out, fmt.Errorf("record %d: %w", i, err)
			}
			out = append(out, d)
		}
		return out, nil
	case outer.Type == "Notification" && outer.Message != "":
		d, err := parseMessage([]byte(outer.Message))
		if err != nil {
			return nil, err
		}
		return []Detection{d}, nil
	}

	d, err := parseMessage(data)
	if err != nil {
		return nil, err
	}
	return []Detection{d}, nil
}

type envelope struct {
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	Time       string          `json:"time"`
	Region     string          `json:"region"`
	Detail     json.RawMessage `json:"detail"`

	// SNS alarm notifications.
	AlarmName        string `json:"AlarmName"`
	NewStateValue    string `json:"NewStateValue"`
	NewStateReason   string `json:"NewStateReason"`
	StateChangeTime  string `json:"StateChangeTime"`
	AWSAccountID     string `json:"AWSAccountId"`
	AlarmDescription string `json:"AlarmDescription"`
	Trigger          struct {
		Dimensions []dimension `json:"Dimensions"`
	} `json:"Trigger"`
}

type dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func parseMessage(msg []byte) (Detection, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Detection{}, fmt.Errorf("decoding message: %w", err)
	}

	d := Detection{
		ID:      env.ID,
		Region:  env.Region,
		Account: env.Account,
		Time:    parseTime(env.Time),
		Raw:     json.RawMessage(msg),
	}

	switch {
	case env.AlarmName != "":
		d.Kind = KindAlarm
		d.ID = env.AlarmName + "@" + env.StateChangeTime
		d.AlarmName = env.AlarmName
		d.State = env.NewStateValue
		d.Reason = env.NewStateReason
		d.Description = env.AlarmDescription
		d.Account = env.AWSAccountID
		d.Time = parseTime(env.StateChangeTime)
		d.InstanceID = instanceDimension(env.Trigger.Dimensions)
		return d, nil
	case env.Source == "aws.guardduty" || env.DetailType == "GuardDuty Finding":
		d.Kind = KindFinding
		return d, decodeFinding(env.Detail, &d)
	case env.DetailType == "AWS API Call via CloudTrail":
		d.Kind = KindAPICall
		return d, decodeAPICall(env.Detail, &d)
	case env.DetailType == "CloudWatch Alarm State Change":
		d.Kind = KindAlarm
		return d, decodeAlarmChange(env.Detail, &d)
	}
	return Detection{}, fmt.Errorf("%w: source=%q detail-type=%q", ErrUnsupportedEvent, env.Source, env.DetailType)
}

func decodeFinding(raw json.RawMessage, d *Detection) error {
	var detail struct {
		ID          string          `json:"id"`
		Type        string          `json:"type"`
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Severity    json.RawMessage `json:"severity"`
		Resource    struct {
			ResourceType    string `json:"resourceType"`
			InstanceDetails struct {
				InstanceID string `json:"instanceId"`
			} `json:"instanceDetails"`
		} `json:"resource"`
		Service struct {
			Action struct {
				NetworkConnectionAction struct {
					RemoteIPDetails ipDetails `json:"remoteIpDetails"`
				} `json:"networkConnectionAction"`
				PortScanAction struct {
					Sources []struct {
						RemoteIPDetails ipDetails `json:"remoteIpDetails"`
					} `json:"portProbeDetails"`
				} `json:"portProbeAction"`
				RemoteIPDetails ipDetails `json:"remoteIpDetails"`
			} `json:"action"`
		} `json:"service"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Errorf("decoding finding detail: %w", err)
	}
	if detail.ID != "" {
		d.ID = detail.ID
	}
	d.Type = detail.Type
	d.Title = detail.Title
	d.Description = detail.Description
	d.Severity = parseSeverity(detail.Severity)
	d.InstanceID = detail.Resource.InstanceDetails.InstanceID
	d.Resource = detail.Resource.ResourceType

	action := detail.Service.Action
	switch {
	case action.RemoteIPDetails.IPAddressV4 != "":
		d.RemoteIP = action.RemoteIPDetails.IPAddressV4
	case action.NetworkConnectionAction.RemoteIPDetails.IPAddressV4 != "":
		d.RemoteIP = action.NetworkConnectionAction.RemoteIPDetails.IPAddressV4
	case len(action.PortScanAction.Sources) > 0:
		d.RemoteIP = action.PortScanAction.Sources[0].RemoteIPDetails.IPAddressV4
	}
	return nil
}

type ipDetails struct {
	IPAddressV4 string `json:"ipAddressV4"`
}

func decodeAPICall(raw json.RawMessage, d *Detection) error {
	var detail struct {
		EventID         string `json:"eventID"`
		EventName       string `json:"eventName"`
		EventSource     string `json:"eventSource"`
		SourceIPAddress string `json:"sourceIPAddress"`
		UserIdentity    struct {
			ARN string `json:"arn"`
		} `json:"userIdentity"`
		RequestParameters struct {
			GroupID      string          `json:"groupId"`
			GroupIDs     json.RawMessage `json:"groupIds"`
			LogGroupName string          `json:"logGroupName"`
			InstanceID   string          `json:"instanceId"`
		} `json:"requestParameters"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Errorf("decoding api call detail: %w", err)
	}
	if detail.EventID != "" && d.ID == "" {
		d.ID = detail.EventID
	}
	d.EventName = detail.EventName
	d.Type = detail.EventSource
	d.Actor = detail.UserIdentity.ARN
	d.SourceIP = detail.SourceIPAddress
	d.InstanceID = detail.RequestParameters.InstanceID

	params := detail.RequestParameters
	switch {
	case params.GroupID != "":
		d.Resource = params.GroupID
	case len(params.GroupIDs) > 0:
		var ids []string
		if json.Unmarshal(params.GroupIDs, &ids) == nil {
			d.Resource = strings.Join(ids, ", ")
		}
	case params.LogGroupName != "":
		d.Resource = params.LogGroupName
	}
	return nil
}

func decodeAlarmChange(raw json.RawMessage, d *Detection) error {
	var detail struct {
		AlarmName string `json:"alarmName"`
		State     struct {
			Value  string `json:"value"`
			Reason string `json:"reason"`
		} `json:"state"`
		Configuration struct {
			Description string `json:"description"`
			Metrics     []struct {
				MetricStat struct {
					Metric struct {
						Dimensions map[string]string `json:"dimensions"`
					} `json:"metric"`
				} `json:"metricStat"`
			} `json:"metrics"`
		} `json:"configuration"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Errorf("decoding alarm detail: %w", err)
	}
	d.AlarmName = detail.AlarmName
	d.State = detail.State.Value
	d.Reason = detail.State.Reason
	d.Description = detail.Configuration.Description
	for _, m := range detail.Configuration.Metrics {
		if id := m.MetricStat.Metric.Dimensions["InstanceId"]; id != "" {
			d.InstanceID = id
			break
		}
	}
	return nil
}

func instanceDimension(dims []dimension) string {
	for _, dim := range dims {
		if dim.Name == "InstanceId" {
			return dim.Value
		}
	}
	return ""
}

// GuardDuty has shipped severity both as a number and as a string.
func parseSeverity(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		f, _ = strconv.ParseFloat(s, 64)
	}
	return f
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
