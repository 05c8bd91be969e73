package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
)

// Activity is one CloudTrail management event touching a resource.
type Activity struct {
	EventID     string    `json:"event_id"`
	EventName   string    `json:"event_name"`
	EventTime   time.Time `json:"event_time"`
	EventSource string    `json:"event_source"`
	Username    string    `json:"username,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
}

// RecentActivity returns up to limit recent management events naming
// resourceName, newest first.
func RecentActivity(ctx context.Context, client cloudtrail.LookupEventsAPIClient, resourceName string, since time.Time, limit int) ([]Activity, error) {
	if resourceName == "" {
		return nil, fmt.Errorf("LookupEvents: resource name required")
	}
	in := &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyResourceName,
			AttributeValue: aws.String(resourceName),
		}},
	}
	if !since.IsZero() {
		in.StartTime = aws.Time(since)
	}

	var out []Activity
	p := cloudtrail.NewLookupEventsPaginator(client, in)
	for p.HasMorePages() && (limit <= 0 || len(out) < limit) {
		page, err := p.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("LookupEvents(%s): %w", resourceName, err)
		}
		for _, e := range page.Events {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, Activity{
				EventID:     aws.ToString(e.EventId),
				EventName:   aws.ToString(e.EventName),
				EventTime:   aws.ToTime(e.EventTime),
				EventSource: aws.ToString(e.EventSource),
				Username:    aws.ToString(e.Username),
				SourceIP:    sourceIP(e.CloudTrailEvent),
			})
		}
	}
	return out, nil
}

func sourceIP(raw *string) string {
	if raw == nil {
		return ""
	}
	var m struct {
		SourceIPAddress string `json:"sourceIPAddress"`
	}
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return ""
	}
	return m.SourceIPAddress
}
