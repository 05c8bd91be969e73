package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

// LogLine is one CloudWatch Logs event matched by a filter.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"message"`
}

// MatchingLogLines returns up to limit events from group that match the
// CloudWatch Logs filter pattern, oldest first. An alarm built on a metric
// filter names the group and pattern that raised it; this pulls the lines
// behind the count.
func MatchingLogLines(ctx context.Context, client cloudwatchlogs.FilterLogEventsAPIClient, group, pattern string, since time.Time, limit int) ([]LogLine, error) {
	if group == "" {
		return nil, fmt.Errorf("FilterLogEvents: log group required")
	}
	in := &cloudwatchlogs.FilterLogEventsInput{LogGroupName: aws.String(group)}
	if pattern != "" {
		in.FilterPattern = aws.String(pattern)
	}
	if !since.IsZero() {
		in.StartTime = aws.Int64(since.UnixMilli())
	}

	var out []LogLine
	p := cloudwatchlogs.NewFilterLogEventsPaginator(client, in)
	for p.HasMorePages() && (limit <= 0 || len(out) < limit) {
		page, err := p.NextPage(ctx)
		if err != nil {
			return out, fmt.Errorf("FilterLogEvents(%s): %w", group, err)
		}
		for _, e := range page.Events {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, LogLine{
				Time:   time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
				Stream: aws.ToString(e.LogStreamName),
				Text:   aws.ToString(e.Message),
			})
		}
	}
	return out, nil
}
