package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/events"
)

// RegisterEventCommands adds detection handling commands.
func RegisterEventCommands(root *cobra.Command) {
	eCmd := &cobra.Command{
		Use:   "events",
		Short: "Handle detection events and look up instance activity",
	}

	eCmd.AddCommand(newEventsHandleCmd())
	eCmd.AddCommand(newEventsLookupCmd())
	eCmd.AddCommand(newEventsLogsCmd())

	root.AddCommand(eCmd)
}

func newEventsHandleCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "handle [file]",
		Short: "Decode an SNS or EventBridge event and apply the response policy",
		Long: `Reads a GuardDuty finding, CloudTrail API-call event or CloudWatch alarm
from the file (or stdin when omitted or '-'). Severe findings and alarms on an
instance snapshot its volumes and isolate it; configuration changes are only
reported. Each event is handled on its own.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading event: %w", err)
			}
			dets, err := events.Parse(data)
			if err != nil {
				return err
			}

			rt, err := loadMutatingRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.cfg.ValidateContainment(); err != nil {
				return err
			}
			if rt.cfg.Events.RunForensics {
				if err := rt.cfg.ValidateForensics(); err != nil {
					return err
				}
			}

			policy := events.Policy{
				MinSeverity:        rt.cfg.Events.MinSeverity,
				StopOnFinding:      rt.cfg.Containment.StopInstance,
				RunForensics:       rt.cfg.Events.RunForensics,
				AnalysisInstanceID: rt.cfg.Forensics.AnalysisInstanceID,
				Device:             rt.cfg.Forensics.Device,
			}
			opts := []events.DispatcherOption{
				events.WithAudit(rt.engine.AuditLogger),
				events.WithChain(rt.chain()),
				events.WithScope(rt.checker),
			}
			if rt.cfg.Events.FindingsBucket != "" {
				opts = append(opts, events.WithArchive(
					events.NewArchiver(rt.aws.S3Client(), rt.cfg.Events.FindingsBucket, rt.cfg.Events.FindingsPrefix)))
			}
			d := events.NewDispatcher(policy, rt.handlers.Snapshotter, rt.handlers.Actuator, rt.notifier, rt.logger, opts...)

			var errs []error
			for _, det := range dets {
				out, err := d.Handle(rt.ctx(cmd.Context()), det)
				if err != nil {
					errs = append(errs, err)
				}
				if asJSON {
					printJSON(out)
					continue
				}
				fmt.Printf("%s %s", det.Kind, det.ID)
				if det.InstanceID != "" {
					fmt.Printf(" on %s", det.InstanceID)
				}
				if out.Skipped != "" {
					fmt.Printf(": skipped (%s)\n", out.Skipped)
					continue
				}
				if out.Responded {
					fmt.Printf(": %d snapshot(s)", len(out.Snapshots))
					if out.Isolation != nil && out.Isolation.Isolated {
						fmt.Print(", isolated")
					}
					if out.ChainRun != "" {
						fmt.Printf(", chain %s", out.ChainRun)
					}
				} else {
					fmt.Print(": notified")
				}
				fmt.Println()
				for _, e := range out.Errors {
					stderrf("  error: %s\n", e)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output outcomes as JSON")
	return cmd
}

func newEventsLookupCmd() *cobra.Command {
	var (
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "lookup <instance-id>",
		Short: "List recent CloudTrail management events naming an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var start time.Time
			if since > 0 {
				start = time.Now().Add(-since)
			}
			acts, err := events.RecentActivity(rt.ctx(cmd.Context()), rt.aws.CloudTrailClient(), args[0], start, limit)
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(acts)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSOURCE\tUSER\tSOURCE IP")
			for _, a := range acts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.EventTime.Format("2006-01-02 15:04:05"), a.EventName, a.EventSource, a.Username, a.SourceIP)
			}
			w.Flush()
			if len(acts) == 0 {
				fmt.Println("No events found.")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Look back this far (0 for the full 90-day window)")
	cmd.Flags().IntVar(&limit, "max", 50, "Maximum events to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newEventsLogsCmd() *cobra.Command {
	var (
		pattern string
		since   time.Duration
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "logs <log-group>",
		Short: "Show the log lines behind a metric-filter alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var start time.Time
			if since > 0 {
				start = time.Now().Add(-since)
			}
			lines, err := events.MatchingLogLines(rt.ctx(cmd.Context()), rt.aws.LogsClient(), args[0], pattern, start, limit)
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(lines)
				return nil
			}
			for _, l := range lines {
				fmt.Printf("%s  %s  %s\n", l.Time.Format("2006-01-02 15:04:05"), l.Stream, l.Text)
			}
			if len(lines) == 0 {
				fmt.Println("No matching log events.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "filter", "", "CloudWatch Logs filter pattern")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "Look back this far (0 for no start bound)")
	cmd.Flags().IntVar(&limit, "max", 100, "Maximum lines to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
