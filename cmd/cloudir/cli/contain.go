package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/workflow"
)

// RegisterContainCommands adds the quarantine commands.
func RegisterContainCommands(root *cobra.Command) {
	cCmd := &cobra.Command{
		Use:   "contain",
		Short: "Isolate and release instances",
		Long: `Isolation replaces the security groups of every network interface on an
instance with the configured quarantine group. The groups it had before are
kept in the local ledger so 'contain release' can put them back.`,
	}

	cCmd.AddCommand(newIsolateCmd())
	cCmd.AddCommand(newReleaseCmd())
	cCmd.AddCommand(newQuarantineListCmd())

	root.AddCommand(cCmd)
}

func newIsolateCmd() *cobra.Command {
	var (
		instance string
		stop     bool
		reason   string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "isolate <instance-id>",
		Short: "Move an instance into the quarantine security group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				instance = args[0]
			}
			if !cmd.Flags().Changed("stop") {
				if cfg, err := loadConfig(); err == nil {
					stop = cfg.Containment.StopInstance
				}
			}
			return executeStep(cmd.Context(), workflow.StepIsolate, map[string]any{
				workflow.KeyInstanceID: instance,
				workflow.KeyStop:       stop,
				workflow.KeyReason:     reason,
			}, dryRun)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "Instance id")
	cmd.Flags().BoolVar(&stop, "stop", false, "Also stop the instance (default from config)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the instance is isolated")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "release <instance-id>",
		Short: "Restore the security groups an instance had before isolation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStep(cmd.Context(), workflow.StepRelease, map[string]any{
				workflow.KeyInstanceID: args[0],
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newQuarantineListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined interfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			recs, err := containment.NewLedger(engine.MetadataDB, engine.Ledger.UUID).List(all)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No quarantined instances.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tINTERFACE\tPRIOR GROUPS\tISOLATED\tRELEASED")
			for _, r := range recs {
				released := "-"
				if r.ReleasedAt != nil {
					released = r.ReleasedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.InstanceID, r.NetworkInterfaceID,
					strings.Join(r.PriorGroups, ","), r.IsolatedAt.Format("2006-01-02 15:04"), released)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include released records")
	return cmd
}
