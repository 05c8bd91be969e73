package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/containment"
	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
	"github.com/cloudir/cloudir/internal/workflow"
)

// RegisterRunsCommands adds run history commands.
func RegisterRunsCommands(root *cobra.Command) {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect step and chain run history",
	}

	runsCmd.AddCommand(newRunsListCmd())
	runsCmd.AddCommand(newRunsShowCmd())
	runsCmd.AddCommand(newStepsListCmd())

	root.AddCommand(runsCmd)
}

// openRunner opens the ledger with a registry that has no handlers bound;
// it can read history but not execute.
func openRunner() (*workflow.Runner, *core.Engine, error) {
	_, engine, err := openEngine()
	if err != nil {
		return nil, nil, err
	}
	reg := workflow.NewRegistry(engine.Logger)
	return workflow.NewRunner(reg, engine.MetadataDB, engine.AuditLogger, engine.Ledger.UUID, engine.Logger), engine, nil
}

func newRunsListCmd() *cobra.Command {
	var step, status, instance string
	var chains bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, engine, err := openRunner()
			if err != nil {
				return err
			}
			defer engine.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer w.Flush()

			if chains {
				runs, err := runner.ListChains(instance)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "UUID\tSOURCE\tTARGET\tPHASE\tSTATUS\tSTARTED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.UUID[:8], r.SourceInstanceID, r.TargetInstanceID,
						r.Phase, r.Status, r.StartedAt.Format("2006-01-02 15:04"))
				}
				return nil
			}

			runs, err := runner.ListRuns(step, status)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "UUID\tSTEP\tSTATUS\tCHAIN\tSTARTED")
			for _, r := range runs {
				chain := "-"
				if r.ChainRunUUID != nil {
					chain = (*r.ChainRunUUID)[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.UUID[:8], r.StepID, r.Status, chain,
					r.StartedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "Filter by step id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&chains, "chains", false, "List forensic chain runs instead of steps")
	cmd.Flags().StringVar(&instance, "instance", "", "Filter chains by source instance")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a chain run with its steps, or a single step run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, engine, err := openRunner()
			if err != nil {
				return err
			}
			defer engine.Close()

			if chain, err := runner.GetChain(args[0]); err == nil {
				printJSON(chain)
				steps, err := runner.StepsForChain(chain.UUID)
				if err != nil {
					return err
				}
				fmt.Println("\nSteps:")
				for _, s := range steps {
					fmt.Printf("  %s  %-22s %s\n", s.UUID[:8], s.StepID, s.Status)
				}
				return nil
			}

			run, err := runner.GetRun(args[0])
			if err != nil {
				return err
			}
			printJSON(run)
			return nil
		},
	}
}

func newStepsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the registered steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Meta does not touch the handlers, so zero values are enough here.
			reg := workflow.NewRegistry(zerolog.Nop())
			workflow.RegisterBuiltins(reg, workflow.Handlers{
				Snapshotter:  new(forensics.Snapshotter),
				Materializer: new(forensics.Materializer),
				Attacher:     new(forensics.Attacher),
				Extractor:    new(forensics.Extractor),
				Uploader:     new(forensics.Uploader),
				Actuator:     new(containment.Actuator),
			})
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRISK\tDESCRIPTION")
			for _, m := range reg.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.RiskClass, m.Description)
			}
			w.Flush()
			return nil
		},
	}
}
