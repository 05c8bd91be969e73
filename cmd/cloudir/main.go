// cloudir: EC2 incident response for AWS. Snapshots, forensic collection and
// network quarantine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/cmd/cloudir/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudir",
		Short: "cloudir: EC2 incident response for AWS",
		Long: `cloudir responds to compromised EC2 instances. It snapshots volumes,
attaches restored copies to an analysis host, collects triage artifacts over
SSM and moves instances into a quarantine security group. Every action is
recorded in a local hash-chained ledger.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterForensicsCommands(rootCmd)
	cli.RegisterContainCommands(rootCmd)
	cli.RegisterEventCommands(rootCmd)
	cli.RegisterEvidenceCommands(rootCmd)
	cli.RegisterIntelCommands(rootCmd)
	cli.RegisterRunsCommands(rootCmd)
	cli.RegisterLedgerCommands(rootCmd)
	cli.RegisterConfigCommands(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
