package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/audit"
)

// RegisterLedgerCommands adds commands for the local ledger and the caller
// identity it records actions under.
func RegisterLedgerCommands(root *cobra.Command) {
	lCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the local run ledger",
	}
	lCmd.AddCommand(newLedgerInfoCmd())
	lCmd.AddCommand(newLedgerVerifyCmd())

	root.AddCommand(lCmd)
	root.AddCommand(newWhoamiCmd())
}

func newLedgerInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show ledger location and scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			fmt.Printf("Ledger:    %s\n", engine.Ledger.UUID)
			fmt.Printf("  Created: %s\n", engine.Ledger.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
			fmt.Printf("  Path:    %s\n", engine.Ledger.Path)
			fmt.Printf("  Operator: %s\n", cfg.Operator)
			fmt.Printf("  Scope:\n")
			fmt.Printf("    Accounts:  %s\n", listOrUnrestricted(cfg.Scope.AccountIDs))
			fmt.Printf("    Regions:   %s\n", listOrUnrestricted(cfg.Scope.Regions))
			fmt.Printf("    Protected: %s\n", listOrUnrestricted(cfg.ProtectedInstances()))
			return nil
		},
	}
}

func newLedgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ok, count, err := audit.Verify(engine.AuditDB, engine.Ledger.UUID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain broken after %d record(s)", count)
			}
			fmt.Printf("Audit chain intact: %d record(s)\n", count)
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the STS caller identity and whether its account and partition are in scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			id, err := rt.aws.GetCallerIdentity(rt.ctx(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Printf("Account:  %s\n", id.Account)
			fmt.Printf("ARN:      %s\n", id.ARN)
			fmt.Printf("UserID:   %s\n", id.UserID)
			fmt.Printf("Region:   %s\n", rt.aws.Region())
			if err := rt.checker.CheckCaller(id.ARN); err != nil {
				fmt.Printf("Scope:    OUT OF SCOPE (%s)\n", err)
				return nil
			}
			fmt.Println("Scope:    ok")
			return nil
		},
	}
}

func listOrUnrestricted(vals []string) string {
	if len(vals) == 0 {
		return "(unrestricted)"
	}
	return strings.Join(vals, ", ")
}
