package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/evidence"
	"github.com/cloudir/cloudir/internal/forensics"
)

// RegisterEvidenceCommands adds the local evidence store commands.
func RegisterEvidenceCommands(root *cobra.Command) {
	evCmd := &cobra.Command{
		Use:     "evidence",
		Aliases: []string{"ev"},
		Short:   "Pull uploaded artifacts into the local evidence store",
	}

	evCmd.AddCommand(newEvidenceFetchCmd())
	evCmd.AddCommand(newEvidenceListCmd())
	evCmd.AddCommand(newEvidenceShowCmd())
	evCmd.AddCommand(newEvidenceVerifyCmd())

	root.AddCommand(evCmd)
}

func newEvidenceFetchCmd() *cobra.Command {
	var bucket, prefix, runUUID string
	cmd := &cobra.Command{
		Use:   "fetch <instance-id>",
		Short: "Download an instance's uploaded artifacts and hash them locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if bucket == "" {
				bucket = rt.cfg.Forensics.ArtifactBucket
			}
			if prefix == "" {
				prefix = rt.cfg.Forensics.ArtifactPrefix
			}
			store := evidence.NewStore(rt.engine.MetadataDB, rt.cfg.DataDir, rt.engine.Ledger.UUID)
			f := evidence.NewFetcher(rt.aws.S3Client(), store, forensics.DefaultArtifacts(), rt.engine.AuditLogger, rt.logger)

			recs, err := f.Fetch(rt.ctx(cmd.Context()), evidence.FetchRequest{
				InstanceID: args[0],
				Bucket:     bucket,
				KeyPrefix:  prefix,
				RunUUID:    runUUID,
				Operator:   rt.cfg.Operator,
			})
			printEvidence(recs)
			if errors.Is(err, core.ErrPartialArtifactMissing) {
				stderrf("warning: %s\n", err)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Artifact bucket (default from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix (default from config, then the instance id)")
	cmd.Flags().StringVar(&runUUID, "run", "", "Upload run to link the evidence to")
	return cmd
}

func newEvidenceListCmd() *cobra.Command {
	var instance, runUUID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			recs, err := evidence.NewStore(engine.MetadataDB, cfg.DataDir, engine.Ledger.UUID).List(instance, runUUID)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No evidence stored.")
				return nil
			}
			printEvidence(recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "Filter by source instance")
	cmd.Flags().StringVar(&runUUID, "run", "", "Filter by run")
	return cmd
}

func newEvidenceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uuid>",
		Short: "Print a stored artifact after checking its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			store := evidence.NewStore(engine.MetadataDB, cfg.DataDir, engine.Ledger.UUID)
			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}
			data, err := store.Read(rec)
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func newEvidenceVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every stored artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			valid, invalid, err := evidence.NewStore(engine.MetadataDB, cfg.DataDir, engine.Ledger.UUID).VerifyIntegrity()
			if err != nil {
				return err
			}
			fmt.Printf("%d artifact(s) intact\n", valid)
			if len(invalid) > 0 {
				for _, id := range invalid {
					fmt.Printf("  MODIFIED: %s\n", id)
				}
				return fmt.Errorf("%d artifact(s) failed verification", len(invalid))
			}
			return nil
		},
	}
}

func printEvidence(recs []core.EvidenceRecord) {
	if len(recs) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tINSTANCE\tNAME\tSIZE\tHASH\tCOLLECTED")
	for _, r := range recs {
		name := r.Name
		if r.IsPlaceholder {
			name += " (absent)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.UUID[:8], r.InstanceID, name, r.ByteSize,
			r.ContentHash[:12], r.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}
