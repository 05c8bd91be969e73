package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/core"
	"github.com/cloudir/cloudir/internal/forensics"
	"github.com/cloudir/cloudir/internal/logging"
	"github.com/cloudir/cloudir/internal/workflow"
)

// RegisterForensicsCommands adds the forensic chain commands.
func RegisterForensicsCommands(root *cobra.Command) {
	fCmd := &cobra.Command{
		Use:     "forensics",
		Aliases: []string{"fx"},
		Short:   "Snapshot, materialize, attach, extract and upload evidence",
		Long: `Each subcommand runs one handler of the forensic chain and records the
run in the local ledger. 'forensics run' executes the whole chain and threads
identifiers from one step to the next.

Nothing is rolled back on failure: snapshots and volumes created before the
failing step are left in place and listed in the run's outputs.`,
	}

	fCmd.AddCommand(newSnapshotCmd())
	fCmd.AddCommand(newMaterializeCmd())
	fCmd.AddCommand(newAttachCmd())
	fCmd.AddCommand(newExtractCmd())
	fCmd.AddCommand(newUploadCmd())
	fCmd.AddCommand(newChainRunCmd())
	fCmd.AddCommand(newScriptCmd())
	fCmd.AddCommand(newRehearseCmd())

	root.AddCommand(fCmd)
}

func newSnapshotCmd() *cobra.Command {
	var (
		instance string
		attached bool
		reason   string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot the root volume of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !attached {
				return executeStep(cmd.Context(), workflow.StepSnapshot, map[string]any{
					workflow.KeyInstanceID: instance,
				}, dryRun)
			}

			rt, err := loadMutatingRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			snaps, err := rt.handlers.Snapshotter.SnapshotAttached(rt.ctx(cmd.Context()), instance, reason)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SNAPSHOT\tVOLUME\tSTATE")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.VolumeID, s.State)
			}
			w.Flush()
			return err
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "Suspect instance id")
	cmd.Flags().BoolVar(&attached, "attached", false, "Snapshot every attached volume instead of the root volume")
	cmd.Flags().StringVar(&reason, "reason", "", "Recorded in the snapshot description (with --attached)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newMaterializeCmd() *cobra.Command {
	var snapshot, target string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Create an available volume from a snapshot next to the analysis host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStep(cmd.Context(), workflow.StepMaterialize, map[string]any{
				workflow.KeySnapshotID:       snapshot,
				workflow.KeyTargetInstanceID: target,
			}, dryRun)
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Snapshot id")
	cmd.Flags().StringVar(&target, "target", "", "Analysis instance (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newAttachCmd() *cobra.Command {
	var volume, target, device string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a volume to the analysis host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStep(cmd.Context(), workflow.StepAttach, map[string]any{
				workflow.KeyVolumeID:         volume,
				workflow.KeyTargetInstanceID: target,
				workflow.KeyDevice:           device,
			}, dryRun)
		},
	}
	cmd.Flags().StringVar(&volume, "volume", "", "Volume id")
	cmd.Flags().StringVar(&target, "target", "", "Analysis instance (default from config)")
	cmd.Flags().StringVar(&device, "device", "", "Device path (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var target, device string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Dispatch the artifact extraction batch to the analysis host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStep(cmd.Context(), workflow.StepExtract, map[string]any{
				workflow.KeyTargetInstanceID: target,
				workflow.KeyDevice:           device,
			}, dryRun)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Analysis instance (default from config)")
	cmd.Flags().StringVar(&device, "device", "", "Device the evidence volume is attached at (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var target, bucket, prefix, source string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Dispatch the copy of staged artifacts to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeStep(cmd.Context(), workflow.StepUpload, map[string]any{
				workflow.KeyTargetInstanceID: target,
				workflow.KeyBucket:           bucket,
				workflow.KeyKeyPrefix:        prefix,
				workflow.KeyInstanceID:       source,
			}, dryRun)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Analysis instance (default from config)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket (default from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Destination key prefix (default: source instance id)")
	cmd.Flags().StringVar(&source, "source", "", "Source instance the artifacts came from")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Describe the calls without making them")
	return cmd
}

func newChainRunCmd() *cobra.Command {
	var (
		req    workflow.ChainRequest
		extra  map[string]string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full forensic chain against an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			load := loadMutatingRuntime
			if req.DryRun {
				load = loadRuntime
			}
			rt, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if req.TargetInstanceID == "" {
				req.TargetInstanceID = rt.cfg.Forensics.AnalysisInstanceID
			}
			if req.Device == "" {
				req.Device = rt.cfg.Forensics.Device
			}
			if req.Bucket == "" {
				req.Bucket = rt.cfg.Forensics.ArtifactBucket
			}
			if !req.DryRun {
				// flags stand in for the config values they override
				eff := rt.cfg
				eff.Forensics.AnalysisInstanceID = req.TargetInstanceID
				eff.Forensics.ArtifactBucket = req.Bucket
				if err := eff.ValidateForensics(); err != nil {
					return err
				}
			}
			if len(extra) > 0 {
				req.Inputs = map[string]any{}
				for k, v := range extra {
					req.Inputs[k] = v
				}
			}
			req.Trigger = "cli"
			req.Operator = rt.cfg.Operator

			run, err := rt.chain().Run(rt.ctx(cmd.Context()), req)
			if run == nil {
				return err
			}
			if asJSON {
				printJSON(run)
				return err
			}
			fmt.Printf("Chain run: %s\n", run.UUID)
			fmt.Printf("Phase:     %s\n", run.Phase)
			fmt.Printf("Status:    %s\n", run.Status)
			if run.ErrorKind != "" {
				fmt.Printf("Error:     %s\n", run.ErrorKind)
			}
			if len(run.Outputs) > 0 {
				fmt.Println("Outputs:")
				printJSON(run.Outputs)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.SourceInstanceID, "instance", "", "Suspect instance id")
	cmd.Flags().StringVar(&req.TargetInstanceID, "target", "", "Analysis instance (default from config)")
	cmd.Flags().StringVar(&req.Device, "device", "", "Attachment device path (default from config)")
	cmd.Flags().StringVar(&req.Bucket, "bucket", "", "Destination bucket (default from config)")
	cmd.Flags().StringVar(&req.KeyPrefix, "prefix", "", "Destination key prefix (default: instance id)")
	cmd.Flags().StringVar(&req.From, "from", "", "Resume at this step id; its inputs come from --input")
	cmd.Flags().StringToStringVar(&extra, "input", nil, "Extra step inputs (key=value)")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "Describe every step without making calls")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newScriptCmd() *cobra.Command {
	var device, bucket, prefix string
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Print the extraction and upload scripts without sending them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if device == "" {
				device = cfg.Forensics.Device
			}
			if bucket == "" {
				bucket = cfg.Forensics.ArtifactBucket
			}

			extractor := newExtractor(cfg, nil, zerolog.Nop())
			extract := extractor.Commands(device)
			if err := forensics.ValidateScript(extract); err != nil {
				return fmt.Errorf("extraction script: %w", err)
			}
			if err := forensics.ValidateMountBracket(extract); err != nil {
				return fmt.Errorf("extraction script: %w", err)
			}
			fmt.Println("# extraction (" + forensics.RunShellScriptDocument + ")")
			fmt.Print(forensics.JoinScript(extract))

			if bucket == "" {
				return nil
			}
			upload := forensics.NewUploader(nil, extractor, zerolog.Nop()).Commands(bucket, forensics.ResolvePrefix(prefix, ""))
			if err := forensics.ValidateScript(upload); err != nil {
				return fmt.Errorf("upload script: %w", err)
			}
			fmt.Println()
			fmt.Println("# upload (" + forensics.RunShellScriptDocument + ")")
			fmt.Print(forensics.JoinScript(upload))
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Device the evidence volume is attached at")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Render the upload script for this bucket")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Upload key prefix")
	return cmd
}

func newRehearseCmd() *cobra.Command {
	var imageDir, outDir string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rehearse",
		Short: "Run the extraction batch locally against an unpacked filesystem image",
		Long: `Executes the same batch the analysis host would run, in-process, with the
mount and umount commands skipped. Useful for checking which artifacts an
image yields before touching a live incident.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageDir == "" {
				return core.MissingInput("rehearse", "image")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir, err = os.MkdirTemp("", "cloudir-rehearsal-")
				if err != nil {
					return err
				}
			}

			logger := logging.NewConsoleLogger(os.Stderr, cfg.LogLevel)
			extractor := newExtractor(cfg, nil, logger)
			res, err := extractor.Rehearse(cmd.Context(), imageDir, outDir, os.Stderr, os.Stderr)
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(res)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ARTIFACT\tSIZE\tSTATUS")
			for _, a := range res.Artifacts {
				status := "collected"
				if a.Placeholder {
					status = "placeholder"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", a.Name, a.Size, status)
			}
			w.Flush()
			fmt.Printf("\nStaged under %s (exit %d, %d missing)\n", outDir, res.ExitCode, len(res.Missing()))
			return nil
		},
	}
	cmd.Flags().StringVar(&imageDir, "image", "", "Directory holding the mounted or unpacked image")
	cmd.Flags().StringVar(&outDir, "out", "", "Staging directory (default: a new temp dir)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
