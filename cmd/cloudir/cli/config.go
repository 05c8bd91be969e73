package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudir/cloudir/internal/config"
)

// RegisterConfigCommands adds commands that write and show the config file.
func RegisterConfigCommands(root *cobra.Command) {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}
	cfgCmd.AddCommand(newConfigInitCmd())
	cfgCmd.AddCommand(newConfigShowCmd())
	root.AddCommand(cfgCmd)
}

func newConfigInitCmd() *cobra.Command {
	var (
		force    bool
		analysis string
		bucket   string
		group    string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.Default()
			cfg.Forensics.AnalysisInstanceID = analysis
			cfg.Forensics.ArtifactBucket = bucket
			cfg.Containment.QuarantineGroupID = group
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().StringVar(&analysis, "analysis-instance", "", "Analysis host instance id")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Artifact bucket")
	cmd.Flags().StringVar(&group, "quarantine-group", "", "Quarantine security group id")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file, .env, environment and flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
