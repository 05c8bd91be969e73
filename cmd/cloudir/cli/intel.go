package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cloudir/cloudir/internal/intel"
)

// RegisterIntelCommands adds threat list maintenance.
func RegisterIntelCommands(root *cobra.Command) {
	iCmd := &cobra.Command{
		Use:   "intel",
		Short: "Maintain the threat IP list",
	}
	iCmd.AddCommand(newIntelRefreshCmd())
	root.AddCommand(iCmd)
}

func newIntelRefreshCmd() *cobra.Command {
	var source, bucket, key string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Download the FireHOL list, clean it and upload it to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadMutatingRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ic := rt.cfg.Intel
			r := &intel.Refresher{
				HTTP:      &http.Client{Timeout: ic.Timeout},
				S3:        rt.aws.S3Client(),
				SourceURL: firstNonEmpty(source, ic.SourceURL),
				Bucket:    firstNonEmpty(bucket, ic.Bucket),
				Key:       firstNonEmpty(key, ic.Key),
				Logger:    rt.logger,
			}
			res, err := r.Refresh(rt.ctx(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %d entries to s3://%s/%s (%d rejected)\n", res.Entries, res.Bucket, res.Key, res.Rejected)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Netset URL (default from config)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket (default from config)")
	cmd.Flags().StringVar(&key, "key", "", "Destination key (default from config)")
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
