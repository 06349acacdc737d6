package cmd

import (
	"fmt"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>...",
	Short: "Flag jobs for a pipeline retry",
	Long:  "Flag jobs so the daemon resubmits them to the provider on its next tick, within the job's retry limit.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		for _, id := range args {
			if err := a.registry.FlagRetry(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to flag %s: %w", id, err)
			}
			logger.WithField("job", id).Info("Job flagged for retry")
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <job-id>...",
	Short: "Delete jobs",
	Long:  "Delete job records. The daemon cancels their running workers on its next tick.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepProvider, _ := cmd.Flags().GetBool("keep-provider")
		files, _ := cmd.Flags().GetBool("files")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		for _, id := range args {
			if err := a.registry.Delete(cmd.Context(), id, true, !keepProvider, files); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
		}
		return nil
	},
}

func init() {
	rmCmd.Flags().Bool("keep-provider", false, "Keep the item on the provider")
	rmCmd.Flags().Bool("files", false, "Also remove the transferred files")
	RootCmd.AddCommand(retryCmd, rmCmd)
}
