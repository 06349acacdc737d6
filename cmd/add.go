package cmd

import (
	"fmt"
	"regexp"

	"github.com/hrz6976/fetchmate/db"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAddCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "add <uri|magnet>...",
		Short: "Submit fetch jobs",
		Long:  "Submit one job per source to the provider. Flags override the configured job defaults.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, source := range args {
				job := newJob(a.cfg, source)
				if err := applyJobFlags(cmd, job); err != nil {
					return err
				}
				if err := a.registry.Submit(cmd.Context(), job); err != nil {
					return fmt.Errorf("failed to submit %s: %w", source, err)
				}
				logger.WithFields(logger.Fields{"job": job.ID, "ref": job.ProviderRef}).Info("Job submitted")
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			}
			return nil
		},
	}
	c.Flags().String("category", "", "Category subdirectory under the base path")
	c.Flags().String("kind", "", "Transfer kind: http, aria2, rclone or symlink")
	c.Flags().String("select", "", "Selection mode: all, available, manual or filter")
	c.Flags().String("include", "", "Select files whose path matches this regex")
	c.Flags().String("exclude", "", "Skip files whose path matches this regex")
	c.Flags().Int64("min-size", 0, "Skip files smaller than this many MiB")
	c.Flags().Bool("no-transfer", false, "Only select files on the provider, transfer nothing")
	c.Flags().String("finalize", "", "Cleanup once done: none, remove-all, remove-provider or remove-local")
	c.Flags().Int("lifetime", 0, "Give up on the job if it has no files after this many minutes")
	return c
}

// applyJobFlags copies the flags that were set onto job and checks them.
func applyJobFlags(cmd *cobra.Command, job *db.Job) error {
	f := cmd.Flags()
	if f.Changed("category") {
		job.Category, _ = f.GetString("category")
	}
	if f.Changed("kind") {
		kind, _ := f.GetString("kind")
		job.Kind = db.TransferKind(kind)
	}
	if f.Changed("select") {
		mode, _ := f.GetString("select")
		job.SelectionMode = db.SelectionMode(mode)
	}
	if f.Changed("include") {
		job.SelectionMode = db.SelectFilter
		job.IncludeRegex, _ = f.GetString("include")
	}
	if f.Changed("exclude") {
		job.SelectionMode = db.SelectFilter
		job.ExcludeRegex, _ = f.GetString("exclude")
	}
	if f.Changed("min-size") {
		job.MinFileSizeMB, _ = f.GetInt64("min-size")
	}
	if f.Changed("no-transfer") {
		if none, _ := f.GetBool("no-transfer"); none {
			job.TransferPolicy = db.TransferNone
		}
	}
	if f.Changed("finalize") {
		action, _ := f.GetString("finalize")
		job.FinalizeAction = db.FinalizeAction(action)
	}
	if f.Changed("lifetime") {
		job.LifetimeMinutes, _ = f.GetInt("lifetime")
	}

	switch job.Kind {
	case db.KindHTTP, db.KindAria2, db.KindRclone, db.KindSymlink:
	default:
		return fmt.Errorf("unknown transfer kind %q", job.Kind)
	}
	switch job.SelectionMode {
	case db.SelectAll, db.SelectAvailable, db.SelectManual, db.SelectFilter:
	default:
		return fmt.Errorf("unknown selection mode %q", job.SelectionMode)
	}
	switch job.FinalizeAction {
	case db.FinalizeNone, db.FinalizeRemoveAll, db.FinalizeRemoveProvider, db.FinalizeRemoveLocal:
	default:
		return fmt.Errorf("unknown finalize action %q", job.FinalizeAction)
	}
	for _, pattern := range []string{job.IncludeRegex, job.ExcludeRegex} {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	if job.LifetimeMinutes < 0 || job.MinFileSizeMB < 0 {
		return fmt.Errorf("lifetime and minimum size must not be negative")
	}
	return nil
}

func init() {
	RootCmd.AddCommand(newAddCommand())
}
