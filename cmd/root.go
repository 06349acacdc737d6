package cmd

import (
	"fmt"
	"os"

	applog "github.com/hrz6976/fetchmate/logger"
	"github.com/spf13/cobra"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "fetchmate",
	Short: "Provider -> local storage",
	Long: `FetchMate submits fetch jobs to a remote provider, selects their files,
transfers them to local storage under bounded concurrency, unpacks archives
and cleans up once a job is done.`,
	Version:       "<unknown>",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetCount("verbose")
		jsonLog, _ := cmd.Flags().GetBool("json-log")
		applog.Setup(cmd.ErrOrStderr(), applog.LevelForVerbosity(verbose), jsonLog)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().CountP("verbose", "v", "Verbose output (use -v, -vv, or --verbose=N)")
	RootCmd.PersistentFlags().StringP("config", "c", "config.json", "Path to the configuration file")
	RootCmd.PersistentFlags().String("env", ".env", "Environment file loaded before the configuration")
	RootCmd.PersistentFlags().Bool("json-log", false, "Log in JSON")
}
