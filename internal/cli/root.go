// Package cli provides the command-line interface for clawbox.
package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/logging"
)

var verbose bool

// loadConfig is replaced in tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:   "clawbox",
	Short: "Clawbox - disposable macOS VMs for OpenClaw",
	Long: `Clawbox creates, provisions and tears down macOS VMs for running OpenClaw.

Developer VMs mount an OpenClaw checkout and its state payload from the host.
A payload directory is attached to at most one running VM at a time, and
clawbox keeps the guest copy in sync with the host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		return logging.SetLevel(level)
	},
}

// Execute runs the root command. Use ExitCode to map the error to a
// process exit status. An interrupt cancels the running operation, which
// leaves an interrupted up resumable.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErrorf("%v\nSee 'clawbox %s --help'.", err, cmd.Name())
	})

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(watchCmd)
}
