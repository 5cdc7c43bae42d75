// Package commands implements the smtp2graph command line
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/version"
)

// rootOptions holds the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	baseDir    string
	envFile    string
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "smtp2graph",
		Short: "SMTP to Microsoft Graph relay",
		Long: `smtp2graph accepts mail over SMTP and submits it through the Microsoft Graph
sendMail API. Accepted messages are queued on disk until Graph has taken them.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.baseDir != "" {
				if err := os.Chdir(opts.baseDir); err != nil {
					return fmt.Errorf("failed to change to base directory: %w", err)
				}
			}
			return config.LoadEnvFile(opts.envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.baseDir, "base-dir", "", "directory to change into before reading configuration")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with secret overrides")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newQueueCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// Execute runs the command line and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the configuration selected by the flags
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Product, version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", version.Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", version.Date)
		},
	}
}
