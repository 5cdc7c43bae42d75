package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/busybox42/smtp2graph/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return checkConfig(cmd.OutOrStdout(), cfg)
		},
	})

	return cmd
}

// checkConfig prints every validation problem, or a summary when there are none
func checkConfig(out io.Writer, cfg config.Config) error {
	result := config.Validate(cfg)
	fileErr := config.CheckFiles(cfg)

	if !result.Valid || fileErr != nil {
		fmt.Fprintln(out, "Configuration has errors:")
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
		if fileErr != nil {
			fmt.Fprintf(out, "  %d. %s\n", len(result.Errors)+1, fileErr.Error())
			return fmt.Errorf("configuration check failed")
		}
		return fmt.Errorf("configuration check failed with %d errors", len(result.Errors))
	}

	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "  Mode: %s\n", cfg.Mode)
	if cfg.Mode.Receives() {
		tls := "disabled"
		switch {
		case cfg.Receive.Secure:
			tls = "implicit"
		case cfg.TLSConfigured():
			tls = "STARTTLS"
		}
		fmt.Fprintf(out, "  Listen: %s (TLS %s)\n", cfg.ListenAddr(), tls)
		fmt.Fprintf(out, "  Max message size: %d bytes\n", cfg.MaxSize())
		fmt.Fprintf(out, "  SMTP users: %d\n", len(cfg.Receive.Users))
	}
	if cfg.Mode.Sends() {
		credential := "secret"
		if cfg.Send.AppReg.Secret == "" {
			credential = "certificate"
		}
		fmt.Fprintf(out, "  Authority: %s (%s)\n", cfg.Authority(), credential)
		fmt.Fprintf(out, "  Retries: %d every %s\n", cfg.Send.RetryLimit, cfg.RetryInterval())
	}
	fmt.Fprintf(out, "  Queue root: %s\n", cfg.Queue.Root)
	return nil
}
