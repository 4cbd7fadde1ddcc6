package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, .env and
TALLY_* environment variables are merged and validated. The remote secret
is redacted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(rootOpts, cmd)
		},
	}
	return cmd
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		if cfg.Remote.Secret != "" {
			cfg.Remote.Secret = "********"
		}
		return opts.formatter(cmd).Success(cfg)
	}

	out, err := cfg.YAML()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render config", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}
