package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	secure "github.com/fanzplatform/fanz-secure"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the security configuration",
		Long: `Loads the security configuration and reports every invalid setting.
Secret values are never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			return reportConfig(cmd.OutOrStdout(), cfg, err)
		},
	}
}

// reportConfig prints the outcome of loading the configuration.
func reportConfig(out io.Writer, cfg *secure.Config, err error) error {
	var cfgErr *secure.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(out, "Configuration is invalid (%d problems):\n", len(cfgErr.Problems))
		for _, p := range cfgErr.Problems {
			fmt.Fprintf(out, "  - %s\n", p)
		}
		return err
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configuration is valid.")
	for _, tier := range secure.Tiers {
		l := cfg.Limit(tier)
		fmt.Fprintf(out, "  rate limit %-8s %d per %s\n", tier, l.Max, l.Window)
	}
	fmt.Fprintf(out, "  store backend      %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "  webhook senders    %d\n", len(cfg.WebhookSenderSecrets))
	fmt.Fprintf(out, "  cors origins       %d\n", len(cfg.CORSAllowedOrigins))
	if cfg.DevelopmentMode {
		fmt.Fprintln(out, "  WARNING: development mode is enabled")
	}
	return nil
}
