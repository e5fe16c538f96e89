package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	secure "github.com/fanzplatform/fanz-secure"
)

// Exit codes for CLI commands
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeConfig indicates the security configuration is invalid
	ExitCodeConfig = 2
)

// configPath is an optional YAML or JSON file. Environment variables take
// precedence over its values.
var configPath string

// rootCmd is the entry point when fanz-secure is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "fanz-secure",
	Short: "Security middleware pipeline for the Fanz platform",
	Long: `fanz-secure runs the Fanz security pipeline (rate limiting,
authentication, CSRF, webhook verification and input validation) in front of
a demonstration API, and provides helpers to check configuration and mint
development tokens.

Configuration is read from the environment, see JWT_SECRET, SESSION_SECRET,
ENCRYPTION_KEY, WEBHOOK_SECRET, RATE_LIMIT_WINDOW and RATE_LIMIT_MAX.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional configuration file (YAML or JSON)")
	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd(), newTokenCmd())
}

// Execute runs the root command and exits with a semantic exit code on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "fanz-secure version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if errors.Is(err, secure.ErrConfig) {
		return ExitCodeConfig
	}
	return ExitCodeError
}

func loadConfig() (*secure.Config, error) {
	if configPath != "" {
		return secure.LoadConfigFile(configPath)
	}
	return secure.LoadConfig()
}
