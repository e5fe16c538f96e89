package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanzplatform/fanz-secure/auth"
	"github.com/fanzplatform/fanz-secure/security"
)

type tokenOptions struct {
	subject      string
	roles        []string
	capabilities []string
	ttl          time.Duration
	device       string
}

func newTokenCmd() *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for development",
		Long: `Mints an HS256 access token signed with JWT_SECRET, for exercising
protected routes of a development server.`,
		Example: `  fanz-secure token --subject fan-1 --role fan
  fanz-secure token --subject creator-7 --role creator --ttl 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, expires, err := mintToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "Subject (user id) of the token")
	cmd.Flags().StringSliceVar(&opts.roles, "role", nil, "Role to grant, repeatable")
	cmd.Flags().StringSliceVar(&opts.capabilities, "capability", nil, "Extra capability to grant, repeatable")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().StringVar(&opts.device, "device", "", "Device fingerprint to bind the token to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func mintToken(opts *tokenOptions) (string, time.Time, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", time.Time{}, err
	}
	keys, err := security.DeriveKeys(cfg)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to derive keys: %w", err)
	}
	a, err := auth.New(auth.Config{Security: cfg, Keys: keys})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create authenticator: %w", err)
	}
	return a.IssueToken(auth.TokenRequest{
		Subject:           opts.subject,
		Roles:             opts.roles,
		Capabilities:      opts.capabilities,
		TTL:               opts.ttl,
		DeviceFingerprint: opts.device,
	})
}
