package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prudhvinik1/venuelock/internal/services"
	"github.com/spf13/cobra"
)

const defaultTokenExpiry = 24 * time.Hour

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret string
	Email  string
	Name   string
	Expiry time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		Long: `Sign an admin bearer token with the server's JWT secret.

Examples:
  lockwatch token --email alice@example.com --name Alice
  JWT_SECRET=... lockwatch token --email alice@example.com --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", "", "JWT secret (defaults to $JWT_SECRET)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "admin email (required)")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&opts.Name, "name", "", "admin display name")
	cmd.Flags().DurationVar(&opts.Expiry, "expiry", defaultTokenExpiry, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	token, expiresAt, err := mintToken(opts.Secret, opts.Email, opts.Name, opts.Expiry)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return json.NewEncoder(out).Encode(map[string]any{
			"token":      token,
			"expires_at": expiresAt,
		})
	}
	fmt.Fprintln(out, token)
	return nil
}

func mintToken(secret, email, name string, expiry time.Duration) (string, time.Time, error) {
	secret = flagOrEnv(secret, "JWT_SECRET")
	if secret == "" {
		return "", time.Time{}, NewExitError(ExitCommandError, "a JWT secret is required to mint a token (--secret or $JWT_SECRET)")
	}
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	token, expiresAt, err := services.NewIdentityService(secret, expiry).IssueToken(email, name)
	if err != nil {
		return "", time.Time{}, WrapExitError(ExitCommandError, "failed to mint token", err)
	}
	return token, expiresAt, nil
}
