package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/internal/app"
	"tandem/cmd/internal/domain"

	"github.com/spf13/cobra"
)

// NewDevTokenCommand mints an access token for local testing.
func NewDevTokenCommand() *cobra.Command {
	var (
		uid  string
		ttl  time.Duration
		mode string
	)

	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint a development access token for a user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			uid, err := domain.NormalizeUserID("cli.dev-token", uid)
			if err != nil {
				return err
			}
			cfg := app.LoadConfig()
			if mode == "" {
				mode = cfg.AuthMode
			}
			now := time.Now().UTC()

			var tok string
			switch mode {
			case app.AuthPaseto:
				secret := os.Getenv("TANDEM_PASETO_SECRET_KEY")
				if secret == "" {
					return errors.New("TANDEM_PASETO_SECRET_KEY is required (see paseto-keys)")
				}
				iss, err := identity.NewPasetoIssuer(secret, cfg.PasetoIssuer)
				if err != nil {
					return err
				}
				tok, _ = iss.Issue(uid, ttl, now)
			case app.AuthJWT:
				if tok, err = identity.SignJWT(cfg.JWTSecret, cfg.JWTIssuer, uid, ttl, now); err != nil {
					return err
				}
			default:
				return fmt.Errorf("auth mode %q does not use tokens", mode)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&mode, "mode", "", "paseto or jwt (defaults to TANDEM_AUTH_MODE)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

// NewPasetoKeysCommand prints a fresh v4.public key pair.
func NewPasetoKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paseto-keys",
		Short: "Generate a PASETO v4.public key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, public := identity.GeneratePasetoKeys()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "TANDEM_PASETO_SECRET_KEY=%s\nTANDEM_PASETO_PUBLIC_KEY=%s\n", secret, public)
			return err
		},
	}
}
