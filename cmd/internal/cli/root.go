// Package cli is the tandem command line: the server plus store bootstrap and
// development helpers.
package cli

import (
	"tandem/cmd/internal/app"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags.
type RootOptions struct {
	EnvFile string
}

// NewRootCommand creates the tandem command tree. With no subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Likes, matches and realtime conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return app.LoadDotEnv(opts.EnvFile)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading TANDEM_* variables")

	serve := NewServeCommand()
	cmd.RunE = serve.RunE
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(NewMigrateCommand())
	cmd.AddCommand(NewDynamoInitCommand())
	cmd.AddCommand(NewDevTokenCommand())
	cmd.AddCommand(NewPasetoKeysCommand())
	return cmd
}
