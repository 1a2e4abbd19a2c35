package cli

import (
	"tandem/cmd/internal/app"

	"github.com/spf13/cobra"
)

// NewServeCommand runs the HTTP and WebSocket server.
func NewServeCommand() *cobra.Command {
	var (
		addr  string
		store string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if store != "" {
				cfg.Store = store
			}
			return app.Serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TANDEM_HTTP_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "memory, postgres or dynamodb (overrides TANDEM_STORE)")
	return cmd
}
