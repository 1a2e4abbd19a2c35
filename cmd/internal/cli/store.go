package cli

import (
	"fmt"

	"tandem/cmd/internal/app"
	"tandem/cmd/internal/storage"

	"github.com/spf13/cobra"
)

// NewMigrateCommand applies the Postgres schema. It is idempotent.
func NewMigrateCommand() *cobra.Command {
	var schema string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if schema != "" {
				cfg.DBSchema = schema
			}
			pool, err := app.NewDBPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := storage.ApplySchema(cmd.Context(), pool, cfg.DBSchema); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", cfg.DBSchema)
			return err
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "schema name (overrides TANDEM_DB_SCHEMA)")
	return cmd
}

// NewDynamoInitCommand creates the DynamoDB tables if they are missing.
func NewDynamoInitCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "dynamo-init",
		Short: "Create the DynamoDB tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if prefix != "" {
				cfg.DynamoTablePrefix = prefix
			}
			client, tables, err := app.NewDynamo(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := storage.CreateDynamoTables(cmd.Context(), client, tables); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "tables ready: %s %s %s %s\n",
				tables.Likes, tables.Matches, tables.Messages, tables.Nonces)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "table name prefix (overrides TANDEM_DYNAMODB_TABLE_PREFIX)")
	return cmd
}
