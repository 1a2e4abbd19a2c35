// Package storage holds the persistence plumbing shared by the like, match and
// conversation stores: the Postgres schema, DynamoDB table layout and error classification.
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "tandem"

//go:embed schema.sql
var schemaSQL string

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain Postgres identifier.
func ValidIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// Ident returns a safely quoted schema-qualified table name.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// CheckSchema trims and validates a schema name.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("storage: empty schema")
	}
	if !ValidIdent(schema) {
		return "", errors.New("storage: invalid schema identifier")
	}
	return schema, nil
}

// SchemaSQL renders the embedded DDL for schema.
func SchemaSQL(schema string) string {
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())
}

// ApplySchema creates the schema and every table if they do not exist yet.
// It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := CheckSchema(schema)
	if err != nil {
		return err
	}
	if pool == nil {
		return errors.New("storage: nil pool")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("apply schema %s: %w", schema, err)
	}
	return nil
}
