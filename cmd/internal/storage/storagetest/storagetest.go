// Package storagetest provisions throwaway Postgres schemas and DynamoDB tables for
// integration tests.
//
// Postgres tests run when TANDEM_DATABASE_URL is set; DynamoDB tests run when
// TANDEM_DYNAMODB_ENDPOINT points at a DynamoDB-compatible endpoint (e.g. DynamoDB Local).
// Without them the tests are skipped so "go test ./..." stays fast and hermetic.
package storagetest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"tandem/cmd/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres opens a pool, creates a fresh schema with every table and returns both.
// The schema is dropped and the pool closed on cleanup.
func Postgres(t testing.TB) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TANDEM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TANDEM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TANDEM_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}

	schema := "tandem_it_" + suffix()
	if err := storage.ApplySchema(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})
	return pool, schema
}

// Dynamo returns a client for TANDEM_DYNAMODB_ENDPOINT and a freshly created set of tables.
func Dynamo(t testing.TB) (*dynamodb.Client, storage.DynamoTables) {
	t.Helper()

	endpoint := strings.TrimSpace(os.Getenv("TANDEM_DYNAMODB_ENDPOINT"))
	if endpoint == "" {
		t.Skip("integration test skipped: TANDEM_DYNAMODB_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	client, err := storage.NewDynamoClient(ctx, storage.DynamoConfig{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("dynamodb client: %v", err)
	}

	tables := storage.DynamoTableNames("tandem_it_" + suffix() + "_")
	if err := storage.CreateDynamoTables(ctx, client, tables); err != nil {
		t.Fatalf("create tables: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, name := range []string{tables.Likes, tables.Matches, tables.Messages, tables.Nonces} {
			_, _ = client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
		}
	})
	return client, tables
}

func suffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
