package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/likes"
	"tandem/cmd/internal/profile"
	"tandem/cmd/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
)

// backend owns the selected stores and the client they share.
type backend struct {
	kind     string
	likes    likes.Store
	chat     chat.Store
	profiles profile.Lookup

	pool   *pgxpool.Pool
	dynamo *dynamodb.Client
	tables storage.DynamoTables
}

// NewDBPool creates a pgx pool from cfg and verifies connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("TANDEM_DATABASE_URL is required for the postgres store")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, 5*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB pings the pool with a bounded timeout.
func PingDB(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// NewDynamo builds the DynamoDB client and table names from cfg.
func NewDynamo(ctx context.Context, cfg Config) (*dynamodb.Client, storage.DynamoTables, error) {
	client, err := storage.NewDynamoClient(ctx, storage.DynamoConfig{
		Region:   cfg.DynamoRegion,
		Endpoint: cfg.DynamoEndpoint,
	})
	if err != nil {
		return nil, storage.DynamoTables{}, err
	}
	return client, storage.DynamoTableNames(cfg.DynamoTablePrefix), nil
}

func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	b := &backend{kind: cfg.Store}

	switch cfg.Store {
	case StoreMemory:
		b.likes = likes.NewInMemoryStore()
		b.chat = chat.NewInMemoryStore()

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		if b.likes, err = likes.NewPostgresStore(pool, likes.WithSchema(cfg.DBSchema)); err != nil {
			pool.Close()
			return nil, err
		}
		if b.chat, err = chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema)); err != nil {
			pool.Close()
			return nil, err
		}

	case StoreDynamo:
		client, tables, err := NewDynamo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.dynamo, b.tables = client, tables
		if b.likes, err = likes.NewDynamoStore(client, tables); err != nil {
			return nil, err
		}
		if b.chat, err = chat.NewDynamoStore(client, tables); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown store %q (want memory, postgres or dynamodb)", cfg.Store)
	}

	profiles, err := openProfiles(cfg, b.pool)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.profiles = profiles

	log.Info("store.open", "store", b.kind, "profiles", fmt.Sprintf("%T", profiles))
	return b, nil
}

func openProfiles(cfg Config, pool *pgxpool.Pool) (profile.Lookup, error) {
	switch {
	case cfg.ProfilesFile != "":
		return profile.LoadYAML(cfg.ProfilesFile)
	case pool != nil:
		return profile.NewPostgres(pool, cfg.DBSchema)
	default:
		return profile.Nop{}, nil
	}
}

// Ready reports whether the store answers.
func (b *backend) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	switch {
	case b.pool != nil:
		return b.pool.Ping(ctx)
	case b.dynamo != nil:
		_, err := b.dynamo.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.tables.Messages)})
		return err
	default:
		return nil
	}
}

// Persistent is false for the in-memory store.
func (b *backend) Persistent() bool { return b.pool != nil || b.dynamo != nil }

// Close releases store resources. Stores do not own the shared client.
func (b *backend) Close() {
	if b.likes != nil {
		_ = b.likes.Close()
	}
	if b.chat != nil {
		_ = b.chat.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
