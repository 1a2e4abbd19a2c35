package storage

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoConfig locates a DynamoDB endpoint.
type DynamoConfig struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:8000 for DynamoDB Local.
	Endpoint string
}

// NewDynamoClient loads the default AWS credential chain. When Endpoint is set and no
// credentials are present in the environment, static local credentials are used.
func NewDynamoClient(ctx context.Context, c DynamoConfig) (*dynamodb.Client, error) {
	region := strings.TrimSpace(c.Region)
	if region == "" {
		region = "us-east-1"
	}
	endpoint := strings.TrimSpace(c.Endpoint)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "local", SecretAccessKey: "local", Source: "tandem"}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
