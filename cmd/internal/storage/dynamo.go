package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB secondary index names.
const (
	LikesByTargetIndex = "toUid-createdAt"
	MatchesByLowIndex  = "uidLow-createdAt"
	MatchesByHighIndex = "uidHigh-createdAt"
)

// DynamoAPI is the subset of *dynamodb.Client used by tandem.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoTables names the tables of one deployment.
type DynamoTables struct {
	Likes    string
	Matches  string
	Messages string
	Nonces   string
}

// DynamoTableNames derives table names from a prefix such as "tandem_".
func DynamoTableNames(prefix string) DynamoTables {
	return DynamoTables{
		Likes:    prefix + "likes",
		Matches:  prefix + "matches",
		Messages: prefix + "messages",
		Nonces:   prefix + "message_nonces",
	}
}

// CreateDynamoTables creates every table that does not exist yet and waits until all are active.
func CreateDynamoTables(ctx context.Context, api DynamoAPI, t DynamoTables) error {
	defs := []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(t.Likes),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("toUid"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("createdAt"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				gsi(LikesByTargetIndex, "toUid", "createdAt"),
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(t.Matches),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("pairKey"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("uidLow"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("uidHigh"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("createdAt"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("pairKey"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				gsi(MatchesByLowIndex, "uidLow", "createdAt"),
				gsi(MatchesByHighIndex, "uidHigh", "createdAt"),
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(t.Messages),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("matchId"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("seq"), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("matchId"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("seq"), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(t.Nonces),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("nonceKey"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("nonceKey"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}

	for _, def := range defs {
		_, err := api.CreateTable(ctx, def)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", aws.ToString(def.TableName), err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(api)
	for _, def := range defs {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: def.TableName}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait table %s: %w", aws.ToString(def.TableName), err)
		}
	}
	return nil
}

func gsi(name, hash, rng string) types.GlobalSecondaryIndex {
	return types.GlobalSecondaryIndex{
		IndexName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange},
		},
		Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
	}
}

// IsConditionFailed reports whether err is a failed ConditionExpression on a single-item write.
func IsConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// CancellationCodes returns the per-item cancellation reason codes of a failed transaction,
// or nil when err is not a transaction cancellation.
func CancellationCodes(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	out := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		out[i] = aws.ToString(r.Code)
	}
	return out
}

// FormatTime renders timestamps so that string order equals time order.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000000000Z", s)
}

// QueryAll runs in to completion across pages.
func QueryAll(ctx context.Context, api DynamoAPI, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var out []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
	}
	return out, nil
}
