package likes

import (
	"context"
	"errors"
	"sort"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	likeUserPrefix = "USER#"
	likeSortPrefix = "LIKE#"

	// Racing resolvers on one pair can cancel each other's transaction.
	maxMatchTxAttempts = 4
)

// DynamoStore is a Store backed by DynamoDB.
//
// Match creation is a single TransactWriteItems: two ConditionChecks (both likes exist)
// plus a Put on the match with attribute_not_exists(pairKey). Cancellation reasons tell
// "not reciprocal" from "already matched".
type DynamoStore struct {
	api    storage.DynamoAPI
	tables storage.DynamoTables
}

type likeItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	FromUID   string `dynamodbav:"fromUid"`
	ToUID     string `dynamodbav:"toUid"`
	CreatedAt string `dynamodbav:"createdAt"`
}

type matchItem struct {
	PairKey   string `dynamodbav:"pairKey"`
	UIDLow    string `dynamodbav:"uidLow"`
	UIDHigh   string `dynamodbav:"uidHigh"`
	CreatedAt string `dynamodbav:"createdAt"`
}

// NewDynamoStore constructs a DynamoDB-backed Store.
func NewDynamoStore(api storage.DynamoAPI, tables storage.DynamoTables) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("likes: nil dynamodb client")
	}
	if tables.Likes == "" || tables.Matches == "" {
		return nil, errors.New("likes: missing table names")
	}
	return &DynamoStore{api: api, tables: tables}, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *DynamoStore) Close() error { return nil }

func likeKeyAV(from, to string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: likeUserPrefix + from},
		"SK": &types.AttributeValueMemberS{Value: likeSortPrefix + to},
	}
}

func (it likeItem) like() (Like, error) {
	ts, err := storage.ParseTime(it.CreatedAt)
	if err != nil {
		return Like{}, err
	}
	return Like{From: it.FromUID, To: it.ToUID, CreatedAt: ts}, nil
}

func (it matchItem) match() (Match, error) {
	ts, err := storage.ParseTime(it.CreatedAt)
	if err != nil {
		return Match{}, err
	}
	return Match{PairKey: it.PairKey, UserLow: it.UIDLow, UserHigh: it.UIDHigh, CreatedAt: ts}, nil
}

// PutLike inserts the like if absent.
func (s *DynamoStore) PutLike(ctx context.Context, in PutLikeInput) (PutLikeResult, error) {
	const op = "likes.PutLike"
	if in.From == "" || in.To == "" || in.From == in.To {
		return PutLikeResult{}, domain.Invalid(op, "invalid pair")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	it := likeItem{
		PK:        likeUserPrefix + in.From,
		SK:        likeSortPrefix + in.To,
		FromUID:   in.From,
		ToUID:     in.To,
		CreatedAt: storage.FormatTime(now),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return PutLikeResult{}, err
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Likes),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		l, err := it.like()
		return PutLikeResult{Like: l, Created: true}, err
	}
	if !storage.IsConditionFailed(err) {
		return PutLikeResult{}, storage.Classify(op, err)
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Likes),
		Key:            likeKeyAV(in.From, in.To),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return PutLikeResult{}, storage.Classify(op, err)
	}
	var existing likeItem
	if err := attributevalue.UnmarshalMap(out.Item, &existing); err != nil {
		return PutLikeResult{}, err
	}
	l, err := existing.like()
	return PutLikeResult{Like: l, Created: false}, err
}

// HasLike reports whether from has liked to.
func (s *DynamoStore) HasLike(ctx context.Context, from, to string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tables.Likes),
		Key:                  likeKeyAV(from, to),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, storage.Classify("likes.HasLike", err)
	}
	return len(out.Item) > 0, nil
}

// ListLikesFrom returns likes sent by uid, oldest first.
func (s *DynamoStore) ListLikesFrom(ctx context.Context, uid string) ([]Like, error) {
	items, err := storage.QueryAll(ctx, s.api, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Likes),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: likeUserPrefix + uid},
			":sk": &types.AttributeValueMemberS{Value: likeSortPrefix},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storage.Classify("likes.ListLikesFrom", err)
	}
	return decodeLikes(items)
}

// ListLikesTo returns likes received by uid, oldest first.
// It reads the toUid index, which is eventually consistent.
func (s *DynamoStore) ListLikesTo(ctx context.Context, uid string) ([]Like, error) {
	items, err := storage.QueryAll(ctx, s.api, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Likes),
		IndexName:              aws.String(storage.LikesByTargetIndex),
		KeyConditionExpression: aws.String("toUid = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: uid},
		},
	})
	if err != nil {
		return nil, storage.Classify("likes.ListLikesTo", err)
	}
	return decodeLikes(items)
}

func decodeLikes(items []map[string]types.AttributeValue) ([]Like, error) {
	var raw []likeItem
	if err := attributevalue.UnmarshalListOfMaps(items, &raw); err != nil {
		return nil, err
	}
	out := make([]Like, 0, len(raw))
	for _, it := range raw {
		l, err := it.like()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateMatchIfReciprocal creates the match when both likes exist.
func (s *DynamoStore) CreateMatchIfReciprocal(ctx context.Context, in CreateMatchInput) (CreateMatchResult, error) {
	const op = "likes.CreateMatchIfReciprocal"
	if in.Low == "" || in.High == "" || in.Low >= in.High {
		return CreateMatchResult{}, domain.Invalid(op, "pair is not canonical")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	it := matchItem{
		PairKey:   domain.PairKey(in.Low, in.High),
		UIDLow:    in.Low,
		UIDHigh:   in.High,
		CreatedAt: storage.FormatTime(now),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return CreateMatchResult{}, err
	}

	tx := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(s.tables.Likes),
				Key:                 likeKeyAV(in.Low, in.High),
				ConditionExpression: aws.String("attribute_exists(PK)"),
			}},
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(s.tables.Likes),
				Key:                 likeKeyAV(in.High, in.Low),
				ConditionExpression: aws.String("attribute_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.tables.Matches),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(pairKey)"),
			}},
		},
	}

	for attempt := 1; ; attempt++ {
		_, err = s.api.TransactWriteItems(ctx, tx)
		if err == nil {
			m, err := it.match()
			return CreateMatchResult{Match: m, Matched: true, Created: true}, err
		}

		codes := storage.CancellationCodes(err)
		if codes == nil {
			return CreateMatchResult{}, storage.Classify(op, err)
		}

		switch {
		case len(codes) == 3 && codes[2] == "ConditionalCheckFailed":
			m, err := s.GetMatch(ctx, it.PairKey)
			if err != nil {
				return CreateMatchResult{}, err
			}
			return CreateMatchResult{Match: m, Matched: true}, nil
		case hasCode(codes, "ConditionalCheckFailed"):
			return CreateMatchResult{}, nil
		case hasCode(codes, "TransactionConflict") && attempt < maxMatchTxAttempts:
			select {
			case <-ctx.Done():
				return CreateMatchResult{}, ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
			}
			continue
		default:
			return CreateMatchResult{}, storage.Classify(op, err)
		}
	}
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

// GetMatch returns the match for pairKey.
func (s *DynamoStore) GetMatch(ctx context.Context, pairKey string) (Match, error) {
	const op = "likes.GetMatch"
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Matches),
		Key: map[string]types.AttributeValue{
			"pairKey": &types.AttributeValueMemberS{Value: pairKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Match{}, storage.Classify(op, err)
	}
	if len(out.Item) == 0 {
		return Match{}, domain.NotFound(op, "match")
	}
	var it matchItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return Match{}, err
	}
	return it.match()
}

// ListMatchesFor returns uid's matches, oldest first.
// Both participant indexes are read; they are eventually consistent.
func (s *DynamoStore) ListMatchesFor(ctx context.Context, uid string) ([]Match, error) {
	const op = "likes.ListMatchesFor"

	var items []map[string]types.AttributeValue
	for _, idx := range []struct{ name, attr string }{
		{storage.MatchesByLowIndex, "uidLow"},
		{storage.MatchesByHighIndex, "uidHigh"},
	} {
		part, err := storage.QueryAll(ctx, s.api, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Matches),
			IndexName:              aws.String(idx.name),
			KeyConditionExpression: aws.String("#u = :uid"),
			ExpressionAttributeNames: map[string]string{
				"#u": idx.attr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: uid},
			},
		})
		if err != nil {
			return nil, storage.Classify(op, err)
		}
		items = append(items, part...)
	}

	var raw []matchItem
	if err := attributevalue.UnmarshalListOfMaps(items, &raw); err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(raw))
	for _, it := range raw {
		m, err := it.match()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PairKey < out[j].PairKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
