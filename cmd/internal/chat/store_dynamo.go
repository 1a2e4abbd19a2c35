package chat

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// Concurrent senders of one match race for the same next seq; the loser re-reads and
	// tries again.
	maxAppendAttempts = 8

	// TransactWriteItems accepts at most 100 actions.
	markReadChunk = 100
)

var errSeqContention = errors.New("seq allocation contention")

var seqName = map[string]string{"#s": "seq"}

// DynamoStore is a Store backed by DynamoDB.
//
// Seq allocation is optimistic: the next message is put at lastSeq+1 with
// attribute_not_exists(seq) on the (matchId, seq) key, so exactly one writer wins each seq.
// A client message id reserves a row in the nonce table inside the same transaction.
//
// Read marks are applied in transactions of up to 100 messages. A conversation with more
// unread messages than that is marked in several atomic steps; the reported count is exact.
type DynamoStore struct {
	api    storage.DynamoAPI
	tables storage.DynamoTables
}

type messageItem struct {
	MatchID     string `dynamodbav:"matchId"`
	Seq         int64  `dynamodbav:"seq"`
	MessageID   string `dynamodbav:"messageId"`
	ClientMsgID string `dynamodbav:"clientMsgId,omitempty"`
	SenderUID   string `dynamodbav:"senderUid"`
	Content     string `dynamodbav:"content"`
	CreatedAt   string `dynamodbav:"createdAt"`
	ReadAt      string `dynamodbav:"readAt,omitempty"`
}

type nonceItem struct {
	NonceKey string `dynamodbav:"nonceKey"`
	Seq      int64  `dynamodbav:"seq"`
}

// NewDynamoStore constructs a DynamoDB-backed Store.
func NewDynamoStore(api storage.DynamoAPI, tables storage.DynamoTables) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("chat: nil dynamodb client")
	}
	if tables.Messages == "" || tables.Nonces == "" {
		return nil, errors.New("chat: missing table names")
	}
	return &DynamoStore{api: api, tables: tables}, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *DynamoStore) Close() error { return nil }

func (it messageItem) message() (Message, error) {
	created, err := storage.ParseTime(it.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		MatchID:     it.MatchID,
		Seq:         it.Seq,
		MessageID:   it.MessageID,
		ClientMsgID: it.ClientMsgID,
		SenderUID:   it.SenderUID,
		Content:     it.Content,
		CreatedAt:   created,
	}
	if it.ReadAt != "" {
		if m.ReadAt, err = storage.ParseTime(it.ReadAt); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func decodeMessages(items []map[string]types.AttributeValue) ([]Message, error) {
	var raw []messageItem
	if err := attributevalue.UnmarshalListOfMaps(items, &raw); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, it := range raw {
		m, err := it.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func messageKey(matchID string, seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"matchId": &types.AttributeValueMemberS{Value: matchID},
		"seq":     &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
	}
}

func nonceKey(matchID, clientMsgID string) string {
	return matchID + "#" + clientMsgID
}

// AppendMessage appends a message at the next free seq.
func (s *DynamoStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.AppendMessage"
	if in.MatchID == "" || in.SenderUID == "" || in.MessageID == "" || in.Content == "" {
		return AppendResult{}, domain.Invalid(op, "missing field")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		if in.ClientMsgID != "" {
			existing, ok, err := s.byClientMsgID(ctx, in.MatchID, in.ClientMsgID)
			if err != nil {
				return AppendResult{}, storage.Classify(op, err)
			}
			if ok {
				return AppendResult{Message: existing, Duplicated: true}, nil
			}
		}

		last, err := s.lastSeq(ctx, in.MatchID)
		if err != nil {
			return AppendResult{}, storage.Classify(op, err)
		}

		it := messageItem{
			MatchID:     in.MatchID,
			Seq:         last + 1,
			MessageID:   in.MessageID,
			ClientMsgID: in.ClientMsgID,
			SenderUID:   in.SenderUID,
			Content:     in.Content,
			CreatedAt:   storage.FormatTime(now),
		}
		won, err := s.putAt(ctx, it)
		if err != nil {
			return AppendResult{}, storage.Classify(op, err)
		}
		if won {
			m, err := it.message()
			return AppendResult{Message: m}, err
		}

		select {
		case <-ctx.Done():
			return AppendResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return AppendResult{}, domain.Unavailable(op, errSeqContention)
}

// putAt writes it at its seq. It reports false when another writer took the seq or the
// client message id first.
func (s *DynamoStore) putAt(ctx context.Context, it messageItem) (bool, error) {
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return false, err
	}
	put := &types.Put{
		TableName:                aws.String(s.tables.Messages),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#s)"),
		ExpressionAttributeNames: seqName,
	}

	if it.ClientMsgID == "" {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                put.TableName,
			Item:                     put.Item,
			ConditionExpression:      put.ConditionExpression,
			ExpressionAttributeNames: put.ExpressionAttributeNames,
		})
		if storage.IsConditionFailed(err) {
			return false, nil
		}
		return err == nil, err
	}

	nonce, err := attributevalue.MarshalMap(nonceItem{NonceKey: nonceKey(it.MatchID, it.ClientMsgID), Seq: it.Seq})
	if err != nil {
		return false, err
	}
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: put},
			{Put: &types.Put{
				TableName:           aws.String(s.tables.Nonces),
				Item:                nonce,
				ConditionExpression: aws.String("attribute_not_exists(nonceKey)"),
			}},
		},
	})
	if err == nil {
		return true, nil
	}
	codes := storage.CancellationCodes(err)
	if codes != nil && (hasCode(codes, "ConditionalCheckFailed") || hasCode(codes, "TransactionConflict")) {
		return false, nil
	}
	return false, err
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func (s *DynamoStore) byClientMsgID(ctx context.Context, matchID, clientMsgID string) (Message, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Nonces),
		Key: map[string]types.AttributeValue{
			"nonceKey": &types.AttributeValueMemberS{Value: nonceKey(matchID, clientMsgID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil || len(out.Item) == 0 {
		return Message{}, false, err
	}
	var n nonceItem
	if err := attributevalue.UnmarshalMap(out.Item, &n); err != nil {
		return Message{}, false, err
	}

	msg, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Messages),
		Key:            messageKey(matchID, n.Seq),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Message{}, false, err
	}
	if len(msg.Item) == 0 {
		return Message{}, false, errors.New("nonce without message")
	}
	var it messageItem
	if err := attributevalue.UnmarshalMap(msg.Item, &it); err != nil {
		return Message{}, false, err
	}
	m, err := it.message()
	return m, err == nil, err
}

func (s *DynamoStore) lastSeq(ctx context.Context, matchID string) (int64, error) {
	m, ok, err := s.lastItem(ctx, matchID, aws.String("#s"))
	if err != nil || !ok {
		return 0, err
	}
	return m.Seq, nil
}

func (s *DynamoStore) lastItem(ctx context.Context, matchID string, projection *string) (messageItem, bool, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Messages),
		KeyConditionExpression: aws.String("matchId = :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberS{Value: matchID},
		},
		ProjectionExpression: projection,
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
		ConsistentRead:       aws.Bool(true),
	}
	if projection != nil {
		in.ExpressionAttributeNames = seqName
	}
	out, err := s.api.Query(ctx, in)
	if err != nil || len(out.Items) == 0 {
		return messageItem{}, false, err
	}
	var it messageItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return messageItem{}, false, err
	}
	return it, true, nil
}

// FetchMessages returns messages with seq > AfterSeq ordered by seq ASC.
func (s *DynamoStore) FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error) {
	const op = "chat.FetchMessages"
	if in.MatchID == "" {
		return FetchResult{}, domain.Invalid(op, "missing match id")
	}
	limit := clampLimit(in.Limit)

	p := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:                aws.String(s.tables.Messages),
		KeyConditionExpression:   aws.String("matchId = :m AND #s > :after"),
		ExpressionAttributeNames: seqName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m":     &types.AttributeValueMemberS{Value: in.MatchID},
			":after": &types.AttributeValueMemberN{Value: strconv.FormatInt(in.AfterSeq, 10)},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit + 1)),
		ConsistentRead:   aws.Bool(true),
	})

	var items []map[string]types.AttributeValue
	for p.HasMorePages() && len(items) <= limit {
		page, err := p.NextPage(ctx)
		if err != nil {
			return FetchResult{}, storage.Classify(op, err)
		}
		items = append(items, page.Items...)
	}

	msgs, err := decodeMessages(items)
	if err != nil {
		return FetchResult{}, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *DynamoStore) unreadQuery(matchID, viewerUID string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Messages),
		KeyConditionExpression: aws.String("matchId = :m"),
		FilterExpression:       aws.String("attribute_not_exists(readAt) AND senderUid <> :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberS{Value: matchID},
			":v": &types.AttributeValueMemberS{Value: viewerUID},
		},
		ConsistentRead: aws.Bool(true),
	}
}

// MarkRead sets readAt on every unread message of the match not sent by the viewer.
// Each update is conditional on readAt being absent, so when two markers overlap a message
// is counted only by the one that set it.
func (s *DynamoStore) MarkRead(ctx context.Context, in MarkReadInput) (int, error) {
	const op = "chat.MarkRead"
	if in.MatchID == "" || in.ViewerUID == "" {
		return 0, domain.Invalid(op, "missing field")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	q := s.unreadQuery(in.MatchID, in.ViewerUID)
	q.ProjectionExpression = aws.String("#s")
	q.ExpressionAttributeNames = seqName
	items, err := storage.QueryAll(ctx, s.api, q)
	if err != nil {
		return 0, storage.Classify(op, err)
	}
	var unread []messageItem
	if err := attributevalue.UnmarshalListOfMaps(items, &unread); err != nil {
		return 0, err
	}

	nowAV := &types.AttributeValueMemberS{Value: storage.FormatTime(now)}
	marked := 0
	for start := 0; start < len(unread); start += markReadChunk {
		end := min(start+markReadChunk, len(unread))
		n, err := s.markChunk(ctx, in.MatchID, unread[start:end], nowAV)
		marked += n
		if err != nil {
			return marked, storage.Classify(op, err)
		}
	}
	return marked, nil
}

// markChunk marks up to markReadChunk messages in one transaction. Messages a concurrent
// marker got to first fail their condition and cancel the transaction; they are dropped
// and the rest retried, so the returned count only covers messages this call flipped.
func (s *DynamoStore) markChunk(ctx context.Context, matchID string, pending []messageItem, now types.AttributeValue) (int, error) {
	pending = append([]messageItem(nil), pending...)
	for len(pending) > 0 {
		tx := make([]types.TransactWriteItem, 0, len(pending))
		for _, it := range pending {
			tx = append(tx, types.TransactWriteItem{Update: &types.Update{
				TableName:                 aws.String(s.tables.Messages),
				Key:                       messageKey(matchID, it.Seq),
				UpdateExpression:          aws.String("SET readAt = :now"),
				ConditionExpression:       aws.String("attribute_exists(#s) AND attribute_not_exists(readAt)"),
				ExpressionAttributeNames:  seqName,
				ExpressionAttributeValues: map[string]types.AttributeValue{":now": now},
			}})
		}

		err := s.transact(ctx, tx)
		if err == nil {
			return len(pending), nil
		}
		codes := storage.CancellationCodes(err)
		if len(codes) != len(pending) || !hasCode(codes, "ConditionalCheckFailed") {
			return 0, err
		}
		kept := pending[:0]
		for i, code := range codes {
			if code != "ConditionalCheckFailed" {
				kept = append(kept, pending[i])
			}
		}
		pending = kept
	}
	return 0, nil
}

// transact retries a read-mark transaction cancelled by a concurrent one.
func (s *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil || !hasCode(storage.CancellationCodes(err), "TransactionConflict") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

// UnreadCount counts unread messages of the match not sent by viewerUID.
func (s *DynamoStore) UnreadCount(ctx context.Context, matchID, viewerUID string) (int, error) {
	q := s.unreadQuery(matchID, viewerUID)
	q.Select = types.SelectCount

	n := 0
	p := dynamodb.NewQueryPaginator(s.api, q)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, storage.Classify("chat.UnreadCount", err)
		}
		n += int(page.Count)
	}
	return n, nil
}

// LastMessage returns the highest-seq message of matchID.
func (s *DynamoStore) LastMessage(ctx context.Context, matchID string) (Message, bool, error) {
	it, ok, err := s.lastItem(ctx, matchID, nil)
	if err != nil {
		return Message{}, false, storage.Classify("chat.LastMessage", err)
	}
	if !ok {
		return Message{}, false, nil
	}
	m, err := it.message()
	return m, err == nil, err
}
