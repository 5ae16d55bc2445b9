package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"chat-backend/internal/domain"
)

const (
	attrConversationID = "conversationId"
	attrSortKey        = "sk"

	defaultMessagePage = 50
	maxMessagePage     = 100
	batchWriteSize     = 25
	maxBatchRetries    = 5
)

var messageKeyAttrs = []string{attrConversationID, attrSortKey}

// newSortID returns a ULID. ulid.Make is monotonic within the process, so two
// messages written in the same second keep their write order.
var newSortID = func() string {
	return ulid.Make().String()
}

var newMessageID = func() string {
	return uuid.NewString()
}

var retryBackoff = 50 * time.Millisecond

// MessageStore is the append-only per-conversation message log.
type MessageStore struct {
	api       dynamodbAPI
	tableName string
}

// NewMessageStore creates a MessageStore backed by the given table.
func NewMessageStore(api dynamodbAPI, tableName string) (*MessageStore, error) {
	if err := validateTable(api, tableName); err != nil {
		return nil, err
	}
	return &MessageStore{api: api, tableName: tableName}, nil
}

// messageSK orders by second-granularity timestamp first and by write order
// within the same second.
func messageSK(ts int64, sortID string) string {
	return fmt.Sprintf("%012d#%s", ts, sortID)
}

// Append persists a message and returns its generated message id.
func (s *MessageStore) Append(ctx context.Context, conversationID string, role domain.Role, text string, ts int64) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("repository: Append: conversation id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("repository: Append: unknown role %q", role)
	}

	msgID := newMessageID()
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			attrConversationID: strValue(conversationID),
			attrSortKey:        strValue(messageSK(ts, newSortID())),
			"timestamp":        numValue(ts),
			"messageId":        strValue(msgID),
			"role":             strValue(string(role)),
			"content":          strValue(text),
		},
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: Append: %w", err)
	}
	return msgID, nil
}

// ListByConversation returns one page of messages ordered by (timestamp,
// write order). The returned cursor is empty when there are no more pages.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, order domain.SortOrder, limit int, cursor string) ([]domain.Message, string, error) {
	startKey, err := decodeCursor(cursor, messageKeyAttrs, map[string]string{attrConversationID: conversationID})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByConversation: %w", err)
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("conversationId = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": strValue(conversationID),
		},
		ScanIndexForward:  aws.Bool(order == domain.OldestFirst),
		Limit:             aws.Int32(clampLimit(limit, defaultMessagePage, maxMessagePage)),
		ExclusiveStartKey: startKey,
		ConsistentRead:    aws.Bool(true),
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByConversation query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListByConversation unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByConversation: %w", err)
	}
	return msgs, next, nil
}

// DeleteAllForConversation removes every message of a conversation. It is not
// atomic; a partial failure can be retried and already deleted messages are
// simply not found again.
func (s *MessageStore) DeleteAllForConversation(ctx context.Context, conversationID string) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("conversationId = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": strValue(conversationID),
			},
			ProjectionExpression: aws.String("conversationId, sk"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return fmt.Errorf("repository: DeleteAllForConversation query: %w", err)
		}

		for i := 0; i < len(out.Items); i += batchWriteSize {
			end := min(i+batchWriteSize, len(out.Items))
			if err := s.batchDelete(ctx, out.Items[i:end]); err != nil {
				return fmt.Errorf("repository: DeleteAllForConversation: %w", err)
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *MessageStore) batchDelete(ctx context.Context, items []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
				attrConversationID: item[attrConversationID],
				attrSortKey:        item[attrSortKey],
			}},
		})
	}

	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; ; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		if attempt+1 >= maxBatchRetries {
			return fmt.Errorf("batch write: %d unprocessed deletes after %d attempts", len(out.UnprocessedItems[s.tableName]), maxBatchRetries)
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	convID, err := strAttr(item, attrConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	msgID, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	if !domain.Role(role).Valid() {
		return domain.Message{}, fmt.Errorf("repository: unknown role %q", role)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := intAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}

	return domain.Message{
		ConversationID: convID,
		MessageID:      msgID,
		Role:           domain.Role(role),
		Content:        content,
		Timestamp:      ts,
	}, nil
}
