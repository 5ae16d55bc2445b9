package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-backend/internal/domain"
)

const (
	attrUserID    = "userId"
	attrUpdatedAt = "updatedAt"

	// DefaultRecencyIndex is the GSI keyed by (userId, updatedAt).
	DefaultRecencyIndex = "userId-updatedAt-index"

	defaultConversationPage = 20
	maxConversationPage     = 100
)

var recencyKeyAttrs = []string{attrUserID, attrConversationID, attrUpdatedAt}

// ConversationIndex is the per-owner directory of conversations.
type ConversationIndex struct {
	api       dynamodbAPI
	tableName string
	indexName string
}

// NewConversationIndex creates a ConversationIndex. An empty indexName falls
// back to DefaultRecencyIndex.
func NewConversationIndex(api dynamodbAPI, tableName, indexName string) (*ConversationIndex, error) {
	if err := validateTable(api, tableName); err != nil {
		return nil, err
	}
	indexName = strings.TrimSpace(indexName)
	if indexName == "" {
		indexName = DefaultRecencyIndex
	}
	return &ConversationIndex{api: api, tableName: tableName, indexName: indexName}, nil
}

func conversationKey(ownerID, conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrUserID:         strValue(ownerID),
		attrConversationID: strValue(conversationID),
	}
}

// Create inserts a new conversation with messageCount 0 and
// createdAt = updatedAt = ts. It returns ErrConflict if the record exists.
func (c *ConversationIndex) Create(ctx context.Context, ownerID, conversationID, title string, ts int64) error {
	if ownerID == "" || conversationID == "" {
		return fmt.Errorf("repository: Create: owner and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			attrUserID:         strValue(ownerID),
			attrConversationID: strValue(conversationID),
			"title":            strValue(title),
			"createdAt":        numValue(ts),
			attrUpdatedAt:      numValue(ts),
			"messageCount":     numValue(0),
		},
		ConditionExpression: aws.String("attribute_not_exists(conversationId)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: Create: %w", ErrConflict)
		}
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// Touch sets updatedAt and adds delta to messageCount in a single conditional
// update. It returns ErrNotFound if the record does not exist.
func (c *ConversationIndex) Touch(ctx context.Context, ownerID, conversationID string, updatedAt int64, delta int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 conversationKey(ownerID, conversationID),
		UpdateExpression:    aws.String("SET updatedAt = :ua ADD messageCount :inc"),
		ConditionExpression: aws.String("attribute_exists(conversationId)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua":  numValue(updatedAt),
			":inc": numValue(int64(delta)),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: Touch: %w", ErrNotFound)
		}
		return fmt.Errorf("repository: Touch: %w", err)
	}
	return nil
}

// ListByOwner returns one page of the owner's conversations, most recently
// active first.
func (c *ConversationIndex) ListByOwner(ctx context.Context, ownerID string, limit int, cursor string) ([]domain.Conversation, string, error) {
	startKey, err := decodeCursor(cursor, recencyKeyAttrs, map[string]string{attrUserID: ownerID})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByOwner: %w", err)
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(c.indexName),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strValue(ownerID),
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(clampLimit(limit, defaultConversationPage, maxConversationPage)),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByOwner query: %w", err)
	}

	convs := make([]domain.Conversation, 0, len(out.Items))
	for _, item := range out.Items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListByOwner unmarshal: %w", err)
		}
		convs = append(convs, conv)
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListByOwner: %w", err)
	}
	return convs, next, nil
}

// Get looks up a single conversation of the owner. A conversation that exists
// under another owner is reported as ErrNotFound.
func (c *ConversationIndex) Get(ctx context.Context, ownerID, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            conversationKey(ownerID, conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: Get: %w", ErrNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return conv, nil
}

// Delete removes the index record; deleting a missing record is a no-op.
func (c *ConversationIndex) Delete(ctx context.Context, ownerID, conversationID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       conversationKey(ownerID, conversationID),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	owner, err := strAttr(item, attrUserID)
	if err != nil {
		return domain.Conversation{}, err
	}
	convID, err := strAttr(item, attrConversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	createdAt, err := intAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := intAttr(item, attrUpdatedAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, err
	}

	return domain.Conversation{
		OwnerID:        owner,
		ConversationID: convID,
		Title:          title,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		MessageCount:   int(count),
	}, nil
}
