package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-sync/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	dynamoTTL      = 30 * 24 * time.Hour
	dynamoRecentN  = 20
	attrImageURL   = "imageUrl"
	attrCreatedAt  = "createdAt"
	attrIsUser     = "isUser"
	attrContent    = "content"
	attrMessageID  = "id"
	attrConvID     = "conversationId"
	attrExpiration = "ttl"

	// Ancho fijo para que el orden lexicográfico del SK coincida con el temporal.
	skTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// dynamodbAPI es el subconjunto de DynamoDB que usa el repositorio.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoRemoteMessageRepository guarda la ventana remota en una tabla PK/SK con TTL.
type DynamoRemoteMessageRepository struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoRemoteMessageRepository(api dynamodbAPI, tableName string) (*DynamoRemoteMessageRepository, error) {
	if api == nil {
		return nil, errors.New("repository: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoRemoteMessageRepository{api: api, tableName: tableName}, nil
}

func conversationPK(userID, conversationID string) string {
	return "USER#" + userID + "#CONV#" + conversationID
}

// messageSK ordena por creación y desempata por id.
func messageSK(m domain.Message) string {
	return skPrefixMsg + createdAt(m).Format(skTimeLayout) + "#" + m.ID
}

func (r *DynamoRemoteMessageRepository) Insert(ctx context.Context, userID string, message domain.Message) error {
	if userID == "" || message.ConversationID == "" {
		return fmt.Errorf("%w: %w", domain.ErrRemoteWrite, domain.ErrMissingContext)
	}

	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: conversationPK(userID, message.ConversationID)},
		"SK":           &types.AttributeValueMemberS{Value: messageSK(message)},
		attrMessageID:  &types.AttributeValueMemberS{Value: message.ID},
		attrConvID:     &types.AttributeValueMemberS{Value: message.ConversationID},
		attrContent:    &types.AttributeValueMemberS{Value: message.Text},
		attrIsUser:     &types.AttributeValueMemberBOOL{Value: message.IsUser},
		attrCreatedAt:  &types.AttributeValueMemberS{Value: createdAt(message).Format(time.RFC3339)},
		attrExpiration: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(dynamoTTL).Unix())},
	}
	if message.ImageURL != "" {
		item[attrImageURL] = &types.AttributeValueMemberS{Value: message.ImageURL}
	}

	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		// Ya existe: el reintento es idempotente.
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("%w: %w", domain.ErrRemoteWrite, err)
	}
	return nil
}

func (r *DynamoRemoteMessageRepository) LoadRecent(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if userID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, domain.ErrMissingContext)
	}
	if limit <= 0 {
		limit = dynamoRecentN
	}

	out, err := r.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: conversationPK(userID, conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Más recientes primero para que LIMIT se quede con la ventana final.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
		}
		msgs = append(msgs, msg)
	}
	reverse(msgs)
	return msgs, nil
}

func (r *DynamoRemoteMessageRepository) Ping(ctx context.Context) error {
	_, err := r.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.tableName)})
	return err
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, attrMessageID)
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, attrConvID)
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, attrContent)
	if err != nil {
		return domain.Message{}, err
	}
	created, _ := strAttr(item, attrCreatedAt)
	imageURL, _ := strAttr(item, attrImageURL)

	isUser := false
	if v, ok := item[attrIsUser].(*types.AttributeValueMemberBOOL); ok {
		isUser = v.Value
	}

	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Text:           content,
		IsUser:         isUser,
		Timestamp:      domain.Timestamp(created),
		ImageURL:       imageURL,
		Status:         domain.StatusSent,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
