package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixWidget = "WIDGET#"
	skPrefixKey    = "KEY#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoBackend.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoBackend stores one item per namespaced key.
type DynamoBackend struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// DynamoOption configures a DynamoBackend.
type DynamoOption func(*DynamoBackend)

// WithTTL stamps written items with a "ttl" attribute d in the future. The
// user id is exempt: it lives until cleared. Zero disables expiry.
func WithTTL(d time.Duration) DynamoOption {
	return func(b *DynamoBackend) {
		b.ttl = d
	}
}

// NewDynamoBackend creates a backend over tableName.
func NewDynamoBackend(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("storage: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: table name must not be empty")
	}
	b := &DynamoBackend{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func widgetPK(namespace string) string {
	return pkPrefixWidget + namespace
}

func keySK(key string) string {
	return skPrefixKey + key
}

func (b *DynamoBackend) itemKey(namespace, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: widgetPK(namespace)},
		"SK": &types.AttributeValueMemberS{Value: keySK(key)},
	}
}

// expires reports whether key is written with a ttl.
func (b *DynamoBackend) expires(key string) bool {
	return b.ttl > 0 && !strings.HasSuffix(key, string(KeyUserID))
}

// expired reports whether item carries a ttl in the past. DynamoDB removes
// expired items lazily, so reads filter them too.
func (b *DynamoBackend) expired(item map[string]types.AttributeValue) bool {
	attr, ok := item["ttl"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= b.now().Unix()
}

// Get returns the value stored under key. Expired items read as absent.
func (b *DynamoBackend) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tableName),
		Key:            b.itemKey(namespace, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("storage: dynamodb get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 || b.expired(out.Item) {
		return "", false, nil
	}
	v, ok := out.Item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, fmt.Errorf("storage: dynamodb attribute %q is not a string", "value")
	}
	return v.Value, true, nil
}

// Set writes value under key, replacing any previous item.
func (b *DynamoBackend) Set(ctx context.Context, namespace, key, value string) error {
	now := b.now()
	item := b.itemKey(namespace, key)
	item["value"] = &types.AttributeValueMemberS{Value: value}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}
	if b.expires(key) {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(b.ttl).Unix(), 10)}
	}
	_, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("storage: dynamodb set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (b *DynamoBackend) Remove(ctx context.Context, namespace, key string) error {
	_, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.tableName),
		Key:       b.itemKey(namespace, key),
	})
	if err != nil {
		return fmt.Errorf("storage: dynamodb remove %q: %w", key, err)
	}
	return nil
}
