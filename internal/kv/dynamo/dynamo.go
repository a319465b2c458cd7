// Package dynamo implements kv.Store on a single DynamoDB table keyed by
// "pk". Expiry uses the table's TTL attribute "ttl" (epoch seconds); since
// DynamoDB deletes expired items lazily, reads also filter them out.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/gdrive-notifier/internal/kv"
)

// DefaultTable is used when KV_TABLE is not set.
const DefaultTable = "NotifierKV"

// pingKey is read by Ping; it does not need to exist.
const pingKey = "test"

// Client is the subset of *dynamodb.Client methods used by Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type record struct {
	PK      string `dynamodbav:"pk"`
	Value   []byte `dynamodbav:"value"`
	Version int64  `dynamodbav:"version"`
	TTL     int64  `dynamodbav:"ttl,omitempty"`
}

// Store implements kv.Store backed by DynamoDB.
type Store struct {
	client    Client
	tableName string
	now       func() time.Time
}

// NewStore creates a Store on the given table.
func NewStore(client Client, tableName string) *Store {
	if tableName == "" {
		tableName = DefaultTable
	}
	return &Store{client: client, tableName: tableName, now: time.Now}
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).Unix()
}

func (s *Store) expired(r record) bool {
	return r.TTL > 0 && r.TTL <= s.now().Unix()
}

func (s *Store) Get(ctx context.Context, key string) (kv.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return kv.Item{}, fmt.Errorf("failed to get %q from DynamoDB: %w", key, err)
	}
	if out.Item == nil {
		return kv.Item{}, kv.ErrNotFound
	}

	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return kv.Item{}, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	if s.expired(r) {
		return kv.Item{}, kv.ErrNotFound
	}
	return kv.Item{Value: r.Value, Version: r.Version}, nil
}

// Put bumps the stored version atomically with ADD so concurrent
// PutIfVersion callers observe the write.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	names := map[string]string{
		"#val": "value",
		"#ver": "version",
		"#ttl": "ttl",
	}
	values := map[string]types.AttributeValue{
		":val": &types.AttributeValueMemberB{Value: value},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}

	expr := "SET #val = :val ADD #ver :one REMOVE #ttl"
	if exp := s.expiry(ttl); exp > 0 {
		expr = "SET #val = :val, #ttl = :ttl ADD #ver :one"
		values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       keyOf(key),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to put %q to DynamoDB: %w", key, err)
	}
	return nil
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) error {
	item, err := attributevalue.MarshalMap(record{
		PK:      key,
		Value:   value,
		Version: version + 1,
		TTL:     s.expiry(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if version == 0 {
		// Absent, or present but already past its TTL.
		input.ConditionExpression = aws.String("attribute_not_exists(pk) OR #ttl BETWEEN :one AND :now")
		input.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		}
	} else {
		input.ConditionExpression = aws.String("#ver = :ver")
		input.ExpressionAttributeNames = map[string]string{"#ver": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":ver": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		}
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return kv.ErrConflict
		}
		return fmt.Errorf("failed to put %q to DynamoDB: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       keyOf(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q from DynamoDB: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			FilterExpression:         aws.String("begins_with(pk, :prefix)"),
			ProjectionExpression:     aws.String("pk, #ttl"),
			ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		var records []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keys: %w", err)
		}
		for _, r := range records {
			if !s.expired(r) {
				keys = append(keys, r.PK)
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.Get(ctx, pingKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}
