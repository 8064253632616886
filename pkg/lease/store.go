package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lariat/lease")

// Lease binds a username to a mirrored role and an expiry. ExpiresAt is the
// sole mutable field of a live lease; RoleARN is rewritten only by Put.
type Lease struct {
	Username  string `dynamodbav:"username"`
	RoleARN   string `dynamodbav:"role_arn"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// Expired reports whether the lease is eligible for reclamation at now
// (epoch seconds).
func (l Lease) Expired(now int64) bool {
	return l.ExpiresAt < now
}

// Store is the durable lease mapping. Implementations must provide reads
// that are strongly consistent with the most recent write from the same
// process; the renew path depends on it.
type Store interface {
	Get(ctx context.Context, username string) (*Lease, error)
	Put(ctx context.Context, username, roleARN string, expiresAt int64) error
	Renew(ctx context.Context, username string, expiresAt int64) error
	Delete(ctx context.Context, username string) error
	ScanExpired(ctx context.Context, now int64, fn func(Lease) error) error
}

// DynamoAPI is the subset of the DynamoDB API the store consumes.
// *dynamodb.Client satisfies it; tests substitute a fake.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore persists leases in a DynamoDB table keyed by username.
type DynamoStore struct {
	api   DynamoAPI
	table string
}

// NewDynamoStore creates a store over the given table.
func NewDynamoStore(api DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{api: api, table: table}
}

func (s *DynamoStore) key(username string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"username": &types.AttributeValueMemberS{Value: username},
	}
}

// Get returns the lease for username, or ErrLeaseNotFound. The read is
// strongly consistent so a renewal immediately after creation sees the
// record.
func (s *DynamoStore) Get(ctx context.Context, username string) (*Lease, error) {
	ctx, span := tracer.Start(ctx, "DynamoStore.Get",
		trace.WithAttributes(attribute.String("lease.username", username)),
	)
	defer span.End()

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(username),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get item failed")
		return nil, fmt.Errorf("failed to get lease for %q: %w", username, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("lease for %q: %w", username, ErrLeaseNotFound)
	}

	var lease Lease
	if err := attributevalue.UnmarshalMap(out.Item, &lease); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unmarshal failed")
		return nil, fmt.Errorf("failed to unmarshal lease for %q: %w", username, err)
	}
	span.SetStatus(codes.Ok, "lease fetched")
	return &lease, nil
}

// Put writes (or overwrites) the lease record with a fresh role ARN and
// expiry. This is the only operation allowed to rewrite role_arn.
func (s *DynamoStore) Put(ctx context.Context, username, roleARN string, expiresAt int64) error {
	ctx, span := tracer.Start(ctx, "DynamoStore.Put",
		trace.WithAttributes(attribute.String("lease.username", username)),
	)
	defer span.End()

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(username),
		UpdateExpression: aws.String("SET expires_at = :expires_at, role_arn = :role_arn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
			":role_arn":   &types.AttributeValueMemberS{Value: roleARN},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update item failed")
		return fmt.Errorf("failed to put lease for %q: %w", username, err)
	}
	span.SetStatus(codes.Ok, "lease written")
	return nil
}

// Renew advances the expiry of an existing lease, leaving role_arn
// untouched. A missing record surfaces as ErrLeaseNotFound.
func (s *DynamoStore) Renew(ctx context.Context, username string, expiresAt int64) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(username),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("attribute_exists(username)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("lease for %q: %w", username, ErrLeaseNotFound)
		}
		return fmt.Errorf("failed to renew lease for %q: %w", username, err)
	}
	return nil
}

// Delete removes the lease record. Deleting an absent record is a no-op.
func (s *DynamoStore) Delete(ctx context.Context, username string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(username),
	})
	if err != nil {
		return fmt.Errorf("failed to delete lease for %q: %w", username, err)
	}
	return nil
}

// ScanExpired invokes fn for every lease with expires_at strictly before
// now, paging through the full table. fn returning an error aborts the scan.
func (s *DynamoStore) ScanExpired(ctx context.Context, now int64, fn func(Lease) error) error {
	ctx, span := tracer.Start(ctx, "DynamoStore.ScanExpired",
		trace.WithAttributes(attribute.Int64("lease.now", now)),
	)
	defer span.End()

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("expires_at < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return fmt.Errorf("failed to scan expired leases: %w", err)
		}

		var leases []Lease
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &leases); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unmarshal failed")
			return fmt.Errorf("failed to unmarshal expired leases: %w", err)
		}
		for _, lease := range leases {
			if err := fn(lease); err != nil {
				return err
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			span.SetStatus(codes.Ok, "scan complete")
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}
