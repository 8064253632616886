package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMAPI is the subset of the IAM API the key service consumes. *iam.Client
// satisfies it.
type IAMAPI interface {
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	GetAccessKeyLastUsed(ctx context.Context, params *iam.GetAccessKeyLastUsedInput, optFns ...func(*iam.Options)) (*iam.GetAccessKeyLastUsedOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
}

// Key describes one access key belonging to a user. LastUsedAt is nil when
// the key has never been used.
type Key struct {
	ID         string
	Status     string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Active reports whether the key is currently usable.
func (k Key) Active() bool { return k.Status == string(types.StatusTypeActive) }

// CreatedKey is the one-time result of key creation. The secret is only
// available here.
type CreatedKey struct {
	ID     string
	Secret string
}

// Service manages a user's own access keys.
type Service struct {
	iam IAMAPI
}

// NewService creates a key service over the given IAM client.
func NewService(iamClient IAMAPI) *Service {
	return &Service{iam: iamClient}
}

// List returns the user's access keys with last-used timestamps, newest
// first by creation time.
func (s *Service) List(ctx context.Context, username string) ([]Key, error) {
	var out []Key
	var marker *string
	for {
		page, err := s.iam.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
			UserName: aws.String(username),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("listing access keys for %q: %w", username, ErrKeyNotFound)
			}
			return nil, fmt.Errorf("failed to list access keys for %q: %w", username, err)
		}
		for _, meta := range page.AccessKeyMetadata {
			key := Key{
				ID:     aws.ToString(meta.AccessKeyId),
				Status: string(meta.Status),
			}
			if meta.CreateDate != nil {
				key.CreatedAt = *meta.CreateDate
			}
			lastUsed, err := s.iam.GetAccessKeyLastUsed(ctx, &iam.GetAccessKeyLastUsedInput{
				AccessKeyId: meta.AccessKeyId,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to fetch last-used for key %s: %w", key.ID, err)
			}
			if lastUsed.AccessKeyLastUsed != nil && lastUsed.AccessKeyLastUsed.LastUsedDate != nil {
				t := *lastUsed.AccessKeyLastUsed.LastUsedDate
				key.LastUsedAt = &t
			}
			out = append(out, key)
		}
		if !page.IsTruncated {
			return out, nil
		}
		marker = page.Marker
	}
}

// Create issues a new access key for the user. The returned secret cannot
// be retrieved again.
func (s *Service) Create(ctx context.Context, username string) (*CreatedKey, error) {
	out, err := s.iam.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(username),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return nil, fmt.Errorf("creating access key for %q: %w", username, ErrKeyNotFound)
		}
		return nil, fmt.Errorf("failed to create access key for %q: %w", username, err)
	}
	return &CreatedKey{
		ID:     aws.ToString(out.AccessKey.AccessKeyId),
		Secret: aws.ToString(out.AccessKey.SecretAccessKey),
	}, nil
}

// Delete removes one of the user's access keys.
func (s *Service) Delete(ctx context.Context, username, keyID string) error {
	_, err := s.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(username),
		AccessKeyId: aws.String(keyID),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("deleting access key %s: %w", keyID, ErrKeyNotFound)
		}
		return fmt.Errorf("failed to delete access key %s: %w", keyID, err)
	}
	return nil
}

// SetStatus activates or deactivates one of the user's access keys.
func (s *Service) SetStatus(ctx context.Context, username, keyID string, active bool) error {
	status := types.StatusTypeInactive
	if active {
		status = types.StatusTypeActive
	}
	_, err := s.iam.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		UserName:    aws.String(username),
		AccessKeyId: aws.String(keyID),
		Status:      status,
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("updating access key %s: %w", keyID, ErrKeyNotFound)
		}
		return fmt.Errorf("failed to update access key %s: %w", keyID, err)
	}
	return nil
}
