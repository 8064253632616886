package directory

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// IAMAPI is the subset of the IAM API the directory client consumes.
// *iam.Client satisfies it; tests substitute a fake.
type IAMAPI interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	ListGroupsForUser(ctx context.Context, params *iam.ListGroupsForUserInput, optFns ...func(*iam.Options)) (*iam.ListGroupsForUserOutput, error)
	ListAttachedGroupPolicies(ctx context.Context, params *iam.ListAttachedGroupPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedGroupPoliciesOutput, error)
	ListGroupPolicies(ctx context.Context, params *iam.ListGroupPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListGroupPoliciesOutput, error)
	GetGroupPolicy(ctx context.Context, params *iam.GetGroupPolicyInput, optFns ...func(*iam.Options)) (*iam.GetGroupPolicyOutput, error)
}

// User is the subset of an IAM user the mirror needs.
type User struct {
	Name string
	ARN  string
}

// Client reads users, groups, and policies from IAM.
type Client struct {
	api IAMAPI
}

// NewClient creates a directory client over the given IAM API.
func NewClient(api IAMAPI) *Client {
	return &Client{api: api}
}

// GetUser fetches a user by name.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	out, err := c.api.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(username)})
	if err != nil {
		if isNoSuchEntity(err) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user %q: %w", username, err)
	}
	return &User{
		Name: aws.ToString(out.User.UserName),
		ARN:  aws.ToString(out.User.Arn),
	}, nil
}

// ListAttachedUserPolicies returns the ARNs of managed policies attached
// directly to the user.
func (c *Client) ListAttachedUserPolicies(ctx context.Context, username string) ([]string, error) {
	var arns []string
	var marker *string
	for {
		out, err := c.api.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{
			UserName: aws.String(username),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list attached policies for user %q: %w", username, err)
		}
		for _, p := range out.AttachedPolicies {
			arns = append(arns, aws.ToString(p.PolicyArn))
		}
		if !out.IsTruncated {
			return arns, nil
		}
		marker = out.Marker
	}
}

// ListUserPolicies returns the names of inline policies embedded in the user.
func (c *Client) ListUserPolicies(ctx context.Context, username string) ([]string, error) {
	var names []string
	var marker *string
	for {
		out, err := c.api.ListUserPolicies(ctx, &iam.ListUserPoliciesInput{
			UserName: aws.String(username),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list inline policies for user %q: %w", username, err)
		}
		names = append(names, out.PolicyNames...)
		if !out.IsTruncated {
			return names, nil
		}
		marker = out.Marker
	}
}

// GetUserPolicy returns the URL-decoded document of a user inline policy.
func (c *Client) GetUserPolicy(ctx context.Context, username, policyName string) (string, error) {
	out, err := c.api.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
		UserName:   aws.String(username),
		PolicyName: aws.String(policyName),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return "", fmt.Errorf("user policy %q/%q: %w", username, policyName, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get user policy %q/%q: %w", username, policyName, err)
	}
	return decodePolicyDocument(aws.ToString(out.PolicyDocument))
}

// ListGroupsForUser returns the names of the groups the user belongs to.
func (c *Client) ListGroupsForUser(ctx context.Context, username string) ([]string, error) {
	var groups []string
	var marker *string
	for {
		out, err := c.api.ListGroupsForUser(ctx, &iam.ListGroupsForUserInput{
			UserName: aws.String(username),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list groups for user %q: %w", username, err)
		}
		for _, g := range out.Groups {
			groups = append(groups, aws.ToString(g.GroupName))
		}
		if !out.IsTruncated {
			return groups, nil
		}
		marker = out.Marker
	}
}

// ListAttachedGroupPolicies returns the ARNs of managed policies attached to
// the group.
func (c *Client) ListAttachedGroupPolicies(ctx context.Context, groupName string) ([]string, error) {
	var arns []string
	var marker *string
	for {
		out, err := c.api.ListAttachedGroupPolicies(ctx, &iam.ListAttachedGroupPoliciesInput{
			GroupName: aws.String(groupName),
			Marker:    marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("group %q: %w", groupName, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list attached policies for group %q: %w", groupName, err)
		}
		for _, p := range out.AttachedPolicies {
			arns = append(arns, aws.ToString(p.PolicyArn))
		}
		if !out.IsTruncated {
			return arns, nil
		}
		marker = out.Marker
	}
}

// ListGroupPolicies returns the names of inline policies embedded in the group.
func (c *Client) ListGroupPolicies(ctx context.Context, groupName string) ([]string, error) {
	var names []string
	var marker *string
	for {
		out, err := c.api.ListGroupPolicies(ctx, &iam.ListGroupPoliciesInput{
			GroupName: aws.String(groupName),
			Marker:    marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("group %q: %w", groupName, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to list inline policies for group %q: %w", groupName, err)
		}
		names = append(names, out.PolicyNames...)
		if !out.IsTruncated {
			return names, nil
		}
		marker = out.Marker
	}
}

// GetGroupPolicy returns the URL-decoded document of a group inline policy.
func (c *Client) GetGroupPolicy(ctx context.Context, groupName, policyName string) (string, error) {
	out, err := c.api.GetGroupPolicy(ctx, &iam.GetGroupPolicyInput{
		GroupName:  aws.String(groupName),
		PolicyName: aws.String(policyName),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return "", fmt.Errorf("group policy %q/%q: %w", groupName, policyName, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get group policy %q/%q: %w", groupName, policyName, err)
	}
	return decodePolicyDocument(aws.ToString(out.PolicyDocument))
}

// decodePolicyDocument URL-decodes an inline policy document. IAM returns
// inline documents URL-encoded.
func decodePolicyDocument(doc string) (string, error) {
	decoded, err := url.QueryUnescape(doc)
	if err != nil {
		return "", fmt.Errorf("failed to decode policy document: %w", err)
	}
	return decoded, nil
}
