package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// DefaultMaxSessionDuration is the maximum session duration set on created
// roles, in seconds.
const DefaultMaxSessionDuration int32 = 43200

// RoleAPI is the subset of the IAM API the driver consumes. *iam.Client
// satisfies it; tests substitute a fake.
type RoleAPI interface {
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

// Driver manages the lifecycle of mirrored roles in IAM.
type Driver struct {
	api RoleAPI
}

// NewDriver creates a driver over the given IAM API.
func NewDriver(api RoleAPI) *Driver {
	return &Driver{api: api}
}

// CreateRole creates a role and returns its ARN. A name collision surfaces
// as ErrRoleExists; the caller decides whether to adopt the existing role.
func (d *Driver) CreateRole(ctx context.Context, path, roleName, trustPolicy string, maxSessionDuration int32) (string, error) {
	if maxSessionDuration <= 0 {
		maxSessionDuration = DefaultMaxSessionDuration
	}
	input := &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(trustPolicy),
		MaxSessionDuration:       aws.Int32(maxSessionDuration),
	}
	if path != "" {
		input.Path = aws.String(path)
	}
	out, err := d.api.CreateRole(ctx, input)
	if err != nil {
		if isEntityAlreadyExists(err) {
			return "", fmt.Errorf("role %q: %w", roleName, ErrRoleExists)
		}
		return "", fmt.Errorf("failed to create role %q: %w", roleName, err)
	}
	return aws.ToString(out.Role.Arn), nil
}

// GetRole resolves an existing role's ARN.
func (d *Driver) GetRole(ctx context.Context, roleName string) (string, error) {
	out, err := d.api.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	if err != nil {
		if isNoSuchEntity(err) {
			return "", fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return "", fmt.Errorf("failed to get role %q: %w", roleName, err)
	}
	return aws.ToString(out.Role.Arn), nil
}

// AttachRolePolicy attaches a managed policy to the role. Reattaching the
// same policy is a no-op on the IAM side.
func (d *Driver) AttachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	_, err := d.api.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return fmt.Errorf("failed to attach policy %q to role %q: %w", policyARN, roleName, err)
	}
	return nil
}

// PutRolePolicy writes an inline policy on the role. Rewriting the same
// document is a no-op on the IAM side.
func (d *Driver) PutRolePolicy(ctx context.Context, roleName, policyName, document string) error {
	_, err := d.api.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(document),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return fmt.Errorf("failed to put inline policy %q on role %q: %w", policyName, roleName, err)
	}
	return nil
}

// ListAttachedRolePolicies returns the ARNs of managed policies attached to
// the role, paging through multi-page results.
func (d *Driver) ListAttachedRolePolicies(ctx context.Context, roleName string) ([]string, error) {
	var arns []string
	var marker *string
	for {
		out, err := d.api.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
			RoleName: aws.String(roleName),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
			}
			return nil, fmt.Errorf("failed to list attached policies for role %q: %w", roleName, err)
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

// ListRolePolicies returns the names of inline policies on the role, paging
// through multi-page results.
func (d *Driver) ListRolePolicies(ctx context.Context, roleName string) ([]string, error) {
	var names []string
	var marker *string
	for {
		out, err := d.api.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{
			RoleName: aws.String(roleName),
			Marker:   marker,
		})
		if err != nil {
			if isNoSuchEntity(err) {
				return nil, fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
			}
			return nil, fmt.Errorf("failed to list inline policies for role %q: %w", roleName, err)
		}
		names = append(names, out.PolicyNames...)
		if !out.IsTruncated {
			return names, nil
		}
		marker = out.Marker
	}
}

// DetachRolePolicy detaches a managed policy from the role.
func (d *Driver) DetachRolePolicy(ctx context.Context, roleName, policyARN string) error {
	_, err := d.api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return fmt.Errorf("failed to detach policy %q from role %q: %w", policyARN, roleName, err)
	}
	return nil
}

// DeleteRolePolicy removes an inline policy from the role.
func (d *Driver) DeleteRolePolicy(ctx context.Context, roleName, policyName string) error {
	_, err := d.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(policyName),
	})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return fmt.Errorf("failed to delete inline policy %q from role %q: %w", policyName, roleName, err)
	}
	return nil
}

// DeleteRole deletes the role. All attached and inline policies must be
// removed first.
func (d *Driver) DeleteRole(ctx context.Context, roleName string) error {
	_, err := d.api.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(roleName)})
	if err != nil {
		if isNoSuchEntity(err) {
			return fmt.Errorf("role %q: %w", roleName, ErrRoleNotFound)
		}
		return fmt.Errorf("failed to delete role %q: %w", roleName, err)
	}
	return nil
}
