package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// fakeRoleAPI implements RoleAPI with canned responses.
type fakeRoleAPI struct {
	createRole               func(*iam.CreateRoleInput) (*iam.CreateRoleOutput, error)
	getRole                  func(*iam.GetRoleInput) (*iam.GetRoleOutput, error)
	attachRolePolicy         func(*iam.AttachRolePolicyInput) (*iam.AttachRolePolicyOutput, error)
	putRolePolicy            func(*iam.PutRolePolicyInput) (*iam.PutRolePolicyOutput, error)
	listAttachedRolePolicies func(*iam.ListAttachedRolePoliciesInput) (*iam.ListAttachedRolePoliciesOutput, error)
	listRolePolicies         func(*iam.ListRolePoliciesInput) (*iam.ListRolePoliciesOutput, error)
	detachRolePolicy         func(*iam.DetachRolePolicyInput) (*iam.DetachRolePolicyOutput, error)
	deleteRolePolicy         func(*iam.DeleteRolePolicyInput) (*iam.DeleteRolePolicyOutput, error)
	deleteRole               func(*iam.DeleteRoleInput) (*iam.DeleteRoleOutput, error)
}

func (f *fakeRoleAPI) CreateRole(_ context.Context, params *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	return f.createRole(params)
}

func (f *fakeRoleAPI) GetRole(_ context.Context, params *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return f.getRole(params)
}

func (f *fakeRoleAPI) AttachRolePolicy(_ context.Context, params *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	return f.attachRolePolicy(params)
}

func (f *fakeRoleAPI) PutRolePolicy(_ context.Context, params *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	return f.putRolePolicy(params)
}

func (f *fakeRoleAPI) ListAttachedRolePolicies(_ context.Context, params *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return f.listAttachedRolePolicies(params)
}

func (f *fakeRoleAPI) ListRolePolicies(_ context.Context, params *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return f.listRolePolicies(params)
}

func (f *fakeRoleAPI) DetachRolePolicy(_ context.Context, params *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	return f.detachRolePolicy(params)
}

func (f *fakeRoleAPI) DeleteRolePolicy(_ context.Context, params *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	return f.deleteRolePolicy(params)
}

func (f *fakeRoleAPI) DeleteRole(_ context.Context, params *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	return f.deleteRole(params)
}

func TestCreateRole(t *testing.T) {
	driver := NewDriver(&fakeRoleAPI{
		createRole: func(params *iam.CreateRoleInput) (*iam.CreateRoleOutput, error) {
			if aws.ToString(params.RoleName) != "console-alice" {
				t.Errorf("Expected role name console-alice, got %s", aws.ToString(params.RoleName))
			}
			if aws.ToString(params.Path) != "/console/" {
				t.Errorf("Expected path /console/, got %s", aws.ToString(params.Path))
			}
			if aws.ToInt32(params.MaxSessionDuration) != DefaultMaxSessionDuration {
				t.Errorf("Expected default max session duration, got %d", aws.ToInt32(params.MaxSessionDuration))
			}
			return &iam.CreateRoleOutput{Role: &types.Role{Arn: aws.String("created-arn")}}, nil
		},
	})

	arn, err := driver.CreateRole(context.Background(), "/console/", "console-alice", "{}", 0)
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if arn != "created-arn" {
		t.Errorf("Expected created-arn, got %s", arn)
	}
}

func TestCreateRoleAlreadyExists(t *testing.T) {
	driver := NewDriver(&fakeRoleAPI{
		createRole: func(*iam.CreateRoleInput) (*iam.CreateRoleOutput, error) {
			return nil, &types.EntityAlreadyExistsException{Message: aws.String("exists")}
		},
	})

	_, err := driver.CreateRole(context.Background(), "/", "console-alice", "{}", 0)
	if !errors.Is(err, ErrRoleExists) {
		t.Errorf("Expected ErrRoleExists, got %v", err)
	}
}

func TestGetRoleNotFound(t *testing.T) {
	driver := NewDriver(&fakeRoleAPI{
		getRole: func(*iam.GetRoleInput) (*iam.GetRoleOutput, error) {
			return nil, &types.NoSuchEntityException{Message: aws.String("nope")}
		},
	})

	_, err := driver.GetRole(context.Background(), "console-ghost")
	if !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("Expected ErrRoleNotFound, got %v", err)
	}
}

func TestListAttachedRolePoliciesPaginates(t *testing.T) {
	calls := 0
	driver := NewDriver(&fakeRoleAPI{
		listAttachedRolePolicies: func(params *iam.ListAttachedRolePoliciesInput) (*iam.ListAttachedRolePoliciesOutput, error) {
			calls++
			if calls == 1 {
				return &iam.ListAttachedRolePoliciesOutput{
					AttachedPolicies: []types.AttachedPolicy{{PolicyArn: aws.String("arn-1")}},
					IsTruncated:      true,
					Marker:           aws.String("next"),
				}, nil
			}
			if aws.ToString(params.Marker) != "next" {
				t.Errorf("Expected marker next, got %s", aws.ToString(params.Marker))
			}
			return &iam.ListAttachedRolePoliciesOutput{
				AttachedPolicies: []types.AttachedPolicy{{PolicyArn: aws.String("arn-2")}},
			}, nil
		},
	})

	arns, err := driver.ListAttachedRolePolicies(context.Background(), "console-alice")
	if err != nil {
		t.Fatalf("ListAttachedRolePolicies failed: %v", err)
	}
	if len(arns) != 2 || arns[0] != "arn-1" || arns[1] != "arn-2" {
		t.Errorf("Unexpected ARNs: %v", arns)
	}
}

func TestDeleteRoleNotFoundMapsToSentinel(t *testing.T) {
	driver := NewDriver(&fakeRoleAPI{
		deleteRole: func(*iam.DeleteRoleInput) (*iam.DeleteRoleOutput, error) {
			return nil, &types.NoSuchEntityException{Message: aws.String("gone")}
		},
	})

	err := driver.DeleteRole(context.Background(), "console-ghost")
	if !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("Expected ErrRoleNotFound, got %v", err)
	}
}

func TestDetachRolePolicy(t *testing.T) {
	var detached string
	driver := NewDriver(&fakeRoleAPI{
		detachRolePolicy: func(params *iam.DetachRolePolicyInput) (*iam.DetachRolePolicyOutput, error) {
			detached = aws.ToString(params.PolicyArn)
			return &iam.DetachRolePolicyOutput{}, nil
		},
	})

	if err := driver.DetachRolePolicy(context.Background(), "console-alice", "arn-1"); err != nil {
		t.Fatalf("DetachRolePolicy failed: %v", err)
	}
	if detached != "arn-1" {
		t.Errorf("Expected arn-1 detached, got %s", detached)
	}
}
