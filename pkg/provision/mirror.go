package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mtoki/lariat/pkg/directory"
)

var tracer = otel.Tracer("lariat/provision")

// maxInlinePolicyNameLen is the IAM limit on inline policy names. Group
// inline policy names are namespaced as "<group>_<policy>" and truncated to
// fit; a truncated name that collides with another entry is overwritten by
// the later one.
const maxInlinePolicyNameLen = 128

// attachConcurrency bounds parallel attach/put calls during provisioning.
const attachConcurrency = 4

// Directory is the read side the mirror consumes. *directory.Client
// satisfies it.
type Directory interface {
	GetUser(ctx context.Context, username string) (*directory.User, error)
	ListAttachedUserPolicies(ctx context.Context, username string) ([]string, error)
	ListUserPolicies(ctx context.Context, username string) ([]string, error)
	GetUserPolicy(ctx context.Context, username, policyName string) (string, error)
	ListGroupsForUser(ctx context.Context, username string) ([]string, error)
	ListAttachedGroupPolicies(ctx context.Context, groupName string) ([]string, error)
	ListGroupPolicies(ctx context.Context, groupName string) ([]string, error)
	GetGroupPolicy(ctx context.Context, groupName, policyName string) (string, error)
}

// RoleWriter is the mutation side the mirror consumes. *Driver satisfies it.
type RoleWriter interface {
	CreateRole(ctx context.Context, path, roleName, trustPolicy string, maxSessionDuration int32) (string, error)
	GetRole(ctx context.Context, roleName string) (string, error)
	AttachRolePolicy(ctx context.Context, roleName, policyARN string) error
	PutRolePolicy(ctx context.Context, roleName, policyName, document string) error
}

// ProvisionInput describes one provisioning run.
type ProvisionInput struct {
	Username string
	RoleName string
	Path     string

	// RoleExisting switches provisioning from "create" to "adopt": the role
	// is resolved with GetRole instead of CreateRole and the fresh mirrored
	// policy set is reapplied on top of it. Used on the conflict-recovery
	// path after CreateRole reports ErrRoleExists.
	RoleExisting bool

	// TrustPolicy overrides the synthesized assume-role document when set.
	TrustPolicy string

	// MaxSessionDuration in seconds; zero means DefaultMaxSessionDuration.
	MaxSessionDuration int32
}

// Mirror reproduces a user's effective policy set on a role.
type Mirror struct {
	dir    Directory
	driver RoleWriter
}

// NewMirror creates a mirror over the given directory and role driver.
func NewMirror(dir Directory, driver RoleWriter) *Mirror {
	return &Mirror{dir: dir, driver: driver}
}

// Provision creates (or adopts) the role and attaches the full policy set
// mirrored from the user. It returns the role's ARN. The mirrored set is a
// snapshot: changes to the user's permissions after provisioning do not
// propagate to the role.
func (m *Mirror) Provision(ctx context.Context, in ProvisionInput) (string, error) {
	ctx, span := tracer.Start(ctx, "Mirror.Provision",
		trace.WithAttributes(
			attribute.String("iam.username", in.Username),
			attribute.String("iam.role_name", in.RoleName),
			attribute.Bool("iam.role_existing", in.RoleExisting),
		),
	)
	defer span.End()

	arn, err := m.provision(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		return "", err
	}
	span.SetStatus(codes.Ok, "role provisioned")
	return arn, nil
}

func (m *Mirror) provision(ctx context.Context, in ProvisionInput) (string, error) {
	trustPolicy := in.TrustPolicy
	if trustPolicy == "" {
		user, err := m.dir.GetUser(ctx, in.Username)
		if err != nil {
			return "", err
		}
		accountID, err := accountIDFromARN(user.ARN)
		if err != nil {
			return "", err
		}
		trustPolicy, err = buildTrustPolicy(accountID)
		if err != nil {
			return "", err
		}
	}

	var arn string
	var err error
	if in.RoleExisting {
		arn, err = m.driver.GetRole(ctx, in.RoleName)
	} else {
		arn, err = m.driver.CreateRole(ctx, in.Path, in.RoleName, trustPolicy, in.MaxSessionDuration)
	}
	if err != nil {
		return "", err
	}

	managed, inline, err := m.mirroredPolicySet(ctx, in.Username)
	if err != nil {
		return "", err
	}

	// Attach order is not significant and every call is idempotent, so a
	// partial prior attempt can be safely repeated.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(attachConcurrency)
	for _, policyARN := range managed {
		policyARN := policyARN
		eg.Go(func() error {
			return m.driver.AttachRolePolicy(egCtx, in.RoleName, policyARN)
		})
	}
	for name, document := range inline {
		name, document := name, document
		eg.Go(func() error {
			return m.driver.PutRolePolicy(egCtx, in.RoleName, name, document)
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	return arn, nil
}

// mirroredPolicySet computes the deduplicated managed policy ARNs and the
// name-keyed inline policy documents granted to the user directly and via
// group membership.
func (m *Mirror) mirroredPolicySet(ctx context.Context, username string) ([]string, map[string]string, error) {
	groups, err := m.dir.ListGroupsForUser(ctx, username)
	if err != nil {
		return nil, nil, err
	}

	managedSet := make(map[string]struct{})
	userManaged, err := m.dir.ListAttachedUserPolicies(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	for _, arn := range userManaged {
		managedSet[arn] = struct{}{}
	}
	for _, group := range groups {
		groupManaged, err := m.dir.ListAttachedGroupPolicies(ctx, group)
		if err != nil {
			return nil, nil, err
		}
		for _, arn := range groupManaged {
			managedSet[arn] = struct{}{}
		}
	}
	managed := make([]string, 0, len(managedSet))
	for arn := range managedSet {
		managed = append(managed, arn)
	}
	sort.Strings(managed)

	inline := make(map[string]string)
	userInline, err := m.dir.ListUserPolicies(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range userInline {
		doc, err := m.dir.GetUserPolicy(ctx, username, name)
		if err != nil {
			return nil, nil, err
		}
		inline[name] = doc
	}
	for _, group := range groups {
		groupInline, err := m.dir.ListGroupPolicies(ctx, group)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range groupInline {
			doc, err := m.dir.GetGroupPolicy(ctx, group, name)
			if err != nil {
				return nil, nil, err
			}
			inline[groupPolicyName(group, name)] = doc
		}
	}

	return managed, inline, nil
}

// groupPolicyName namespaces a group inline policy name and truncates it to
// the IAM name limit.
func groupPolicyName(group, policy string) string {
	name := group + "_" + policy
	if len(name) > maxInlinePolicyNameLen {
		name = name[:maxInlinePolicyNameLen]
	}
	return name
}

// accountIDFromARN extracts the account id from an IAM ARN
// (arn:aws:iam::123456789012:user/alice).
func accountIDFromARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 || parts[4] == "" {
		return "", fmt.Errorf("malformed ARN %q", arn)
	}
	return parts[4], nil
}

// trustPolicyDocument is the assume-role document shape synthesized for
// mirrored roles.
type trustPolicyDocument struct {
	Version   string                 `json:"Version"`
	Statement []trustPolicyStatement `json:"Statement"`
}

type trustPolicyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    string              `json:"Action"`
	Condition map[string]string   `json:"Condition"`
}

// buildTrustPolicy synthesizes a trust policy granting sts:AssumeRole to the
// account root of the account owning the mirrored user. Recomputed fresh on
// every provisioning call.
func buildTrustPolicy(accountID string) (string, error) {
	doc := trustPolicyDocument{
		Version: "2012-10-17",
		Statement: []trustPolicyStatement{
			{
				Effect: "Allow",
				Principal: map[string][]string{
					"AWS": {fmt.Sprintf("arn:aws:iam::%s:root", accountID)},
				},
				Action:    "sts:AssumeRole",
				Condition: map[string]string{},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trust policy: %w", err)
	}
	return string(data), nil
}
